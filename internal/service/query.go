package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/rules"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// BalanceView is the read model served to callers.
type BalanceView struct {
	domain.UserBalance
	Level int `json:"level"`
}

// Balance returns the stored balance with its derived level.
func (e *PointsEngine) Balance(ctx context.Context, userID int64) (BalanceView, error) {
	b, err := e.balances.GetBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, fmt.Errorf("get balance: %w", err)
	}
	return BalanceView{UserBalance: b, Level: e.levels.LevelForPoints(b.Balance)}, nil
}

// History pages through a user's transactions, newest first. Limits outside
// 1..MaxHistoryLimit are clamped.
func (e *PointsEngine) History(ctx context.Context, userID int64, limit, offset int) ([]domain.PointsTransaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := e.ledger.History(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return txs, nil
}

// CheckDrift compares the ledger sum with the stored balance. It only
// reports; repair is a separately scheduled job.
func (e *PointsEngine) CheckDrift(ctx context.Context, userID int64) (domain.Drift, error) {
	sum, err := e.ledger.SumBalance(ctx, userID)
	if err != nil {
		return domain.Drift{}, fmt.Errorf("sum ledger: %w", err)
	}
	b, err := e.balances.GetBalance(ctx, userID)
	if err != nil {
		return domain.Drift{}, fmt.Errorf("get balance: %w", err)
	}
	d := domain.Drift{
		UserID:        userID,
		LedgerBalance: sum,
		StoredBalance: b.Balance,
		Difference:    sum - b.Balance,
	}
	if !d.InSync() {
		e.log.WithContext(ctx).Warnw("msg", "balance drift detected", "user_id", userID, "difference", d.Difference)
	}
	return d, nil
}

func (e *PointsEngine) Rules() *rules.Table { return e.rules }

func (e *PointsEngine) Levels() *level.Evaluator { return e.levels }
