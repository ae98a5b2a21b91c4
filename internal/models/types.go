package models

import (
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/rules"
)

// AwardRequest is the payload from the client.
type AwardRequest struct {
	UserID   int64          `json:"user_id"`
	Action   string         `json:"action"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LevelUp mirrors domain.LevelUpEvent on the wire.
type LevelUp struct {
	OldLevel int `json:"old_level"`
	NewLevel int `json:"new_level"`
}

// AwardResponse is the canonical response structure for an award call.
type AwardResponse struct {
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	TransactionID  string   `json:"transaction_id,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Points         int64    `json:"points"`
	Balance        int64    `json:"balance"`
	Level          int      `json:"level,omitempty"`
	LevelUp        *LevelUp `json:"level_up,omitempty"`
	Recorded       bool     `json:"recorded"`
	RequestID      string   `json:"request_id"`
}

func NewAwardResponse(res domain.AwardResult, requestID string) AwardResponse {
	out := AwardResponse{
		Status:         string(res.Status),
		Reason:         res.Reason,
		TransactionID:  res.TransactionID,
		IdempotencyKey: res.IdempotencyKey,
		Points:         res.Points,
		Balance:        res.Balance,
		Level:          res.Level,
		Recorded:       res.Recorded,
		RequestID:      requestID,
	}
	if res.LevelUp != nil {
		out.LevelUp = &LevelUp{OldLevel: res.LevelUp.OldLevel, NewLevel: res.LevelUp.NewLevel}
	}
	return out
}

// BalanceResponse is the read model for a user's balance.
type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
	Version int64 `json:"version"`
	Level   int   `json:"level"`
}

// Transaction is one ledger row on the wire.
type Transaction struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	Points         int64          `json:"points"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ProcessedAt    time.Time      `json:"processed_at"`
}

type HistoryResponse struct {
	UserID       int64         `json:"user_id"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
	Transactions []Transaction `json:"transactions"`
}

func NewHistoryResponse(userID int64, limit, offset int, txs []domain.PointsTransaction) HistoryResponse {
	out := HistoryResponse{UserID: userID, Limit: limit, Offset: offset, Transactions: make([]Transaction, 0, len(txs))}
	for _, t := range txs {
		out.Transactions = append(out.Transactions, Transaction{
			ID:             t.ID,
			Action:         t.Action,
			Points:         t.Points,
			Metadata:       t.Metadata,
			IdempotencyKey: t.IdempotencyKey,
			ProcessedAt:    t.ProcessedAt,
		})
	}
	return out
}

type ReconciliationResponse struct {
	UserID        int64 `json:"user_id"`
	LedgerBalance int64 `json:"ledger_balance"`
	StoredBalance int64 `json:"stored_balance"`
	Difference    int64 `json:"difference"`
	InSync        bool  `json:"in_sync"`
}

func NewReconciliationResponse(d domain.Drift) ReconciliationResponse {
	return ReconciliationResponse{
		UserID:        d.UserID,
		LedgerBalance: d.LedgerBalance,
		StoredBalance: d.StoredBalance,
		Difference:    d.Difference,
		InSync:        d.InSync(),
	}
}

// RulesResponse exposes the active rule table and level thresholds.
type RulesResponse struct {
	Version string            `json:"version"`
	Rules   []rules.Rule      `json:"rules"`
	Levels  []level.Threshold `json:"levels"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
