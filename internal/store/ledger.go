package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// dbtx is satisfied by both the pool and a pgx transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordTransaction inserts an immutable ledger row. The unique constraint on
// idempotency_key is the authority on duplicates: a violation maps to
// domain.ErrDuplicateTransaction.
func (s *Store) RecordTransaction(ctx context.Context, t domain.PointsTransaction) (string, error) {
	t = prepareTransaction(t)
	if err := insertTransaction(ctx, s.Db, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// RecordLimited inserts t only if check accepts the user's history for the
// action. A per (user, action) advisory lock serializes the stats read and the
// insert, so concurrent awards cannot both pass a max-occurrence or cooldown
// limit. An existing idempotency key wins over check and yields
// domain.ErrDuplicateTransaction.
func (s *Store) RecordLimited(ctx context.Context, t domain.PointsTransaction, check func(domain.ActionStats) error) (string, error) {
	t = prepareTransaction(t)

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", fmt.Sprintf("%d:%s", t.UserID, t.Action)); err != nil {
		return "", fmt.Errorf("advisory lock failed: %w", err)
	}

	exists, err := transactionExists(ctx, tx, t.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if exists {
		return "", domain.ErrDuplicateTransaction
	}

	stats, err := actionStats(ctx, tx, t.UserID, t.Action)
	if err != nil {
		return "", err
	}
	if err := check(stats); err != nil {
		return "", err
	}

	if err := insertTransaction(ctx, tx, t); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrDuplicateTransaction
		}
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return t.ID, nil
}

func prepareTransaction(t domain.PointsTransaction) domain.PointsTransaction {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ProcessedAt.IsZero() {
		t.ProcessedAt = time.Now().UTC()
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	return t
}

func insertTransaction(ctx context.Context, q dbtx, t domain.PointsTransaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO points_transactions (id, user_id, action, points, metadata, idempotency_key, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.Action, t.Points, t.Metadata, t.IdempotencyKey, t.ProcessedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// TransactionExists is a fast-path check; correctness rests on the insert.
func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return transactionExists(ctx, s.Db, idempotencyKey)
}

func transactionExists(ctx context.Context, q dbtx, idempotencyKey string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM points_transactions WHERE idempotency_key = $1)",
		idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return exists, nil
}

// SumBalance reconstructs a balance from the ledger.
func (s *Store) SumBalance(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := s.Db.QueryRow(ctx,
		"SELECT COALESCE(SUM(points), 0)::BIGINT FROM points_transactions WHERE user_id = $1",
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ledger sum failed: %w", err)
	}
	return sum, nil
}

// History returns a page of transactions, newest first.
func (s *Store) History(ctx context.Context, userID int64, limit, offset int) ([]domain.PointsTransaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, action, points, metadata, idempotency_key, processed_at
		 FROM points_transactions
		 WHERE user_id = $1
		 ORDER BY processed_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	history := make([]domain.PointsTransaction, 0, limit)
	for rows.Next() {
		var t domain.PointsTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Action, &t.Points, &t.Metadata, &t.IdempotencyKey, &t.ProcessedAt); err != nil {
			return nil, fmt.Errorf("history scan failed: %w", err)
		}
		t.ProcessedAt = t.ProcessedAt.UTC()
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows failed: %w", err)
	}
	return history, nil
}

// ActionStats counts a user's awards for action and reports the latest one.
func (s *Store) ActionStats(ctx context.Context, userID int64, action string) (domain.ActionStats, error) {
	return actionStats(ctx, s.Db, userID, action)
}

func actionStats(ctx context.Context, q dbtx, userID int64, action string) (domain.ActionStats, error) {
	var (
		stats  domain.ActionStats
		lastAt *time.Time
	)
	err := q.QueryRow(ctx,
		"SELECT COUNT(*), MAX(processed_at) FROM points_transactions WHERE user_id = $1 AND action = $2",
		userID, action,
	).Scan(&stats.Count, &lastAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.ActionStats{}, fmt.Errorf("action stats failed: %w", err)
	}
	if lastAt != nil {
		stats.LastAt = lastAt.UTC()
	}
	return stats, nil
}
