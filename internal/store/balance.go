package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// GetBalance returns the stored balance. A user without a row has balance 0
// at version 0.
func (s *Store) GetBalance(ctx context.Context, userID int64) (domain.UserBalance, error) {
	b := domain.UserBalance{UserID: userID}
	err := s.Db.QueryRow(ctx,
		"SELECT balance, version FROM user_balances WHERE user_id = $1",
		userID,
	).Scan(&b.Balance, &b.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, nil
		}
		return domain.UserBalance{}, fmt.Errorf("balance query failed: %w", err)
	}
	return b, nil
}

// IncrementBalance adds delta to the user's balance.
//
// With domain.AnyVersion the increment is a single upsert that serializes on
// the user's row lock, so concurrent increments never lose updates and
// different users never contend. Any other expectedVersion is a compare-and-set
// that fails with domain.ErrStaleVersion when the row has moved on.
func (s *Store) IncrementBalance(ctx context.Context, userID, delta, expectedVersion int64) (domain.UserBalance, error) {
	b := domain.UserBalance{UserID: userID}

	var row pgx.Row
	switch {
	case expectedVersion == domain.AnyVersion:
		row = s.Db.QueryRow(ctx,
			`INSERT INTO user_balances (user_id, balance, version, updated_at)
			 VALUES ($1, $2, 1, now())
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = user_balances.balance + EXCLUDED.balance,
			     version = user_balances.version + 1,
			     updated_at = now()
			 RETURNING balance, version`,
			userID, delta)
	case expectedVersion == 0:
		row = s.Db.QueryRow(ctx,
			`INSERT INTO user_balances (user_id, balance, version, updated_at)
			 VALUES ($1, $2, 1, now())
			 ON CONFLICT (user_id) DO NOTHING
			 RETURNING balance, version`,
			userID, delta)
	default:
		row = s.Db.QueryRow(ctx,
			`UPDATE user_balances
			 SET balance = balance + $2, version = version + 1, updated_at = now()
			 WHERE user_id = $1 AND version = $3
			 RETURNING balance, version`,
			userID, delta, expectedVersion)
	}

	if err := row.Scan(&b.Balance, &b.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserBalance{}, domain.ErrStaleVersion
		}
		return domain.UserBalance{}, fmt.Errorf("balance update failed: %w", err)
	}
	return b, nil
}
