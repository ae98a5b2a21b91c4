package domain

import (
	"time"
)

// PointsTransaction is the immutable record of one point award or deduction.
// No two transactions share an IdempotencyKey.
type PointsTransaction struct {
	ID             string         `json:"id"`
	UserID         int64          `json:"user_id"`
	Action         string         `json:"action"`
	Points         int64          `json:"points"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ProcessedAt    time.Time      `json:"processed_at"`
}

// UserBalance is the denormalized running total for one user.
// Balance equals the sum of the user's transactions once reconciled.
type UserBalance struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
	Version int64 `json:"version"`
}

// ActionStats summarizes a user's history for one action. It backs rule
// eligibility checks (max occurrences, cooldown).
type ActionStats struct {
	Count  int
	LastAt time.Time
}

// AuditLogEntry is an append-only compliance record. Where holds a hashed
// origin, never a raw address. Details must not carry personal data.
type AuditLogEntry struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id,omitempty"`
	Who       string         `json:"who"`
	What      string         `json:"what"`
	Where     string         `json:"where"`
	How       string         `json:"how"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
	SessionID *string        `json:"session_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RequestContext carries the caller-supplied correlation data for an award.
// Origin is the raw client address; it is hashed before it is persisted.
type RequestContext struct {
	RequestID string
	SessionID string
	Actor     string
	Origin    string
	Channel   string
}

// Drift compares the ledger sum with the stored balance for one user.
type Drift struct {
	UserID        int64 `json:"user_id"`
	LedgerBalance int64 `json:"ledger_balance"`
	StoredBalance int64 `json:"stored_balance"`
	Difference    int64 `json:"difference"`
}

// InSync reports whether the stored balance matches the ledger.
func (d Drift) InSync() bool { return d.Difference == 0 }

// AnyVersion asks the balance store for an unconditional atomic increment
// under its row lock instead of a version check.
const AnyVersion int64 = -1
