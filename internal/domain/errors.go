package domain

import "errors"

var (
	// ErrDuplicateTransaction means the idempotency key is already recorded.
	// The engine treats it as a successful no-op.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrStaleVersion         = errors.New("stale balance version")
	ErrAwardFailed          = errors.New("award failed")
	ErrAuditWriteFailed     = errors.New("audit write failed")
	ErrUserNotFound         = errors.New("user not found")
	// ErrIneligible means a rule limit (max occurrences, cooldown) rejected
	// the award. The engine reports it as Skipped.
	ErrIneligible = errors.New("ineligible for award")
)
