package domain

// AwardStatus is the variant of an AwardResult.
type AwardStatus string

const (
	StatusAwarded AwardStatus = "awarded"
	StatusSkipped AwardStatus = "skipped"
	StatusFailed  AwardStatus = "failed"
)

// Reasons attached to skipped and failed results.
const (
	ReasonUnknownAction       = "unknown_action"
	ReasonDuplicate           = "duplicate"
	ReasonIneligible          = "ineligible"
	ReasonZeroPoints          = "zero_points"
	ReasonStorageUnavailable  = "storage_unavailable"
	ReasonBalanceUpdateFailed = "balance_update_failed"
	ReasonInvalidRequest      = "invalid_request"
)

// AwardResult is the outcome of one award call. Skipped is a success outcome.
type AwardResult struct {
	Status         AwardStatus   `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Points         int64         `json:"points"`
	Balance        int64         `json:"balance"`
	Level          int           `json:"level,omitempty"`
	LevelUp        *LevelUpEvent `json:"level_up,omitempty"`
	// Recorded is true when a transaction row was durably written, including
	// failed results where only the balance update is pending.
	Recorded bool `json:"recorded"`
}

// Succeeded reports whether the caller should treat the call as successful.
func (r AwardResult) Succeeded() bool { return r.Status != StatusFailed }

func Awarded(txID, key string, points, balance int64, level int) AwardResult {
	return AwardResult{
		Status:         StatusAwarded,
		TransactionID:  txID,
		IdempotencyKey: key,
		Points:         points,
		Balance:        balance,
		Level:          level,
		Recorded:       true,
	}
}

func Skipped(reason, key string) AwardResult {
	return AwardResult{Status: StatusSkipped, Reason: reason, IdempotencyKey: key}
}

func Failed(reason, key string, recorded bool) AwardResult {
	return AwardResult{Status: StatusFailed, Reason: reason, IdempotencyKey: key, Recorded: recorded}
}
