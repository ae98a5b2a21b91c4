package domain

import (
	"fmt"
	"time"
)

// Event names used for listener registration.
const (
	EventPointsEarned = "points.earned"
	EventLevelUp      = "level.up"
)

// Event is a transient domain event fanned out by the dispatcher.
type Event interface {
	EventName() string
	// DedupKey identifies the event for listener-side redelivery guards.
	DedupKey() string
}

// PointsEarnedEvent is derived from a positive-delta transaction at emission time.
type PointsEarnedEvent struct {
	UserID         int64          `json:"user_id"`
	Delta          int64          `json:"delta"`
	Action         string         `json:"action"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

func (PointsEarnedEvent) EventName() string { return EventPointsEarned }

func (e PointsEarnedEvent) DedupKey() string { return e.IdempotencyKey }

// LevelUpEvent fires once per award that crosses one or more thresholds.
// NewLevel may skip intermediate levels.
type LevelUpEvent struct {
	UserID     int64     `json:"user_id"`
	OldLevel   int       `json:"old_level"`
	NewLevel   int       `json:"new_level"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (LevelUpEvent) EventName() string { return EventLevelUp }

func (e LevelUpEvent) DedupKey() string {
	return fmt.Sprintf("%d:%d", e.UserID, e.NewLevel)
}
