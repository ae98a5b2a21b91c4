package listeners

import (
	"context"
	"strconv"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Publisher writes keyed JSON messages.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, value any) error
}

// NotificationRequest is handed to the external delivery service.
type NotificationRequest struct {
	Kind       string    `json:"kind"`
	UserID     int64     `json:"user_id"`
	Action     string    `json:"action,omitempty"`
	Points     int64     `json:"points,omitempty"`
	OldLevel   int       `json:"old_level,omitempty"`
	NewLevel   int       `json:"new_level,omitempty"`
	DedupKey   string    `json:"dedup_key"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notification forwards events to the notification topic. Delivery itself
// belongs to another service.
type Notification struct {
	pub Publisher
}

func NewNotification(pub Publisher) *Notification {
	return &Notification{pub: pub}
}

func (n *Notification) Name() string { return "notification" }

func (n *Notification) Handle(ctx context.Context, ev domain.Event) error {
	var req NotificationRequest
	switch e := ev.(type) {
	case domain.PointsEarnedEvent:
		req = NotificationRequest{
			Kind:       "points_earned",
			UserID:     e.UserID,
			Action:     e.Action,
			Points:     e.Delta,
			OccurredAt: e.OccurredAt,
		}
	case domain.LevelUpEvent:
		req = NotificationRequest{
			Kind:       "level_up",
			UserID:     e.UserID,
			OldLevel:   e.OldLevel,
			NewLevel:   e.NewLevel,
			OccurredAt: e.OccurredAt,
		}
	default:
		return nil
	}
	req.DedupKey = ev.EventName() + ":" + ev.DedupKey()
	return n.pub.PublishJSON(ctx, strconv.FormatInt(req.UserID, 10), req)
}
