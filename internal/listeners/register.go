package listeners

import (
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
)

// Register subscribes each listener to both event kinds behind a dedup guard.
// Nil listeners are skipped so optional sinks can be left unconfigured.
func Register(d *events.Dispatcher, dedup events.Deduper, ttl time.Duration, ls ...events.Listener) {
	for _, l := range ls {
		if l == nil {
			continue
		}
		guarded := events.Idempotent(l, dedup, ttl)
		d.Register(domain.EventPointsEarned, guarded)
		d.Register(domain.EventLevelUp, guarded)
	}
}
