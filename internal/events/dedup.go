package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Deduper stores short-lived processed markers so a redelivered event is
// handled at most once per listener within the TTL.
type Deduper interface {
	Claim(ctx context.Context, scope, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

// RedisClient is the subset of the redis client the deduper needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper keeps markers as SET NX keys with expiry.
type RedisDeduper struct {
	client RedisClient
	prefix string
}

func NewRedisDeduper(client RedisClient) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "points:dedup"}
}

func (r *RedisDeduper) markerKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, scope, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.markerKey(scope, key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup marker: %w", err)
	}
	return ok, nil
}

func (r *RedisDeduper) Release(ctx context.Context, scope, key string) error {
	if err := r.client.Del(ctx, r.markerKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("release dedup marker: %w", err)
	}
	return nil
}

// memorySweepInterval bounds how often Claim scans for expired markers.
const memorySweepInterval = time.Minute

// MemoryDeduper is the in-process Deduper used without Redis. Expired
// markers are swept from Claim at most once per memorySweepInterval.
type MemoryDeduper struct {
	mu        sync.Mutex
	markers   map[string]time.Time
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{markers: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryDeduper) Claim(_ context.Context, scope, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + ":" + key
	now := m.now()
	if !now.Before(m.nextSweep) {
		m.sweepLocked(now)
	}
	if exp, ok := m.markers[k]; ok && now.Before(exp) {
		return false, nil
	}
	m.markers[k] = now.Add(ttl)
	return true, nil
}

func (m *MemoryDeduper) sweepLocked(now time.Time) {
	for k, exp := range m.markers {
		if !now.Before(exp) {
			delete(m.markers, k)
		}
	}
	m.nextSweep = now.Add(memorySweepInterval)
}

func (m *MemoryDeduper) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, scope+":"+key)
	return nil
}

// idempotentListener guards a listener with a dedup marker.
type idempotentListener struct {
	next  Listener
	dedup Deduper
	ttl   time.Duration
}

// Idempotent wraps l so each event DedupKey is processed once per TTL. The
// marker is released when l fails so a retry can run it again.
func Idempotent(l Listener, d Deduper, ttl time.Duration) Listener {
	return &idempotentListener{next: l, dedup: d, ttl: ttl}
}

func (i *idempotentListener) Name() string { return i.next.Name() }

func (i *idempotentListener) Handle(ctx context.Context, ev domain.Event) error {
	scope := i.next.Name() + ":" + ev.EventName()
	claimed, err := i.dedup.Claim(ctx, scope, ev.DedupKey(), i.ttl)
	if err != nil {
		return err
	}
	if !claimed {
		deliveriesTotal.WithLabelValues(i.next.Name(), ev.EventName(), "deduplicated").Inc()
		return nil
	}
	if err := i.next.Handle(ctx, ev); err != nil {
		if relErr := i.dedup.Release(ctx, scope, ev.DedupKey()); relErr != nil {
			return fmt.Errorf("%w (release: %v)", err, relErr)
		}
		return err
	}
	return nil
}
