package listeners

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStats is a process-local StatsClient for runs without Redis. It
// honours expiry lazily on access.
type MemoryStats struct {
	mu       sync.Mutex
	counters map[string]int64
	hashes   map[string]map[string]int64
	expiry   map[string]time.Time
	now      func() time.Time
}

func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		counters: make(map[string]int64),
		hashes:   make(map[string]map[string]int64),
		expiry:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryStats) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if m.existsLocked(k) {
			n++
		}
		m.dropLocked(k)
	}
	return redis.NewIntResult(n, nil)
}

func (m *MemoryStats) IncrBy(_ context.Context, key string, value int64) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	m.counters[key] += value
	return redis.NewIntResult(m.counters[key], nil)
}

func (m *MemoryStats) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	if !m.existsLocked(key) {
		return redis.NewBoolResult(false, nil)
	}
	m.expiry[key] = m.now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (m *MemoryStats) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += incr
	return redis.NewIntResult(h[field], nil)
}

// Counter returns the current value of a counter key.
func (m *MemoryStats) Counter(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	return m.counters[key]
}

// HashField returns one field of a hash key.
func (m *MemoryStats) HashField(key, field string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(key)
	return m.hashes[key][field]
}

func (m *MemoryStats) existsLocked(key string) bool {
	if _, ok := m.counters[key]; ok {
		return true
	}
	_, ok := m.hashes[key]
	return ok
}

func (m *MemoryStats) evictLocked(key string) {
	if exp, ok := m.expiry[key]; ok && !m.now().Before(exp) {
		m.dropLocked(key)
	}
}

func (m *MemoryStats) dropLocked(key string) {
	delete(m.counters, key)
	delete(m.hashes, key)
	delete(m.expiry, key)
}
