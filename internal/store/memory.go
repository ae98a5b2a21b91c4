package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// MemoryStore is an in-process implementation of the ledger, balance store
// and audit sink. It keeps the same contracts as Store: idempotency keys are
// unique, balance rows lock per user, audit entries are append-only.
type MemoryStore struct {
	txMu   sync.RWMutex
	byKey  map[string]domain.PointsTransaction
	byUser map[int64][]domain.PointsTransaction

	balances sync.Map // int64 -> *balanceRow

	auditMu sync.Mutex
	audit   []domain.AuditLogEntry
	auditID int64
}

type balanceRow struct {
	mu      sync.Mutex
	balance int64
	version int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]domain.PointsTransaction),
		byUser: make(map[int64][]domain.PointsTransaction),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) RecordTransaction(ctx context.Context, t domain.PointsTransaction) (string, error) {
	return m.RecordLimited(ctx, t, nil)
}

// RecordLimited checks the user's history for the action and inserts under
// one lock. A nil check always accepts.
func (m *MemoryStore) RecordLimited(ctx context.Context, t domain.PointsTransaction, check func(domain.ActionStats) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ProcessedAt.IsZero() {
		t.ProcessedAt = time.Now().UTC()
	}
	t.Metadata = cloneMap(t.Metadata)

	m.txMu.Lock()
	defer m.txMu.Unlock()
	if _, exists := m.byKey[t.IdempotencyKey]; exists {
		return "", domain.ErrDuplicateTransaction
	}
	if check != nil {
		if err := check(m.statsLocked(t.UserID, t.Action)); err != nil {
			return "", err
		}
	}
	m.byKey[t.IdempotencyKey] = t
	m.byUser[t.UserID] = append(m.byUser[t.UserID], t)
	return t.ID, nil
}

func (m *MemoryStore) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	_, ok := m.byKey[idempotencyKey]
	return ok, nil
}

func (m *MemoryStore) SumBalance(ctx context.Context, userID int64) (int64, error) {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	var sum int64
	for _, t := range m.byUser[userID] {
		sum += t.Points
	}
	return sum, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, limit, offset int) ([]domain.PointsTransaction, error) {
	m.txMu.RLock()
	all := append([]domain.PointsTransaction(nil), m.byUser[userID]...)
	m.txMu.RUnlock()

	// newest insert first among equal timestamps
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ProcessedAt.After(all[j].ProcessedAt)
	})
	if offset >= len(all) {
		return []domain.PointsTransaction{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// TransactionCount returns the number of recorded transactions for userID.
func (m *MemoryStore) TransactionCount(userID int64) int {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return len(m.byUser[userID])
}

func (m *MemoryStore) ActionStats(ctx context.Context, userID int64, action string) (domain.ActionStats, error) {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	return m.statsLocked(userID, action), nil
}

func (m *MemoryStore) statsLocked(userID int64, action string) domain.ActionStats {
	var stats domain.ActionStats
	for _, t := range m.byUser[userID] {
		if t.Action != action {
			continue
		}
		stats.Count++
		if t.ProcessedAt.After(stats.LastAt) {
			stats.LastAt = t.ProcessedAt
		}
	}
	return stats
}

func (m *MemoryStore) row(userID int64) *balanceRow {
	r, _ := m.balances.LoadOrStore(userID, &balanceRow{})
	return r.(*balanceRow)
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (domain.UserBalance, error) {
	r := m.row(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.UserBalance{UserID: userID, Balance: r.balance, Version: r.version}, nil
}

func (m *MemoryStore) IncrementBalance(ctx context.Context, userID, delta, expectedVersion int64) (domain.UserBalance, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserBalance{}, err
	}
	r := m.row(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if expectedVersion != domain.AnyVersion && expectedVersion != r.version {
		return domain.UserBalance{}, domain.ErrStaleVersion
	}
	r.balance += delta
	r.version++
	return domain.UserBalance{UserID: userID, Balance: r.balance, Version: r.version}, nil
}

func (m *MemoryStore) Append(ctx context.Context, e domain.AuditLogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Details = cloneMap(e.Details)

	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	m.auditID++
	e.ID = m.auditID
	m.audit = append(m.audit, e)
	return e.ID, nil
}

func (m *MemoryStore) AuditByRequest(ctx context.Context, requestID string) ([]domain.AuditLogEntry, error) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	var out []domain.AuditLogEntry
	for _, e := range m.audit {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditEntries returns a copy of every audit entry in append order.
func (m *MemoryStore) AuditEntries() []domain.AuditLogEntry {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	return append([]domain.AuditLogEntry(nil), m.audit...)
}

// PurgeAuditBefore deletes entries created before cutoff, at most batchSize
// per pass, oldest id first, until a pass comes up short.
func (m *MemoryStore) PurgeAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n := m.purgeBatch(cutoff, batchSize)
		total += int64(n)
		if n < batchSize {
			return total, nil
		}
	}
}

func (m *MemoryStore) purgeBatch(cutoff time.Time, batchSize int) int {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	kept := m.audit[:0]
	purged := 0
	for _, e := range m.audit {
		if purged < batchSize && e.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return purged
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
