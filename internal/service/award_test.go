package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/pointsledger/internal/audit"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/rules"
	"github.com/punchamoorthee/pointsledger/internal/store"
)

type captureListener struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureListener) Name() string { return "capture" }

func (c *captureListener) Handle(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureListener) levelUps() []domain.LevelUpEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.LevelUpEvent
	for _, ev := range c.events {
		if lu, ok := ev.(domain.LevelUpEvent); ok {
			out = append(out, lu)
		}
	}
	return out
}

func (c *captureListener) earned() []domain.PointsEarnedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.PointsEarnedEvent
	for _, ev := range c.events {
		if pe, ok := ev.(domain.PointsEarnedEvent); ok {
			out = append(out, pe)
		}
	}
	return out
}

type fixture struct {
	engine     *PointsEngine
	mem        *store.MemoryStore
	dispatcher *events.Dispatcher
	capture    *captureListener
	clock      *time.Time
}

type fixtureOpts struct {
	table    *rules.Table
	ledger   Ledger
	balances BalanceStore
	cfg      *Config
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()

	table := opts.table
	if table == nil {
		var err error
		table, err = rules.Default()
		require.NoError(t, err)
	}
	var ledger Ledger = mem
	if opts.ledger != nil {
		ledger = opts.ledger
	}
	var balances BalanceStore = mem
	if opts.balances != nil {
		balances = opts.balances
	}
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	if opts.cfg != nil {
		cfg = *opts.cfg
	}

	capture := &captureListener{}
	d := events.NewDispatcher(log.DefaultLogger)
	d.Register(domain.EventPointsEarned, capture)
	d.Register(domain.EventLevelUp, capture)

	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	engine := NewPointsEngine(Deps{
		Rules:      table,
		Levels:     level.Default(),
		Ledger:     ledger,
		Balances:   balances,
		Dispatcher: d,
		Auditor:    audit.NewRecorder(mem, "salt", log.DefaultLogger, audit.WithAttempts(1)),
	}, cfg, log.DefaultLogger)

	f := &fixture{engine: engine, mem: mem, dispatcher: d, capture: capture, clock: &now}
	engine.WithClock(func() time.Time { return *f.clock })
	return f
}

func rc(id string) domain.RequestContext {
	return domain.RequestContext{RequestID: id, Origin: "203.0.113.5", Channel: "test"}
}

func (f *fixture) balance(t *testing.T, user int64) int64 {
	t.Helper()
	b, err := f.mem.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b.Balance
}

func TestAward_RegistrationThenDocumentApprovedLevelsUp(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 1, "registration", nil, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(100), res.Balance)
	assert.Equal(t, 1, res.Level)
	assert.Nil(t, res.LevelUp)

	res, err = f.engine.Award(ctx, 1, "document_approved", map[string]any{"document_id": "doc-1"}, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(600), res.Balance)
	require.NotNil(t, res.LevelUp)
	assert.Equal(t, 1, res.LevelUp.OldLevel)
	assert.Equal(t, 2, res.LevelUp.NewLevel)

	f.dispatcher.Wait()
	lus := f.capture.levelUps()
	require.Len(t, lus, 1)
	assert.Equal(t, domain.LevelUpEvent{UserID: 1, OldLevel: 1, NewLevel: 2, OccurredAt: *f.clock}, lus[0])
	assert.Len(t, f.capture.earned(), 2)
}

func TestAward_DuplicateRetryIsSkipped(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	meta := map[string]any{"document_id": "doc-1"}

	_, err := f.engine.Award(ctx, 1, "registration", nil, rc("r1"))
	require.NoError(t, err)
	first, err := f.engine.Award(ctx, 1, "document_approved", meta, rc("r2"))
	require.NoError(t, err)
	second, err := f.engine.Award(ctx, 1, "document_approved", meta, rc("r3"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSkipped, second.Status)
	assert.Equal(t, domain.ReasonDuplicate, second.Reason)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.True(t, second.Succeeded())
	assert.Equal(t, int64(600), f.balance(t, 1))
	assert.Equal(t, 2, f.mem.TransactionCount(1))

	f.dispatcher.Wait()
	assert.Len(t, f.capture.earned(), 2)
}

func TestAward_NoisyMetadataOnRetryStillCollapses(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.engine.Award(ctx, 5, "document_upload", map[string]any{"document_id": "a", "attempt": 1}, rc("r1"))
	require.NoError(t, err)
	res, err := f.engine.Award(ctx, 5, "document_upload", map[string]any{"document_id": "a", "attempt": 2}, rc("r2"))
	require.NoError(t, err)

	assert.Equal(t, domain.ReasonDuplicate, res.Reason)
	assert.Equal(t, int64(50), f.balance(t, 5))
}

func TestAward_UnknownActionIsSkippedAndAudited(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 1, "beta_feature_xyz", map[string]any{"x": 1}, rc("r-unknown"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, res.Status)
	assert.Equal(t, domain.ReasonUnknownAction, res.Reason)

	entries, err := f.mem.AuditByRequest(ctx, "r-unknown")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "skipped", entries[0].Details["outcome"])
	assert.Equal(t, domain.ReasonUnknownAction, entries[0].Details["reason"])
	assert.NotContains(t, entries[0].Where, "203.0.113.5")

	assert.Zero(t, f.mem.TransactionCount(1))
	assert.Zero(t, f.balance(t, 1))
}

func TestAward_ConcurrentIdenticalRequestsRecordOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		awarded int32
		skipped int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Award(ctx, 9, "document_approved", map[string]any{"document_id": "same"}, rc(fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
			switch res.Status {
			case domain.StatusAwarded:
				atomic.AddInt32(&awarded, 1)
			case domain.StatusSkipped:
				atomic.AddInt32(&skipped, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), awarded)
	assert.Equal(t, int32(24), skipped)
	assert.Equal(t, 1, f.mem.TransactionCount(9))
	assert.Equal(t, int64(500), f.balance(t, 9))
}

func TestAward_ConcurrentDistinctAwardsLoseNoUpdates(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	const n = 60

	_, err := f.mem.IncrementBalance(ctx, 3, 70, domain.AnyVersion)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Award(ctx, 3, "document_upload", map[string]any{"document_id": fmt.Sprintf("d-%d", i)}, rc(fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
			assert.Equal(t, domain.StatusAwarded, res.Status)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(70+n*50), f.balance(t, 3))
	assert.Equal(t, n, f.mem.TransactionCount(3))
}

func TestAward_EveryOutcomeWritesOneAuditEntry(t *testing.T) {
	failing := &failingLedger{MemoryStore: store.NewMemoryStore(), err: errors.New("connection refused")}
	f := newFixture(t, fixtureOpts{})
	broken := newFixture(t, fixtureOpts{ledger: failing})
	ctx := context.Background()

	calls := []struct {
		f       *fixture
		action  string
		meta    map[string]any
		request string
		status  domain.AwardStatus
	}{
		{f, "registration", nil, "a1", domain.StatusAwarded},
		{f, "registration", nil, "a2", domain.StatusSkipped},
		{f, "nope", nil, "a3", domain.StatusSkipped},
		{f, "document_upload", map[string]any{}, "a4", domain.StatusFailed},
		{broken, "registration", nil, "a5", domain.StatusFailed},
	}
	for _, c := range calls {
		res, _ := c.f.engine.Award(ctx, 11, c.action, c.meta, rc(c.request))
		assert.Equal(t, c.status, res.Status, c.request)

		entries, err := c.f.mem.AuditByRequest(ctx, c.request)
		require.NoError(t, err)
		assert.Len(t, entries, 1, c.request)
		assert.Equal(t, string(c.status), entries[0].Details["outcome"], c.request)
	}
}

func TestAward_LedgerFailureIsAwardFailed(t *testing.T) {
	failing := &failingLedger{MemoryStore: store.NewMemoryStore(), err: errors.New("connection refused")}
	f := newFixture(t, fixtureOpts{ledger: failing})

	res, err := f.engine.Award(context.Background(), 1, "registration", nil, rc("r1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAwardFailed)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.ReasonStorageUnavailable, res.Reason)
	assert.False(t, res.Recorded)
}

func TestAward_BalanceFailureAfterRecordIsRecoverableByRetry(t *testing.T) {
	mem := store.NewMemoryStore()
	balances := &flakyBalances{MemoryStore: mem, stale: 100}
	cfg := DefaultConfig()
	cfg.Locking = LockingOptimistic
	cfg.MaxAttempts = 5
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	f := newFixture(t, fixtureOpts{ledger: mem, balances: balances, cfg: &cfg})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 4, "registration", nil, rc("r1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAwardFailed)
	assert.Equal(t, domain.ReasonBalanceUpdateFailed, res.Reason)
	assert.True(t, res.Recorded)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, int32(5), atomic.LoadInt32(&balances.calls))

	// the retried request is a no-op against the ledger
	res, err = f.engine.Award(ctx, 4, "registration", nil, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, mem.TransactionCount(4))

	drift, err := f.engine.CheckDrift(ctx, 4)
	require.NoError(t, err)
	assert.False(t, drift.InSync())
	assert.Equal(t, int64(100), drift.Difference)
}

func TestAward_OptimisticLockingRetriesStaleVersions(t *testing.T) {
	mem := store.NewMemoryStore()
	balances := &flakyBalances{MemoryStore: mem, stale: 2}
	cfg := DefaultConfig()
	cfg.Locking = LockingOptimistic
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	f := newFixture(t, fixtureOpts{ledger: mem, balances: balances, cfg: &cfg})

	res, err := f.engine.Award(context.Background(), 4, "registration", nil, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(100), res.Balance)
	assert.Equal(t, int32(3), atomic.LoadInt32(&balances.calls))
}

func TestAward_MultiThresholdJumpFiresOneLevelUp(t *testing.T) {
	table, err := rules.NewTable("t", []rules.Rule{{Action: "bonus", Points: 1600}})
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{table: table})

	res, err := f.engine.Award(context.Background(), 2, "bonus", nil, rc("r1"))
	require.NoError(t, err)
	require.NotNil(t, res.LevelUp)
	assert.Equal(t, 1, res.LevelUp.OldLevel)
	assert.Equal(t, 3, res.LevelUp.NewLevel)

	f.dispatcher.Wait()
	assert.Len(t, f.capture.levelUps(), 1)
}

func TestAward_CooldownMakesActionIneligible(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 6, "feedback_submitted", map[string]any{"feedback_id": "f1"}, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)

	*f.clock = f.clock.Add(time.Hour)
	res, err = f.engine.Award(ctx, 6, "feedback_submitted", map[string]any{"feedback_id": "f2"}, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, res.Status)
	assert.Equal(t, domain.ReasonIneligible, res.Reason)

	entries, err := f.mem.AuditByRequest(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cooldown", entries[0].Details["note"])

	*f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.engine.Award(ctx, 6, "feedback_submitted", map[string]any{"feedback_id": "f2"}, rc("r3"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(60), f.balance(t, 6))
}

func TestAward_ConcurrentCooldownAwardsOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		awarded int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Award(ctx, 9, "feedback_submitted", map[string]any{"feedback_id": fmt.Sprintf("f-%d", i)}, rc(fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
			if res.Status == domain.StatusAwarded {
				atomic.AddInt32(&awarded, 1)
				return
			}
			assert.Equal(t, domain.ReasonIneligible, res.Reason)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), awarded)
	assert.Equal(t, 1, f.mem.TransactionCount(9))
	assert.Equal(t, int64(30), f.balance(t, 9))
}

func TestAward_ConcurrentMaxOccurrencesHoldsAcrossKeys(t *testing.T) {
	table, err := rules.NewTable("t", []rules.Rule{
		{Action: "referral", Points: 25, MaxOccurrences: 3, KeyFields: []string{"referee"}},
	})
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{table: table})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Award(ctx, 12, "referral", map[string]any{"referee": i}, rc(fmt.Sprintf("r%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, f.mem.TransactionCount(12))
	assert.Equal(t, int64(75), f.balance(t, 12))
}

func TestAward_RetriedLimitedActionReportsDuplicate(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, fixtureOpts{ledger: &existsFailingLedger{MemoryStore: mem}, balances: mem})
	ctx := context.Background()

	meta := map[string]any{"feedback_id": "f-1"}
	_, err := f.engine.Award(ctx, 6, "feedback_submitted", meta, rc("r1"))
	require.NoError(t, err)

	res, err := f.engine.Award(ctx, 6, "feedback_submitted", meta, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, res.Reason)

	entries, err := f.mem.AuditByRequest(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonDuplicate, entries[0].Details["reason"])
	assert.NotContains(t, entries[0].Details, "note")
}

func TestAward_DailyLoginOncePerDay(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 8, "daily_login", nil, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)

	*f.clock = f.clock.Add(3 * time.Hour)
	res, err = f.engine.Award(ctx, 8, "daily_login", nil, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, res.Reason)

	*f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.engine.Award(ctx, 8, "daily_login", nil, rc("r3"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(20), f.balance(t, 8))
}

func TestAward_DeductionsEmitNoEvents(t *testing.T) {
	table, err := rules.NewTable("t", []rules.Rule{
		{Action: "grant", Points: 600},
		{Action: "penalty", Points: -200, KeyFields: []string{"case_id"}},
	})
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{table: table})
	ctx := context.Background()

	_, err = f.engine.Award(ctx, 1, "grant", nil, rc("r1"))
	require.NoError(t, err)
	res, err := f.engine.Award(ctx, 1, "penalty", map[string]any{"case_id": "c1"}, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)
	assert.Equal(t, int64(400), res.Balance)
	assert.Equal(t, 1, res.Level)
	assert.Nil(t, res.LevelUp)

	f.dispatcher.Wait()
	assert.Len(t, f.capture.earned(), 1)
}

func TestAward_InvalidRequests(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 1, "document_approved", map[string]any{"source": "web"}, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.ReasonInvalidRequest, res.Reason)

	res, err = f.engine.Award(ctx, 0, "registration", nil, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInvalidRequest, res.Reason)
	assert.Zero(t, f.mem.TransactionCount(0))
}

func TestAward_StripsPIIFromPersistedMetadata(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.engine.Award(ctx, 1, "document_upload", map[string]any{"document_id": "d1", "email": "a@b.com"}, rc("r1"))
	require.NoError(t, err)

	history, err := f.engine.History(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, map[string]any{"document_id": "d1"}, history[0].Metadata)
}

func TestAward_ExistenceCheckFailureFallsBackToInsert(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, fixtureOpts{ledger: &existsFailingLedger{MemoryStore: mem}, balances: mem})
	ctx := context.Background()

	res, err := f.engine.Award(ctx, 1, "registration", nil, rc("r1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwarded, res.Status)

	res, err = f.engine.Award(ctx, 1, "registration", nil, rc("r2"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDuplicate, res.Reason)
}

func TestBalanceAndHistoryQueries(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Award(ctx, 1, "document_upload", map[string]any{"document_id": fmt.Sprint(i)}, rc(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	view, err := f.engine.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), view.Balance)
	assert.Equal(t, 1, view.Level)
	assert.Equal(t, int64(3), view.Version)

	page, err := f.engine.History(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = f.engine.History(ctx, 1, 1000, -5)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	drift, err := f.engine.CheckDrift(ctx, 1)
	require.NoError(t, err)
	assert.True(t, drift.InSync())
}

type failingLedger struct {
	*store.MemoryStore
	err error
}

func (f *failingLedger) RecordTransaction(context.Context, domain.PointsTransaction) (string, error) {
	return "", f.err
}

func (f *failingLedger) RecordLimited(context.Context, domain.PointsTransaction, func(domain.ActionStats) error) (string, error) {
	return "", f.err
}

type existsFailingLedger struct {
	*store.MemoryStore
}

func (p *existsFailingLedger) TransactionExists(context.Context, string) (bool, error) {
	return false, errors.New("replica lagging")
}

// flakyBalances reports a stale version for the first `stale` increments.
type flakyBalances struct {
	*store.MemoryStore
	stale int32
	calls int32
}

func (f *flakyBalances) IncrementBalance(ctx context.Context, userID, delta, expectedVersion int64) (domain.UserBalance, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.stale {
		return domain.UserBalance{}, domain.ErrStaleVersion
	}
	return f.MemoryStore.IncrementBalance(ctx, userID, delta, expectedVersion)
}
