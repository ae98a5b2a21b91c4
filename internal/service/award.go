package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/punchamoorthee/pointsledger/internal/analytics"
	"github.com/punchamoorthee/pointsledger/internal/audit"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/idempotency"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/rules"
)

var (
	awardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_awards_total",
		Help: "Award calls, labeled by status and reason",
	}, []string{"status", "reason"})

	awardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "points_award_duration_seconds",
		Help:    "Latency of the award flow",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	balanceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "points_balance_stale_version_total",
		Help: "Optimistic balance updates rejected for a stale version",
	})
)

var tracer = otel.Tracer("github.com/punchamoorthee/pointsledger/internal/service")

// Ledger is the append-only transaction store. RecordTransaction and
// RecordLimited must return domain.ErrDuplicateTransaction on an idempotency
// key collision. RecordLimited runs check against the user's history for the
// action and inserts atomically with respect to other RecordLimited calls for
// the same user and action; a check error is returned unchanged.
type Ledger interface {
	RecordTransaction(ctx context.Context, t domain.PointsTransaction) (string, error)
	RecordLimited(ctx context.Context, t domain.PointsTransaction, check func(domain.ActionStats) error) (string, error)
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)
	SumBalance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]domain.PointsTransaction, error)
}

// BalanceStore holds the denormalized per-user balance.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID int64) (domain.UserBalance, error)
	IncrementBalance(ctx context.Context, userID, delta, expectedVersion int64) (domain.UserBalance, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) error
}

type Auditor interface {
	Record(ctx context.Context, rc domain.RequestContext, e audit.Entry) (int64, error)
}

// LockingMode selects how balance increments are serialized per user.
type LockingMode string

const (
	// LockingPessimistic relies on the store's row lock for an atomic increment.
	LockingPessimistic LockingMode = "pessimistic"
	// LockingOptimistic reads the version and retries on domain.ErrStaleVersion.
	LockingOptimistic LockingMode = "optimistic"
)

type Config struct {
	Locking        LockingMode
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BalanceTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Locking:        LockingPessimistic,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BalanceTimeout: 5 * time.Second,
	}
}

type Deps struct {
	Rules      *rules.Table
	Levels     *level.Evaluator
	Ledger     Ledger
	Balances   BalanceStore
	Dispatcher Dispatcher
	Auditor    Auditor
}

// PointsEngine orchestrates awards. Construct it once and share it; it holds
// no per-call state.
type PointsEngine struct {
	rules      *rules.Table
	levels     *level.Evaluator
	ledger     Ledger
	balances   BalanceStore
	dispatcher Dispatcher
	auditor    Auditor
	cfg        Config
	now        func() time.Time
	log        *log.Helper
}

func NewPointsEngine(deps Deps, cfg Config, logger log.Logger) *PointsEngine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Locking == "" {
		cfg.Locking = LockingPessimistic
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 5 * time.Second
	}
	return &PointsEngine{
		rules:      deps.Rules,
		levels:     deps.Levels,
		ledger:     deps.Ledger,
		balances:   deps.Balances,
		dispatcher: deps.Dispatcher,
		auditor:    deps.Auditor,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.NewHelper(log.With(logger, "component", "points_engine")),
	}
}

// WithClock overrides the engine clock. Intended for tests.
func (e *PointsEngine) WithClock(now func() time.Time) *PointsEngine {
	e.now = now
	return e
}

// Award runs the award flow for one trigger. Duplicates, unknown actions and
// ineligible attempts come back as Skipped with a nil error. A non-nil error
// wraps domain.ErrAwardFailed and accompanies a Failed result. Every call
// writes exactly one audit entry.
func (e *PointsEngine) Award(ctx context.Context, userID int64, action string, metadata map[string]any, rc domain.RequestContext) (res domain.AwardResult, err error) {
	ctx, span := tracer.Start(ctx, "PointsEngine.Award", trace.WithAttributes(
		attribute.Int64("points.user_id", userID),
		attribute.String("points.action", action),
		attribute.String("points.request_id", rc.RequestID),
	))
	timer := prometheus.NewTimer(awardDuration)

	var note string
	defer func() {
		timer.ObserveDuration()
		awardsTotal.WithLabelValues(string(res.Status), res.Reason).Inc()
		span.SetAttributes(attribute.String("points.status", string(res.Status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Reason)
		}
		span.End()
		e.record(ctx, userID, action, rc, res, note)
	}()

	if userID <= 0 || action == "" {
		return domain.Failed(domain.ReasonInvalidRequest, "", false), nil
	}

	// 1. Rule lookup
	rule, err := e.rules.Lookup(action)
	if err != nil {
		if errors.Is(err, domain.ErrRuleNotFound) {
			e.log.WithContext(ctx).Warnw("msg", "no rule for action, skipping",
				"action", action, "rule_version", e.rules.Version(), "request_id", rc.RequestID)
			return domain.Skipped(domain.ReasonUnknownAction, ""), nil
		}
		return domain.Failed(domain.ReasonStorageUnavailable, "", false), fmt.Errorf("%w: %v", domain.ErrAwardFailed, err)
	}
	if rule.Points == 0 {
		return domain.Skipped(domain.ReasonZeroPoints, ""), nil
	}

	// 2. Idempotency key
	now := e.now()
	keyMeta, bucket, err := rule.KeyInput(metadata, now)
	if err != nil {
		note = err.Error()
		return domain.Failed(domain.ReasonInvalidRequest, "", false), nil
	}
	key, err := idempotency.Derive(userID, action, keyMeta, bucket)
	if err != nil {
		note = err.Error()
		return domain.Failed(domain.ReasonInvalidRequest, "", false), nil
	}
	span.SetAttributes(attribute.String("points.idempotency_key", key))

	// 3. Fast-path duplicate check; the insert below stays authoritative.
	exists, err := e.ledger.TransactionExists(ctx, key)
	if err != nil {
		e.log.WithContext(ctx).Warnw("msg", "existence check failed, continuing", "error", err)
	} else if exists {
		return domain.Skipped(domain.ReasonDuplicate, key), nil
	}

	// 4. Record the transaction. Limited rules check history and insert
	// under one per (user, action) lock; an existing key still wins.
	clean := analytics.StripPII(metadata)
	tx := domain.PointsTransaction{
		UserID:         userID,
		Action:         action,
		Points:         rule.Points,
		Metadata:       clean,
		IdempotencyKey: key,
		ProcessedAt:    now,
	}
	var txID string
	if rule.NeedsHistory() {
		txID, err = e.ledger.RecordLimited(ctx, tx, func(stats domain.ActionStats) error {
			if d := rule.Evaluate(stats, now); !d.Eligible {
				note = d.Reason
				return fmt.Errorf("%w: %s", domain.ErrIneligible, d.Reason)
			}
			return nil
		})
	} else {
		txID, err = e.ledger.RecordTransaction(ctx, tx)
	}
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			return domain.Skipped(domain.ReasonDuplicate, key), nil
		}
		if errors.Is(err, domain.ErrIneligible) {
			return domain.Skipped(domain.ReasonIneligible, key), nil
		}
		e.log.WithContext(ctx).Errorw("msg", "transaction insert failed", "request_id", rc.RequestID, "error", err)
		return domain.Failed(domain.ReasonStorageUnavailable, key, false), fmt.Errorf("%w: %v", domain.ErrAwardFailed, err)
	}

	// 5. Balance update. The transaction is durable, so retries here can
	// never double-award.
	bal, err := e.applyBalance(ctx, userID, rule.Points)
	if err != nil {
		e.log.WithContext(ctx).Errorw("msg", "balance update failed, transaction recorded",
			"request_id", rc.RequestID, "transaction_id", txID, "error", err)
		res = domain.Failed(domain.ReasonBalanceUpdateFailed, key, true)
		res.TransactionID = txID
		return res, fmt.Errorf("%w: balance update: %v", domain.ErrAwardFailed, err)
	}

	// 6. Level progression
	oldLevel := e.levels.LevelForPoints(bal.Balance - rule.Points)
	res = domain.Awarded(txID, key, rule.Points, bal.Balance, e.levels.LevelForPoints(bal.Balance))

	// 7. Events. Deductions emit nothing.
	if rule.Points > 0 {
		e.dispatch(ctx, domain.PointsEarnedEvent{
			UserID:         userID,
			Delta:          rule.Points,
			Action:         action,
			Metadata:       clean,
			IdempotencyKey: key,
			OccurredAt:     now,
		})
		if newLevel, up := e.levels.CheckLevelUp(oldLevel, bal.Balance); up {
			lu := domain.LevelUpEvent{UserID: userID, OldLevel: oldLevel, NewLevel: newLevel, OccurredAt: now}
			res.LevelUp = &lu
			e.dispatch(ctx, lu)
		}
	}
	return res, nil
}

func (e *PointsEngine) applyBalance(ctx context.Context, userID, delta int64) (domain.UserBalance, error) {
	// detached so a caller timeout after the insert does not strand the balance
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BalanceTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (domain.UserBalance, error) {
		expected := domain.AnyVersion
		if e.cfg.Locking == LockingOptimistic {
			cur, err := e.balances.GetBalance(ctx, userID)
			if err != nil {
				return domain.UserBalance{}, err
			}
			expected = cur.Version
		}
		bal, err := e.balances.IncrementBalance(ctx, userID, delta, expected)
		if errors.Is(err, domain.ErrStaleVersion) {
			balanceConflicts.Inc()
		}
		return bal, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.cfg.MaxAttempts))
}

func (e *PointsEngine) dispatch(ctx context.Context, ev domain.Event) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Dispatch(ctx, ev); err != nil {
		e.log.WithContext(ctx).Warnw("msg", "event dispatch failed", "event", ev.EventName(), "dedup_key", ev.DedupKey(), "error", err)
	}
}

// record writes the audit entry for one award call. Failures are logged by
// the recorder and never change the award result.
func (e *PointsEngine) record(ctx context.Context, userID int64, action string, rc domain.RequestContext, res domain.AwardResult, note string) {
	if e.auditor == nil {
		return
	}
	details := map[string]any{
		"action":       action,
		"outcome":      string(res.Status),
		"points":       res.Points,
		"recorded":     res.Recorded,
		"rule_version": e.rules.Version(),
	}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}
	if note != "" {
		details["note"] = note
	}
	if res.IdempotencyKey != "" {
		details["idempotency_key"] = res.IdempotencyKey
	}
	if res.TransactionID != "" {
		details["transaction_id"] = res.TransactionID
	}
	if res.LevelUp != nil {
		details["new_level"] = res.LevelUp.NewLevel
	}

	var uid *int64
	if userID > 0 {
		uid = &userID
	}
	_, _ = e.auditor.Record(ctx, rc, audit.Entry{UserID: uid, What: "points.award", Details: details})
}
