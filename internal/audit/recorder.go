// Package audit records append-only compliance entries for every award attempt.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

var (
	auditWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_audit_writes_total",
		Help: "Audit append attempts, labeled by outcome",
	}, []string{"outcome"})
)

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) (int64, error)
}

// Recorder appends audit entries with bounded retry. Its writes are detached
// from the caller's cancellation so a timed-out request is still audited.
type Recorder struct {
	sink     Sink
	salt     string
	attempts uint
	timeout  time.Duration
	now      func() time.Time
	log      *log.Helper
}

type Option func(*Recorder)

func WithAttempts(n uint) Option { return func(r *Recorder) { r.attempts = n } }

func WithTimeout(d time.Duration) Option { return func(r *Recorder) { r.timeout = d } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

func NewRecorder(sink Sink, salt string, logger log.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		salt:     salt,
		attempts: 3,
		timeout:  5 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.NewHelper(log.With(logger, "component", "audit")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Entry describes what happened; Record fills in who/where/how from rc.
type Entry struct {
	UserID  *int64
	What    string
	Details map[string]any
}

// Record builds an entry from the request context and appends it.
func (r *Recorder) Record(ctx context.Context, rc domain.RequestContext, e Entry) (int64, error) {
	entry := domain.AuditLogEntry{
		UserID:    e.UserID,
		Who:       actor(rc, e.UserID),
		What:      e.What,
		Where:     HashOrigin(r.salt, rc.Origin),
		How:       channel(rc),
		Details:   e.Details,
		RequestID: rc.RequestID,
		CreatedAt: r.now(),
	}
	if rc.SessionID != "" {
		sid := rc.SessionID
		entry.SessionID = &sid
	}
	return r.Append(ctx, entry)
}

// Append writes entry, retrying transient failures. A final failure is logged
// at error level and returned wrapped in domain.ErrAuditWriteFailed; it never
// undoes anything the caller has already committed.
func (r *Recorder) Append(ctx context.Context, entry domain.AuditLogEntry) (int64, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	id, err := backoff.Retry(ctx, func() (int64, error) {
		return r.sink.Append(ctx, entry)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.attempts))
	if err != nil {
		auditWritesTotal.WithLabelValues("failed").Inc()
		r.log.Errorw("msg", "audit write failed",
			"request_id", entry.RequestID,
			"what", entry.What,
			"error", err)
		return 0, fmt.Errorf("%w: %v", domain.ErrAuditWriteFailed, err)
	}
	auditWritesTotal.WithLabelValues("ok").Inc()
	return id, nil
}

// HashOrigin returns a salted SHA-256 of the raw origin. Empty origins hash to
// "unknown" so the column is never blank.
func HashOrigin(salt, origin string) string {
	if origin == "" {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(salt + "|" + origin))
	return hex.EncodeToString(sum[:])
}

func actor(rc domain.RequestContext, userID *int64) string {
	switch {
	case rc.Actor != "":
		return rc.Actor
	case userID != nil:
		return fmt.Sprintf("user:%d", *userID)
	default:
		return "system"
	}
}

func channel(rc domain.RequestContext) string {
	if rc.Channel == "" {
		return "internal"
	}
	return rc.Channel
}
