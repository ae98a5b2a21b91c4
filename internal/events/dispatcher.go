// Package events fans domain events out to an explicitly registered set of
// listeners.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_listener_deliveries_total",
		Help: "Listener deliveries, labeled by listener, event and outcome",
	}, []string{"listener", "event", "outcome"})

	deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_listener_delivery_duration_seconds",
		Help:    "Listener delivery latency including retries",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"listener"})
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Listener handles one kind of domain event. Implementations must tolerate
// redelivery.
type Listener interface {
	Name() string
	Handle(ctx context.Context, ev domain.Event) error
}

// Dispatcher delivers each event to every listener registered for its name.
// Listeners run concurrently and independently: one listener's failure never
// affects another, nor the caller of Dispatch.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	closed    bool

	wg       sync.WaitGroup
	attempts uint
	timeout  time.Duration
	log      *log.Helper
}

type Option func(*Dispatcher)

// WithAttempts bounds delivery attempts per listener.
func WithAttempts(n uint) Option { return func(d *Dispatcher) { d.attempts = n } }

// WithTimeout bounds a single listener delivery including retries.
func WithTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

func NewDispatcher(logger log.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[string][]Listener),
		attempts:  3,
		timeout:   30 * time.Second,
		log:       log.NewHelper(log.With(logger, "component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds l for eventName. Registration happens once at startup.
func (d *Dispatcher) Register(eventName string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventName] = append(d.listeners[eventName], l)
}

// Listeners returns the names registered for eventName.
func (d *Dispatcher) Listeners(eventName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.listeners[eventName]))
	for _, l := range d.listeners[eventName] {
		names = append(names, l.Name())
	}
	return names
}

// Dispatch schedules delivery and returns immediately. Deliveries are
// detached from ctx cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	base := context.WithoutCancel(ctx)
	for _, l := range d.listeners[ev.EventName()] {
		d.wg.Add(1)
		go d.deliver(base, l, ev)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, l Listener, ev domain.Event) {
	defer d.wg.Done()
	timer := prometheus.NewTimer(deliveryDuration.WithLabelValues(l.Name()))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, safeHandle(ctx, l, ev)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.attempts))
	if err != nil {
		deliveriesTotal.WithLabelValues(l.Name(), ev.EventName(), "failed").Inc()
		d.log.Errorw("msg", "listener delivery failed",
			"listener", l.Name(),
			"event", ev.EventName(),
			"dedup_key", ev.DedupKey(),
			"error", err)
		return
	}
	deliveriesTotal.WithLabelValues(l.Name(), ev.EventName(), "ok").Inc()
}

func safeHandle(ctx context.Context, l Listener, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked: %v", l.Name(), r)
		}
	}()
	return l.Handle(ctx, ev)
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
