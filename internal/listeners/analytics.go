// Package listeners holds the side-effect handlers registered with the
// event dispatcher.
package listeners

import (
	"context"
	"errors"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/punchamoorthee/pointsledger/internal/analytics"
	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Analytics emits PII-free payloads to the analytics sink.
type Analytics struct {
	builder *analytics.Builder
	sink    analytics.Sink
	log     *log.Helper
}

func NewAnalytics(builder *analytics.Builder, sink analytics.Sink, logger log.Logger) *Analytics {
	return &Analytics{
		builder: builder,
		sink:    sink,
		log:     log.NewHelper(log.With(logger, "listener", "analytics")),
	}
}

func (a *Analytics) Name() string { return "analytics" }

// Handle drops payloads that fail the allow-list or PII checks; retrying them
// cannot succeed. Sink errors are returned for retry.
func (a *Analytics) Handle(ctx context.Context, ev domain.Event) error {
	p, err := a.builder.Build(ev)
	if err != nil {
		if errors.Is(err, analytics.ErrFieldNotAllowed) || errors.Is(err, analytics.ErrPIIDetected) || errors.Is(err, analytics.ErrUnsupported) {
			a.log.WithContext(ctx).Warnw("msg", "analytics payload rejected", "event", ev.EventName(), "error", err)
			return nil
		}
		return err
	}
	return a.sink.Emit(ctx, p)
}
