package analytics

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// Sink is the external analytics ingestion endpoint.
type Sink interface {
	Emit(ctx context.Context, p Payload) error
}

// Publisher writes keyed JSON messages; *queue.Producer satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, value any) error
}

// KafkaSink validates again at the egress boundary and publishes keyed by
// user hash.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (s *KafkaSink) Emit(ctx context.Context, p Payload) error {
	if err := Validate(p); err != nil {
		return err
	}
	key, _ := p["user_hash"].(string)
	if err := s.pub.PublishJSON(ctx, key, p); err != nil {
		return fmt.Errorf("emit analytics: %w", err)
	}
	return nil
}

// LogSink writes payloads to the log. Used when no broker is configured.
type LogSink struct {
	log *log.Helper
}

func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{log: log.NewHelper(log.With(logger, "component", "analytics"))}
}

func (s *LogSink) Emit(ctx context.Context, p Payload) error {
	if err := Validate(p); err != nil {
		return err
	}
	s.log.WithContext(ctx).Debugw("msg", "analytics event", "event", p["event"], "user_hash", p["user_hash"])
	return nil
}
