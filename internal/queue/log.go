package queue

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
)

// LogPublisher stands in for a broker in local runs; it only logs the key.
type LogPublisher struct {
	topic string
	log   *log.Helper
}

func NewLogPublisher(topic string, logger log.Logger) *LogPublisher {
	return &LogPublisher{topic: topic, log: log.NewHelper(log.With(logger, "component", "queue"))}
}

func (p *LogPublisher) PublishJSON(ctx context.Context, key string, _ any) error {
	p.log.WithContext(ctx).Debugw("msg", "publish skipped, no broker configured", "topic", p.topic, "key", key)
	return nil
}
