// Package stream delivers committed command writes to consumers.
package stream

import (
	"context"
	"time"

	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"go.uber.org/zap"
)

// Handler consumes one change event. Returning an error triggers redelivery.
type Handler func(ctx context.Context, event model.ChangeEvent) error

// Source is a change stream over the commands table. Delivery is at-least-once.
type Source interface {
	// Subscribe registers a handler; it must be called before Run
	Subscribe(h Handler)
	// Run delivers events until ctx is done
	Run(ctx context.Context) error
}

// RetryPolicy bounds redelivery of a failed event
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// deliverer runs handlers with bounded exponential retry
type deliverer struct {
	source  string
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (d *deliverer) deliver(ctx context.Context, handlers []Handler, event model.ChangeEvent) {
	for _, h := range handlers {
		d.deliverOne(ctx, h, event)
	}
}

func (d *deliverer) deliverOne(ctx context.Context, h Handler, event model.ChangeEvent) {
	backoff := d.policy.Backoff
	var err error
	for attempt := 0; attempt <= d.policy.MaxRetries; attempt++ {
		if err = h(ctx, event); err == nil {
			d.metrics.RecordDelivery(d.source, "ok")
			return
		}
		d.metrics.RecordDelivery(d.source, "retry")
		if attempt == d.policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	rec := event.Record()
	fields := []zap.Field{
		zap.String("source", d.source),
		zap.String("event_type", string(event.EventType)),
		zap.Error(err),
	}
	if rec != nil {
		fields = append(fields, zap.String("key", rec.Key().String()))
	}
	d.metrics.RecordDelivery(d.source, "dropped")
	d.logger.Error("Change event delivery exhausted retries", fields...)
}
