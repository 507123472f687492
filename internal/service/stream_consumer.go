package service

import (
	"context"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/stream"
	"go.uber.org/zap"
)

// StreamConsumer starts the pipeline of every command inserted into the commands table
type StreamConsumer struct {
	ordering *OrderingService
	logger   *zap.Logger
}

// NewStreamConsumer subscribes a consumer to source
func NewStreamConsumer(source stream.Source, ordering *OrderingService, logger *zap.Logger) *StreamConsumer {
	c := &StreamConsumer{
		ordering: ordering,
		logger:   logger,
	}
	source.Subscribe(c.Handle)
	return c
}

// Handle reacts to one change event. Status updates and redelivered inserts
// of records that already started are ignored. Handle waits for pipeline
// capacity, so a saturated pool slows delivery down instead of running steps
// on the stream's goroutines.
func (c *StreamConsumer) Handle(ctx context.Context, event model.ChangeEvent) error {
	if event.EventType != model.ChangeEventInsert {
		return nil
	}
	rec := event.New
	if rec == nil || rec.Status != model.CommandStatusPending {
		return nil
	}

	c.logger.Debug("Starting command pipeline",
		zap.String("key", rec.Key().String()),
		zap.String("type", rec.Type))
	return c.ordering.Start(ctx, rec.Key())
}
