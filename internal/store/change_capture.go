package store

import (
	"context"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	"go.uber.org/zap"
)

// DefaultPublishTimeout bounds how long a committed insert waits for room in
// the change stream
const DefaultPublishTimeout = 5 * time.Second

// changeOfferer is implemented by publishers that can refuse an event instead
// of blocking
type changeOfferer interface {
	TryPublish(event model.ChangeEvent) bool
}

// ChangeCaptureStore wraps a Store and publishes every committed command write.
// It gives stores without a native change feed (memory, SQLite) the same
// stream semantics as the PostgreSQL notifier.
//
// Inserts are published with a bounded wait that does not depend on the
// caller's context. Status changes are offered without blocking and dropped
// when the stream is full, since pipeline steps write them and must never wait
// on the stream they are fed from. A dropped insert leaves its record PENDING
// until OrderingService.ResumeStalled picks it up.
type ChangeCaptureStore struct {
	Store
	publisher      ChangePublisher
	publishTimeout time.Duration
	logger         *zap.Logger
}

// NewChangeCaptureStore wraps inner
func NewChangeCaptureStore(inner Store, publisher ChangePublisher, logger *zap.Logger) *ChangeCaptureStore {
	return &ChangeCaptureStore{
		Store:          inner,
		publisher:      publisher,
		publishTimeout: DefaultPublishTimeout,
		logger:         logger,
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout
func (s *ChangeCaptureStore) WithPublishTimeout(d time.Duration) *ChangeCaptureStore {
	s.publishTimeout = d
	return s
}

// PutCommand writes through and publishes an INSERT event
func (s *ChangeCaptureStore) PutCommand(ctx context.Context, rec *model.CommandRecord) error {
	if err := s.Store.PutCommand(ctx, rec); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	event := model.ChangeEvent{EventType: model.ChangeEventInsert, New: rec.Clone()}
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.logger.Error("Failed to publish change event",
			zap.String("event_type", string(event.EventType)),
			zap.String("key", rec.Key().String()),
			zap.Error(err))
	}
	return nil
}

// TransitionCommand writes through and offers a MODIFY event
func (s *ChangeCaptureStore) TransitionCommand(ctx context.Context, key model.CommandKey, t Transition) (*model.CommandRecord, error) {
	rec, err := s.Store.TransitionCommand(ctx, key, t)
	if err != nil {
		return nil, err
	}
	s.offer(model.ChangeEvent{EventType: model.ChangeEventModify, New: rec.Clone()})
	return rec, nil
}

func (s *ChangeCaptureStore) offer(event model.ChangeEvent) {
	var accepted bool
	if o, ok := s.publisher.(changeOfferer); ok {
		accepted = o.TryPublish(event)
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		accepted = s.publisher.Publish(ctx, event) == nil
	}
	if !accepted {
		s.logger.Debug("Change stream full, dropped status event",
			zap.String("key", event.Record().Key().String()),
			zap.String("status", string(event.Record().Status)))
	}
}
