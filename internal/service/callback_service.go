package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrWaitClosed is returned when a token has already been completed
var ErrWaitClosed = errors.New("wait already completed")

// SignalHandler continues a suspended step after its wait was resumed or failed
type SignalHandler func(ctx context.Context, w *model.WaitRecord)

// CallbackService is the suspend/resume primitive of the pipeline. A suspended
// step persists a wait record and returns; whoever completes the token first
// triggers the continuation, exactly once.
type CallbackService struct {
	waits     store.WaitStore
	timeout   time.Duration
	batchSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.RWMutex
	onSignal SignalHandler
	now      func() time.Time
}

// NewCallbackService creates a callback service. timeout is the deadline given to new waits.
func NewCallbackService(waits store.WaitStore, timeout time.Duration, batchSize int, m *metrics.Metrics, logger *zap.Logger) *CallbackService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CallbackService{
		waits:     waits,
		timeout:   timeout,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// SetSignalHandler installs the continuation invoked after Resume or Fail
func (s *CallbackService) SetSignalHandler(fn SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignal = fn
}

// SetClock replaces the time source
func (s *CallbackService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *CallbackService) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().UTC()
}

// Suspend persists a new open wait owned by owner
func (s *CallbackService) Suspend(ctx context.Context, owner model.CommandKey) (*model.WaitRecord, error) {
	now := s.clock()
	w := &model.WaitRecord{
		Token:     uuid.New().String(),
		Owner:     owner,
		State:     model.WaitStateWaiting,
		CreatedAt: now,
		Deadline:  now.Add(s.timeout),
	}
	if err := s.waits.CreateWait(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to persist wait: %w", err)
	}

	s.metrics.RecordSuspend()
	s.logger.Debug("Step suspended",
		zap.String("owner", owner.String()),
		zap.String("token", w.Token),
		zap.Time("deadline", w.Deadline))
	return w, nil
}

// Resume completes the wait successfully and continues its owner
func (s *CallbackService) Resume(ctx context.Context, token string, payload model.SignalPayload) error {
	return s.complete(ctx, token, model.WaitStateSucceeded, payload)
}

// Fail completes the wait with a failure signal and continues its owner
func (s *CallbackService) Fail(ctx context.Context, token string, payload model.SignalPayload) error {
	return s.complete(ctx, token, model.WaitStateFailed, payload)
}

// Cancel closes the wait without continuing its owner
func (s *CallbackService) Cancel(ctx context.Context, token string, payload model.SignalPayload) error {
	return s.complete(ctx, token, model.WaitStateCancelled, payload)
}

// Get returns the wait record for token
func (s *CallbackService) Get(ctx context.Context, token string) (*model.WaitRecord, error) {
	w, err := s.waits.GetWait(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NewEngineError(apperrors.ErrCodeNotFound, fmt.Sprintf("wait %s not found", token), nil)
	}
	return w, err
}

func (s *CallbackService) complete(ctx context.Context, token string, state model.WaitState, payload model.SignalPayload) error {
	w, err := s.waits.CompleteWait(ctx, token, state, payload, s.clock())
	if errors.Is(err, store.ErrConditionFailed) {
		return ErrWaitClosed
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NewEngineError(apperrors.ErrCodeNotFound, fmt.Sprintf("wait %s not found", token), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to complete wait: %w", err)
	}

	s.metrics.RecordWaitCompleted(string(state), payload.Reason)
	s.logger.Debug("Wait completed",
		zap.String("owner", w.Owner.String()),
		zap.String("token", token),
		zap.String("state", string(state)),
		zap.String("reason", payload.Reason))

	if state == model.WaitStateCancelled {
		return nil
	}
	s.mu.RLock()
	fn := s.onSignal
	s.mu.RUnlock()
	if fn != nil {
		fn(ctx, w)
	}
	return nil
}

// SweepExpired fails every open wait whose deadline has passed and returns how many it failed
func (s *CallbackService) SweepExpired(ctx context.Context) (int, error) {
	failed := 0
	for {
		expired, err := s.waits.ListExpiredWaits(ctx, s.clock(), s.batchSize)
		if err != nil {
			return failed, fmt.Errorf("failed to list expired waits: %w", err)
		}

		progressed := false
		for _, w := range expired {
			payload := model.SignalPayload{
				From:    w.Owner.Predecessor(),
				Reason:  model.SignalReasonPredecessorTimeout,
				Message: fmt.Sprintf("predecessor did not finish before %s", w.Deadline.Format(time.RFC3339)),
			}
			err := s.Fail(ctx, w.Token, payload)
			if errors.Is(err, ErrWaitClosed) {
				continue
			}
			if err != nil {
				s.logger.Error("Failed to expire wait",
					zap.String("token", w.Token),
					zap.Error(err))
				continue
			}
			progressed = true
			failed++
		}

		if len(expired) < s.batchSize || !progressed {
			break
		}
	}

	if failed > 0 {
		s.logger.Info("Expired waits failed", zap.Int("count", failed))
	}
	return failed, nil
}
