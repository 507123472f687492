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
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"go.uber.org/zap"
)

// Pipeline step names, used as task IDs
const (
	StepCheckOrder  = "check-order"
	StepSignal      = "signal"
	StepMaterialize = "materialize"
	StepNotify      = "notify"
)

// DefaultStallThreshold is how long a record may sit in PENDING or WAITING
// before the sweeper restarts it
const DefaultStallThreshold = 30 * time.Second

var nonTerminalStatuses = []model.CommandStatus{
	model.CommandStatusPending,
	model.CommandStatusWaiting,
	model.CommandStatusMaterialize,
	model.CommandStatusNotifying,
}

// OrderingService drives each command version through its pipeline and
// guarantees that versions of one aggregate are processed one at a time, in
// version order. All coordination goes through conditional status transitions
// in the store; there is no in-process lock per aggregate.
type OrderingService struct {
	commands  store.CommandStore
	callbacks *CallbackService
	notifier  *NotifierService
	pool      *workerpool.WorkerPool
	metrics   *metrics.Metrics
	logger    *zap.Logger

	hooksMu sync.Mutex
	hooks   map[model.CommandKey][]chan *model.CommandRecord

	stallThreshold time.Duration
	now            func() time.Time
}

// NewOrderingService creates the orchestrator and installs itself as the
// continuation of the callback service
func NewOrderingService(
	commands store.CommandStore,
	callbacks *CallbackService,
	notifier *NotifierService,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OrderingService {
	s := &OrderingService{
		commands:  commands,
		callbacks: callbacks,
		notifier:  notifier,
		pool:      pool,
		metrics:   m,
		logger:    logger,
		hooks:     make(map[model.CommandKey][]chan *model.CommandRecord),

		stallThreshold: DefaultStallThreshold,
		now:            time.Now,
	}
	callbacks.SetSignalHandler(s.onSignal)
	return s
}

// SetClock replaces the time source used for status timestamps
func (s *OrderingService) SetClock(now func() time.Time) {
	s.now = now
}

// SetStallThreshold overrides DefaultStallThreshold. Non-positive values are ignored.
func (s *OrderingService) SetStallThreshold(d time.Duration) {
	if d > 0 {
		s.stallThreshold = d
	}
}

// Start queues the pipeline of a freshly written command, waiting for pool
// capacity until ctx is done. Starting a record that already left PENDING is
// a no-op.
func (s *OrderingService) Start(ctx context.Context, key model.CommandKey) error {
	return s.pool.Submit(ctx, workerpool.Task{
		ID:      StepCheckOrder,
		Key:     key.String(),
		Context: context.WithoutCancel(ctx),
		Fn: func(ctx context.Context) error {
			rec, err := s.commands.GetCommand(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load command: %w", err)
			}
			if rec.Status != model.CommandStatusPending {
				return nil
			}
			return s.checkOrder(ctx, rec)
		},
	})
}

// WaitFor returns a channel that receives the record once it reaches a
// terminal status in this process. cancel must be called when the caller
// stops waiting.
func (s *OrderingService) WaitFor(key model.CommandKey) (<-chan *model.CommandRecord, func()) {
	ch := make(chan *model.CommandRecord, 1)
	s.hooksMu.Lock()
	s.hooks[key] = append(s.hooks[key], ch)
	s.hooksMu.Unlock()

	cancel := func() {
		s.hooksMu.Lock()
		defer s.hooksMu.Unlock()
		list := s.hooks[key]
		for i, c := range list {
			if c == ch {
				s.hooks[key] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(s.hooks[key]) == 0 {
			delete(s.hooks, key)
		}
	}
	return ch, cancel
}

// Abort fails a non-terminal record, closes its wait and unblocks its
// successor. An in-flight step of the record stops at its next transition.
func (s *OrderingService) Abort(ctx context.Context, key model.CommandKey, reason string) (*model.CommandRecord, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.commands.GetCommand(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound(key.PK, model.VersionedSortKey(key.SK, key.Version))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load command: %w", err)
		}
		if rec.Status.IsTerminal() {
			return rec, apperrors.AlreadyFinished(key.String(), string(rec.Status))
		}

		message := "aborted"
		if reason != "" {
			message = "aborted: " + reason
		}
		updated, ok, err := s.finish(ctx, rec, model.CommandStatusFailed, message, rec.Status)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if updated.CallbackToken != "" && rec.Status == model.CommandStatusWaiting {
			err := s.callbacks.Cancel(ctx, updated.CallbackToken, model.SignalPayload{From: key, Message: message})
			if err != nil && !errors.Is(err, ErrWaitClosed) {
				s.logger.Warn("Failed to cancel wait of aborted command",
					zap.String("key", key.String()),
					zap.Error(err))
			}
		}
		s.logger.Info("Command aborted",
			zap.String("key", key.String()),
			zap.String("from_status", string(rec.Status)),
			zap.String("reason", reason))
		return updated, nil
	}
	return nil, apperrors.VersionConflict(key.PK, key.SK, key.Version).
		WithDetail("reason", "command status kept changing during abort")
}

// Recover replays the pipelines of every non-terminal record. Steps are
// idempotent so replaying a step that already ran is harmless.
func (s *OrderingService) Recover(ctx context.Context) (int, error) {
	records, err := s.commands.ListCommandsByStatus(ctx, nonTerminalStatuses, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished commands: %w", err)
	}

	for _, rec := range records {
		key := rec.Key()
		switch rec.Status {
		case model.CommandStatusPending:
			if err := s.Start(ctx, key); err != nil {
				return 0, fmt.Errorf("failed to restart %s: %w", key, err)
			}
		case model.CommandStatusWaiting:
			s.recheck(ctx, key)
		case model.CommandStatusMaterialize:
			s.dispatch(ctx, StepMaterialize, key, func(ctx context.Context) error {
				return s.materialize(ctx, key)
			})
		case model.CommandStatusNotifying:
			s.dispatch(ctx, StepNotify, key, func(ctx context.Context) error {
				return s.notify(ctx, key)
			})
		}
	}

	s.logger.Info("Recovered unfinished commands", zap.Int("count", len(records)))
	return len(records), nil
}

// ResumeStalled restarts records that have been PENDING or WAITING for longer
// than the stall threshold. It covers change events lost between the commit
// and the stream consumer, and successor signals lost after a predecessor
// finished. Both restarts are no-ops for records that are progressing.
func (s *OrderingService) ResumeStalled(ctx context.Context) (int, error) {
	records, err := s.commands.ListCommandsByStatus(ctx, []model.CommandStatus{
		model.CommandStatusPending,
		model.CommandStatusWaiting,
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled commands: %w", err)
	}

	cutoff := s.now().Add(-s.stallThreshold)
	resumed := 0
	for _, rec := range records {
		since := rec.StatusUpdatedAt
		if since.IsZero() {
			since = rec.CreatedAt
		}
		if since.After(cutoff) {
			continue
		}

		key := rec.Key()
		switch rec.Status {
		case model.CommandStatusPending:
			if err := s.Start(ctx, key); err != nil {
				return resumed, fmt.Errorf("failed to restart %s: %w", key, err)
			}
		case model.CommandStatusWaiting:
			s.recheck(ctx, key)
		}
		resumed++
	}

	if resumed > 0 {
		s.logger.Info("Resumed stalled commands", zap.Int("count", resumed))
	}
	return resumed, nil
}

// RunSweeper expires overdue waits and resumes stalled records every interval
// until ctx is done. A zero interval disables it.
func (s *OrderingService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Pipeline sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("stall_threshold", s.stallThreshold))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Pipeline sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.callbacks.SweepExpired(ctx); err != nil {
				s.logger.Error("Wait sweep failed", zap.Error(err))
			}
			if _, err := s.ResumeStalled(ctx); err != nil {
				s.logger.Error("Stalled command sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *OrderingService) recheck(ctx context.Context, key model.CommandKey) {
	s.dispatch(ctx, StepCheckOrder, key, func(ctx context.Context) error {
		return s.recheckWaiting(ctx, key)
	})
}

func (s *OrderingService) checkOrder(ctx context.Context, rec *model.CommandRecord) error {
	key := rec.Key()
	settled, err := s.predecessorSettled(ctx, key)
	if err != nil {
		return err
	}
	if settled {
		return s.advance(ctx, key, model.CommandStatusPending)
	}

	w, err := s.callbacks.Suspend(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.commands.TransitionCommand(ctx, key, store.Transition{
		From:          []model.CommandStatus{model.CommandStatusPending},
		To:            model.CommandStatusWaiting,
		CallbackToken: w.Token,
		At:            s.now().UTC(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		// another start won the record; drop our wait
		_ = s.callbacks.Cancel(ctx, w.Token, model.SignalPayload{From: key})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to park command: %w", err)
	}

	s.logger.Debug("Command waiting for predecessor",
		zap.String("key", key.String()),
		zap.String("token", w.Token))

	// the predecessor may have finished before our token was visible to it
	settled, err = s.predecessorSettled(ctx, key)
	if err != nil {
		return err
	}
	if settled {
		err := s.callbacks.Resume(ctx, w.Token, model.SignalPayload{From: key.Predecessor()})
		if err != nil && !errors.Is(err, ErrWaitClosed) {
			return err
		}
	}
	return nil
}

// recheckWaiting re-evaluates a parked record after a restart
func (s *OrderingService) recheckWaiting(ctx context.Context, key model.CommandKey) error {
	rec, err := s.commands.GetCommand(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load command: %w", err)
	}
	if rec.Status != model.CommandStatusWaiting {
		return nil
	}
	if rec.CallbackToken == "" {
		return s.advance(ctx, key, model.CommandStatusWaiting)
	}

	w, err := s.callbacks.Get(ctx, rec.CallbackToken)
	if err != nil {
		return err
	}
	if !w.IsOpen() {
		// the wait was completed but its continuation never ran
		s.onSignal(ctx, w)
		return nil
	}

	settled, err := s.predecessorSettled(ctx, key)
	if err != nil || !settled {
		return err
	}
	err = s.callbacks.Resume(ctx, w.Token, model.SignalPayload{From: key.Predecessor()})
	if err != nil && !errors.Is(err, ErrWaitClosed) {
		return err
	}
	return nil
}

// onSignal is the continuation of a completed wait
func (s *OrderingService) onSignal(ctx context.Context, w *model.WaitRecord) {
	key := w.Owner
	s.dispatch(ctx, StepSignal, key, func(ctx context.Context) error {
		rec, err := s.commands.GetCommand(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load command: %w", err)
		}
		if rec.Status != model.CommandStatusWaiting {
			return nil
		}

		if w.State == model.WaitStateFailed && w.Payload.Reason == model.SignalReasonPredecessorTimeout {
			msg := apperrors.PredecessorTimeout(key.String()).Error()
			_, _, err := s.finish(ctx, rec, model.CommandStatusFailed, msg, model.CommandStatusWaiting)
			return err
		}
		if w.State == model.WaitStateFailed {
			s.logger.Warn("Predecessor failed, continuing",
				zap.String("key", key.String()),
				zap.String("predecessor", w.Payload.From.String()),
				zap.String("message", w.Payload.Message))
		}
		return s.advance(ctx, key, model.CommandStatusWaiting)
	})
}

func (s *OrderingService) advance(ctx context.Context, key model.CommandKey, from model.CommandStatus) error {
	_, err := s.commands.TransitionCommand(ctx, key, store.Transition{
		From: []model.CommandStatus{from},
		To:   model.CommandStatusMaterialize,
		At:   s.now().UTC(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start materialization: %w", err)
	}

	s.dispatch(ctx, StepMaterialize, key, func(ctx context.Context) error {
		return s.materialize(ctx, key)
	})
	return nil
}

func (s *OrderingService) materialize(ctx context.Context, key model.CommandKey) error {
	rec, err := s.commands.GetCommand(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load command: %w", err)
	}
	if rec.Status != model.CommandStatusMaterialize {
		return nil
	}

	if err := s.notifier.Materialize(ctx, rec); err != nil {
		reason := err.Error()
		if !errors.Is(err, ErrStaleVersion) {
			reason = "materialization failed: " + reason
		}
		_, _, finishErr := s.finish(ctx, rec, model.CommandStatusFailed, reason, model.CommandStatusMaterialize)
		if finishErr != nil {
			return finishErr
		}
		return err
	}

	_, err = s.commands.TransitionCommand(ctx, key, store.Transition{
		From: []model.CommandStatus{model.CommandStatusMaterialize},
		To:   model.CommandStatusNotifying,
		At:   s.now().UTC(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start notification: %w", err)
	}

	s.dispatch(ctx, StepNotify, key, func(ctx context.Context) error {
		return s.notify(ctx, key)
	})
	return nil
}

func (s *OrderingService) notify(ctx context.Context, key model.CommandKey) error {
	rec, err := s.commands.GetCommand(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load command: %w", err)
	}
	if rec.Status != model.CommandStatusNotifying {
		return nil
	}

	s.notifier.Notify(ctx, model.ChangeEvent{EventType: model.ChangeEventInsert, New: rec})
	_, _, err = s.finish(ctx, rec, model.CommandStatusCompleted, "", model.CommandStatusNotifying)
	return err
}

// finish moves rec to a terminal status and signals its successor. ok is
// false when rec was no longer in from.
func (s *OrderingService) finish(
	ctx context.Context,
	rec *model.CommandRecord,
	to model.CommandStatus,
	message string,
	from model.CommandStatus,
) (*model.CommandRecord, bool, error) {
	key := rec.Key()
	at := s.now().UTC()
	updated, err := s.commands.TransitionCommand(ctx, key, store.Transition{
		From:  []model.CommandStatus{from},
		To:    to,
		Error: message,
		At:    at,
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to finish command: %w", err)
	}

	s.metrics.RecordFinished(updated.Type, string(to), at.Sub(updated.CreatedAt).Seconds())
	if to == model.CommandStatusFailed {
		s.logger.Warn("Command failed",
			zap.String("key", key.String()),
			zap.String("error", message))
	} else {
		s.logger.Debug("Command completed", zap.String("key", key.String()))
	}

	s.fireHooks(updated)
	s.signalSuccessor(ctx, updated)
	return updated, true, nil
}

func (s *OrderingService) signalSuccessor(ctx context.Context, rec *model.CommandRecord) {
	next, err := s.commands.GetCommand(ctx, rec.Key().Successor())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to load successor",
			zap.String("key", rec.Key().String()),
			zap.Error(err))
		return
	}
	// without a token the successor has not parked yet and will see our status itself
	if next.CallbackToken == "" {
		return
	}

	payload := model.SignalPayload{From: rec.Key()}
	if rec.Status == model.CommandStatusCompleted {
		err = s.callbacks.Resume(ctx, next.CallbackToken, payload)
	} else {
		payload.Reason = model.SignalReasonPredecessorFailed
		payload.Message = rec.Error
		err = s.callbacks.Fail(ctx, next.CallbackToken, payload)
	}
	if err != nil && !errors.Is(err, ErrWaitClosed) {
		s.logger.Error("Failed to signal successor",
			zap.String("key", rec.Key().String()),
			zap.String("successor", next.Key().String()),
			zap.Error(err))
	}
}

func (s *OrderingService) predecessorSettled(ctx context.Context, key model.CommandKey) (bool, error) {
	if key.Version <= 1 {
		return true, nil
	}
	prev, err := s.commands.GetCommand(ctx, key.Predecessor())
	if err != nil {
		return false, fmt.Errorf("failed to load predecessor: %w", err)
	}
	return prev.Status.IsTerminal(), nil
}

func (s *OrderingService) fireHooks(rec *model.CommandRecord) {
	s.hooksMu.Lock()
	list := s.hooks[rec.Key()]
	delete(s.hooks, rec.Key())
	s.hooksMu.Unlock()

	for _, ch := range list {
		select {
		case ch <- rec.Clone():
		default:
		}
	}
}

func (s *OrderingService) dispatch(ctx context.Context, step string, key model.CommandKey, fn func(context.Context) error) {
	s.pool.Dispatch(workerpool.Task{
		ID:      step,
		Key:     key.String(),
		Fn:      fn,
		Context: context.WithoutCancel(ctx),
	})
}
