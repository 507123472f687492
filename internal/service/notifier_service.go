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
	"go.uber.org/zap"
)

// NotifierConfig holds notifier settings
type NotifierConfig struct {
	DisableDefaultSync bool
	// HandlerTimeout bounds a single handler invocation; zero means no bound
	HandlerTimeout time.Duration
}

// NotifierService materializes commands and fans them out to sync handlers
type NotifierService struct {
	registry *HandlerRegistry
	dataSync *DataSyncHandler
	commands store.CommandStore
	data     store.DataStore
	cfg      NotifierConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewNotifierService creates a new notifier
func NewNotifierService(
	registry *HandlerRegistry,
	commands store.CommandStore,
	data store.DataStore,
	cfg NotifierConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *NotifierService {
	return &NotifierService{
		registry: registry,
		dataSync: NewDataSyncHandler(data, logger),
		commands: commands,
		data:     data,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Materialize writes the data record for rec with the default handler
func (s *NotifierService) Materialize(ctx context.Context, rec *model.CommandRecord) error {
	if s.cfg.DisableDefaultSync {
		return nil
	}
	start := time.Now()
	err := s.dataSync.Up(ctx, rec)
	s.metrics.RecordHandler(s.dataSync.Name(), resultLabel(err), time.Since(start).Seconds())
	return err
}

// Notify runs every handler scoped to the record's type concurrently and waits
// for all of them. Failures are isolated: they are logged, counted and
// returned for inspection but never abort the other handlers.
func (s *NotifierService) Notify(ctx context.Context, event model.ChangeEvent) []error {
	rec := event.Record()
	if rec == nil {
		return nil
	}
	handlers := s.registry.HandlersFor(rec.Type)
	if len(handlers) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []error
	)
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.invoke(ctx, h, rec, h.Up); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failures) > 0 {
		s.logger.Warn("Sync handlers failed",
			zap.String("key", rec.Key().String()),
			zap.String("type", rec.Type),
			zap.Int("failed", len(failures)),
			zap.Int("total", len(handlers)))
	}
	return failures
}

// Rollback invokes Down on every rollback-capable handler for rec, in reverse
// registration order. It is never called by the pipeline.
func (s *NotifierService) Rollback(ctx context.Context, rec *model.CommandRecord) error {
	handlers := s.registry.HandlersFor(rec.Type)
	var failures []error
	for i := len(handlers) - 1; i >= 0; i-- {
		rh, ok := handlers[i].(RollbackHandler)
		if !ok {
			continue
		}
		if err := s.invoke(ctx, rh, rec, rh.Down); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Resync re-runs the custom handlers against the command that produced the
// current data record of (pk, sk)
func (s *NotifierService) Resync(ctx context.Context, pk, sk string) (*model.CommandRecord, []error, error) {
	data, err := s.data.GetData(ctx, model.ItemKey{PK: pk, SK: sk})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperrors.NotFound(pk, sk)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read data record: %w", err)
	}

	baseSK, version, err := model.ParseVersionedSortKey(data.CommandSK)
	if err != nil {
		return nil, nil, apperrors.InternalError("data record has a malformed command reference", err)
	}
	rec, err := s.commands.GetCommand(ctx, model.CommandKey{PK: data.CommandPK, SK: baseSK, Version: version})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read producing command: %w", err)
	}

	s.logger.Info("Resyncing aggregate",
		zap.String("key", rec.Key().String()))
	return rec, s.Notify(ctx, model.ChangeEvent{EventType: model.ChangeEventModify, New: rec}), nil
}

func (s *NotifierService) invoke(
	ctx context.Context,
	h SyncHandler,
	rec *model.CommandRecord,
	fn func(context.Context, *model.CommandRecord) error,
) (err error) {
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if err != nil {
			err = apperrors.HandlerFailure(h.Name(), err)
			s.logger.Error("Sync handler failed",
				zap.String("handler", h.Name()),
				zap.String("key", rec.Key().String()),
				zap.Error(err))
		}
		s.metrics.RecordHandler(h.Name(), resultLabel(err), time.Since(start).Seconds())
	}()

	return fn(ctx, rec)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
