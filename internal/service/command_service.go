package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/validation"
	"go.uber.org/zap"
)

// Publish modes, used as a metrics label
const (
	ModeAsync   = "async"
	ModeSync    = "sync"
	ModePartial = "partial"
)

// PublishOptions carries request metadata and per-call behavior
type PublishOptions struct {
	Source    string
	RequestID string
	Invoker   string
	ClientIP  string
	// IdempotencyKey makes a retried submission return the record of the first one
	IdempotencyKey string
	// SkipIfUnchanged returns the current version instead of writing an identical one
	SkipIfUnchanged bool
	// Timeout overrides the configured submit timeout of PublishSync
	Timeout time.Duration
}

// CommandServiceConfig holds command service settings
type CommandServiceConfig struct {
	SubmitTimeout time.Duration
	PollInterval  time.Duration
	LatestRetries int
}

// CommandService accepts commands, writes them as immutable versions and
// optionally waits for their pipeline to finish
type CommandService struct {
	commands    store.CommandStore
	data        store.DataStore
	ordering    *OrderingService
	idempotency *IdempotencyService
	validator   *validation.Validator
	cfg         CommandServiceConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewCommandService creates a new command service. idempotency may be nil.
func NewCommandService(
	commands store.CommandStore,
	data store.DataStore,
	ordering *OrderingService,
	idempotency *IdempotencyService,
	validator *validation.Validator,
	cfg CommandServiceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CommandService {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &CommandService{
		commands:    commands,
		data:        data,
		ordering:    ordering,
		idempotency: idempotency,
		validator:   validator,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for record timestamps
func (s *CommandService) SetClock(now func() time.Time) {
	s.now = now
}

// PublishAsync writes the command and returns the PENDING record without
// waiting for its pipeline. in.Version is the version the caller expects to
// be current; VersionLatest resolves it from the commands table.
func (s *CommandService) PublishAsync(ctx context.Context, in *validation.CommandInput, opts PublishOptions) (*model.CommandRecord, error) {
	start := time.Now()
	rec, err := s.publish(ctx, in, opts)
	s.recordPublish(in, ModeAsync, err, start)
	return rec, err
}

// PublishSync writes the command and blocks until its pipeline reaches a
// terminal status or the submit timeout elapses. A FAILED pipeline is
// returned together with a PipelineFailed error.
func (s *CommandService) PublishSync(ctx context.Context, in *validation.CommandInput, opts PublishOptions) (*model.CommandRecord, error) {
	start := time.Now()
	rec, err := s.publishSync(ctx, in, opts)
	s.recordPublish(in, ModeSync, err, start)
	return rec, err
}

func (s *CommandService) publishSync(ctx context.Context, in *validation.CommandInput, opts PublishOptions) (*model.CommandRecord, error) {
	if in != nil && in.Version == model.VersionLatest {
		return nil, apperrors.InvalidField("version", "latest version resolution is only available for asynchronous publishing")
	}
	if err := s.validator.ValidateCommand(in); err != nil {
		return nil, err
	}

	timeout := s.cfg.SubmitTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// registered before the write so a fast pipeline cannot finish unobserved
	target := model.CommandKey{PK: in.PK, SK: in.SK, Version: in.Version + 1}
	done, stop := s.ordering.WaitFor(target)
	defer stop()

	rec, err := s.publish(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	if rec.Key() != target {
		stop()
		done, stop = s.ordering.WaitFor(rec.Key())
		defer stop()
	}
	return s.await(ctx, rec, done)
}

// await blocks until rec is terminal, watching the completion hook and
// polling the store for pipelines finished by another process
func (s *CommandService) await(ctx context.Context, rec *model.CommandRecord, done <-chan *model.CommandRecord) (*model.CommandRecord, error) {
	key := rec.Key()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for !rec.Status.IsTerminal() {
		select {
		case finished := <-done:
			rec = finished
		case <-ticker.C:
			current, err := s.commands.GetCommand(ctx, key)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("Failed to poll command status",
					zap.String("key", key.String()),
					zap.Error(err))
				continue
			}
			if current != nil {
				rec = current
			}
		case <-ctx.Done():
			return rec, apperrors.Timeout(
				fmt.Sprintf("command %s did not finish in time (status %s)", key.String(), rec.Status),
				ctx.Err()).
				WithDetail("key", key.String()).
				WithDetail("status", string(rec.Status))
		}
	}

	if rec.Status == model.CommandStatusFailed {
		return rec, apperrors.PipelineFailed(key.String(), rec.Error)
	}
	return rec, nil
}

func (s *CommandService) publish(ctx context.Context, in *validation.CommandInput, opts PublishOptions) (*model.CommandRecord, error) {
	if err := s.validator.ValidateCommand(in); err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" && s.idempotency != nil {
		cached, err := s.idempotency.Get(ctx, in.TenantCode, opts.IdempotencyKey)
		if err != nil {
			s.logger.Error("Failed to check idempotency",
				zap.String("tenant_code", in.TenantCode),
				zap.String("idempotency_key", opts.IdempotencyKey),
				zap.Error(err))
		} else if cached != nil {
			rec, err := s.commands.GetCommand(ctx, *cached)
			if err == nil {
				s.logger.Info("Returning record of repeated submission",
					zap.String("key", rec.Key().String()),
					zap.String("idempotency_key", opts.IdempotencyKey))
				return rec, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("failed to load cached command: %w", err)
			}
		}
	}

	var (
		rec *model.CommandRecord
		err error
	)
	if in.Version == model.VersionLatest {
		rec, err = s.publishLatest(ctx, in, opts)
	} else {
		rec, err = s.write(ctx, in, in.Version, opts)
	}
	if err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.Store(ctx, in.TenantCode, opts.IdempotencyKey, rec.Key()); err != nil {
			s.logger.Error("Failed to store idempotency entry",
				zap.String("key", rec.Key().String()),
				zap.Error(err))
		}
	}
	return rec, nil
}

// publishLatest resolves the current version and writes on top of it,
// re-resolving when a concurrent writer takes the version first
func (s *CommandService) publishLatest(ctx context.Context, in *validation.CommandInput, opts PublishOptions) (*model.CommandRecord, error) {
	item := model.ItemKey{PK: in.PK, SK: in.SK}
	var lastErr error
	for attempt := 0; attempt <= s.cfg.LatestRetries; attempt++ {
		expected := int64(0)
		latest, err := s.commands.LatestCommand(ctx, item)
		switch {
		case err == nil:
			expected = latest.Version
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("failed to resolve latest version: %w", err)
		}

		rec, err := s.write(ctx, in, expected, opts)
		if err == nil {
			return rec, nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("Latest version moved, retrying",
			zap.String("item", item.String()),
			zap.Int64("expected", expected),
			zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

func (s *CommandService) write(ctx context.Context, in *validation.CommandInput, expected int64, opts PublishOptions) (*model.CommandRecord, error) {
	if opts.SkipIfUnchanged && expected > 0 {
		prev, err := s.commands.GetCommand(ctx, model.CommandKey{PK: in.PK, SK: in.SK, Version: expected})
		if err == nil && sameContent(prev, in) {
			s.logger.Debug("Skipping unchanged command",
				zap.String("key", prev.Key().String()))
			return prev, nil
		}
	}

	rec := s.newRecord(in, expected+1, opts)
	err := s.commands.PutCommand(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConditionFailed):
		return nil, apperrors.VersionConflict(in.PK, in.SK, expected)
	case errors.Is(err, store.ErrNotFound):
		return nil, s.missingPredecessor(ctx, in.PK, in.SK, expected)
	default:
		return nil, apperrors.InternalError("failed to write command", err)
	}

	s.logger.Debug("Command accepted",
		zap.String("key", rec.Key().String()),
		zap.String("type", rec.Type),
		zap.String("request_id", rec.RequestID))
	return rec, nil
}

// missingPredecessor tells an unknown aggregate apart from a stale expected version
func (s *CommandService) missingPredecessor(ctx context.Context, pk, sk string, expected int64) error {
	_, err := s.commands.LatestCommand(ctx, model.ItemKey{PK: pk, SK: sk})
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(pk, sk)
	}
	if err != nil {
		return apperrors.InternalError("failed to resolve latest version", err)
	}
	return apperrors.VersionConflict(pk, sk, expected)
}

func (s *CommandService) newRecord(in *validation.CommandInput, version int64, opts PublishOptions) *model.CommandRecord {
	now := s.now().UTC()
	id := in.ID
	if id == "" {
		id = model.EntityID(in.PK, in.SK)
	}
	return &model.CommandRecord{
		PK:              in.PK,
		SK:              in.SK,
		Version:         version,
		ID:              id,
		Code:            in.Code,
		Name:            in.Name,
		TenantCode:      in.TenantCode,
		Type:            in.Type,
		IsDeleted:       in.IsDeleted,
		Seq:             in.Seq,
		TTL:             in.TTL,
		Attributes:      model.CloneAttributes(in.Attributes),
		Status:          model.CommandStatusPending,
		Source:          opts.Source,
		RequestID:       opts.RequestID,
		CreatedAt:       now,
		CreatedBy:       opts.Invoker,
		CreatedIP:       opts.ClientIP,
		UpdatedAt:       now,
		UpdatedBy:       opts.Invoker,
		UpdatedIP:       opts.ClientIP,
		StatusUpdatedAt: now,
	}
}

// PublishPartialUpdate applies a sparse patch to version patch.Version and
// publishes the result asynchronously as the next version
func (s *CommandService) PublishPartialUpdate(ctx context.Context, patch *validation.PartialInput, opts PublishOptions) (*model.CommandRecord, error) {
	start := time.Now()
	rec, err := s.publishPartial(ctx, patch, opts)
	var in *validation.CommandInput
	if rec != nil {
		in = &validation.CommandInput{Type: rec.Type}
	}
	s.recordPublish(in, ModePartial, err, start)
	return rec, err
}

func (s *CommandService) publishPartial(ctx context.Context, patch *validation.PartialInput, opts PublishOptions) (*model.CommandRecord, error) {
	if err := s.validator.ValidatePartial(patch); err != nil {
		return nil, err
	}

	in, err := s.partialBase(ctx, patch)
	if err != nil {
		return nil, err
	}

	in.Attributes = model.MergeAttributes(in.Attributes, patch.Attributes)
	if patch.Code != "" {
		in.Code = patch.Code
	}
	if patch.Name != "" {
		in.Name = patch.Name
	}
	if patch.IsDeleted != nil {
		in.IsDeleted = *patch.IsDeleted
	}
	if patch.TTL != nil {
		in.TTL = *patch.TTL
	}
	return s.publish(ctx, in, opts)
}

// partialBase loads the state a patch applies to: the data record when it is
// at the patched version, otherwise the command at that version
func (s *CommandService) partialBase(ctx context.Context, patch *validation.PartialInput) (*validation.CommandInput, error) {
	item := model.ItemKey{PK: patch.PK, SK: patch.SK}

	data, err := s.data.GetData(ctx, item)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.InternalError("failed to read data record", err)
	}
	if data != nil && data.Version == patch.Version {
		return &validation.CommandInput{
			PK:         data.PK,
			SK:         data.SK,
			ID:         data.ID,
			Code:       data.Code,
			Name:       data.Name,
			TenantCode: data.TenantCode,
			Type:       data.Type,
			Version:    data.Version,
			IsDeleted:  data.IsDeleted,
			Seq:        data.Seq,
			TTL:        data.TTL,
			Attributes: data.Attributes,
		}, nil
	}

	cmd, err := s.commands.GetCommand(ctx, item.WithVersion(patch.Version))
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.missingPredecessor(ctx, patch.PK, patch.SK, patch.Version)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read command", err)
	}
	return &validation.CommandInput{
		PK:         cmd.PK,
		SK:         cmd.SK,
		ID:         cmd.ID,
		Code:       cmd.Code,
		Name:       cmd.Name,
		TenantCode: cmd.TenantCode,
		Type:       cmd.Type,
		Version:    cmd.Version,
		IsDeleted:  cmd.IsDeleted,
		Seq:        cmd.Seq,
		TTL:        cmd.TTL,
		Attributes: cmd.Attributes,
	}, nil
}

// GetStatus returns the command at key
func (s *CommandService) GetStatus(ctx context.Context, key model.CommandKey) (*model.CommandRecord, error) {
	rec, err := s.commands.GetCommand(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(key.PK, model.VersionedSortKey(key.SK, key.Version))
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read command", err)
	}
	return rec, nil
}

// GetLatest returns the highest version of an aggregate
func (s *CommandService) GetLatest(ctx context.Context, pk, sk string) (*model.CommandRecord, error) {
	rec, err := s.commands.LatestCommand(ctx, model.ItemKey{PK: pk, SK: sk})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(pk, sk)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read latest command", err)
	}
	return rec, nil
}

// ListVersions returns the version history of an aggregate
func (s *CommandService) ListVersions(ctx context.Context, pk, sk string, limit int, descending bool) ([]*model.CommandRecord, error) {
	records, err := s.commands.ListCommandVersions(ctx, model.ItemKey{PK: pk, SK: sk}, limit, descending)
	if err != nil {
		return nil, apperrors.InternalError("failed to list versions", err)
	}
	return records, nil
}

// GetData returns the materialized state of an aggregate
func (s *CommandService) GetData(ctx context.Context, pk, sk string) (*model.DataRecord, error) {
	rec, err := s.data.GetData(ctx, model.ItemKey{PK: pk, SK: sk})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(pk, sk)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read data record", err)
	}
	return rec, nil
}

// Abort fails a command that has not finished yet
func (s *CommandService) Abort(ctx context.Context, key model.CommandKey, reason string) (*model.CommandRecord, error) {
	return s.ordering.Abort(ctx, key, reason)
}

func (s *CommandService) recordPublish(in *validation.CommandInput, mode string, err error, start time.Time) {
	commandType := "unknown"
	if in != nil && in.Type != "" {
		commandType = in.Type
	}
	result := "ok"
	if err != nil {
		result = apperrors.GetCode(err).String()
	}
	s.metrics.RecordPublish(commandType, mode, result, time.Since(start).Seconds())
}

// sameContent reports whether in would write the same payload as prev
func sameContent(prev *model.CommandRecord, in *validation.CommandInput) bool {
	if prev.Code != in.Code || prev.Name != in.Name || prev.Type != in.Type ||
		prev.IsDeleted != in.IsDeleted || prev.Seq != in.Seq || prev.TTL != in.TTL {
		return false
	}
	a, errA := json.Marshal(prev.Attributes)
	b, errB := json.Marshal(in.Attributes)
	if errA != nil || errB != nil {
		return false
	}
	if len(prev.Attributes) == 0 && len(in.Attributes) == 0 {
		return true
	}
	return bytes.Equal(a, b)
}
