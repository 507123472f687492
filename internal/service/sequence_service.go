package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"go.uber.org/zap"
)

// ScopePrefix starts every sequence scope key
const ScopePrefix = "SEQ"

// NextParams controls formatting of one issued number
type NextParams struct {
	Format       string
	Values       map[string]string
	At           time.Time
	StartMonth   int
	RegisterDate time.Time
}

// SequenceRequest asks for the next number of a configured sequence
type SequenceRequest struct {
	TenantCode string            `json:"tenantCode"`
	TypeCode   string            `json:"typeCode"`
	Params     map[string]string `json:"params,omitempty"`
	// Date selects the rotation bucket; zero means now
	Date time.Time `json:"date,omitempty"`
}

// SequenceService issues collision free, formatted business numbers
type SequenceService struct {
	counters store.CounterStore
	settings SettingsProvider
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSequenceService creates a sequence service. settings may be nil when only
// GenerateWithSettings and Next are used.
func NewSequenceService(counters store.CounterStore, settings SettingsProvider, m *metrics.Metrics, logger *zap.Logger) *SequenceService {
	return &SequenceService{
		counters: counters,
		settings: settings,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (s *SequenceService) SetClock(now func() time.Time) {
	s.now = now
}

// Next atomically increments the counter of (scope, period) and formats the result
func (s *SequenceService) Next(ctx context.Context, key model.CounterKey, params NextParams) (*model.SequenceResult, error) {
	if key.Scope == "" {
		return nil, apperrors.InvalidField("scope", "cannot be empty")
	}
	no, err := s.counters.Increment(ctx, key, 1)
	if err != nil {
		return nil, apperrors.InternalError("failed to increment counter", err)
	}

	issuedAt := s.now().UTC()
	at := params.At
	if at.IsZero() {
		at = issuedAt
	}

	values := derivedValues(no, at, params.StartMonth, params.RegisterDate)
	for k, v := range params.Values {
		if _, derived := values[k]; !derived {
			values[k] = v
		}
	}

	formatted := FormatSequence(params.Format, values)
	if params.Format == "" {
		formatted = values["no"]
	}

	return &model.SequenceResult{
		No:          no,
		FormattedNo: formatted,
		IssuedAt:    issuedAt,
		Scope:       key.Scope,
		Period:      key.Period,
	}, nil
}

// Generate issues the next number using the stored settings of the sequence
func (s *SequenceService) Generate(ctx context.Context, req *SequenceRequest) (*model.SequenceResult, error) {
	if err := validateSequenceRequest(req); err != nil {
		return nil, err
	}
	if s.settings == nil {
		return nil, apperrors.Unavailable("no sequence settings configured", nil)
	}
	settings, err := s.settings.GetSettings(ctx, req.TenantCode, req.TypeCode)
	if err != nil {
		return nil, err
	}
	return s.GenerateWithSettings(ctx, req, settings)
}

// GenerateWithSettings issues the next number using inline settings
func (s *SequenceService) GenerateWithSettings(ctx context.Context, req *SequenceRequest, settings *model.SequenceSettings) (*model.SequenceResult, error) {
	if err := validateSequenceRequest(req); err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, apperrors.Validation("sequence settings are required")
	}

	at := req.Date
	if at.IsZero() {
		at = s.now().UTC()
	}

	scope, err := ScopeKey(req.TenantCode, req.TypeCode, settings.ScopeParams, req.Params)
	if err != nil {
		return nil, err
	}
	key := model.CounterKey{Scope: scope, Period: PeriodFor(at, settings)}

	res, err := s.Next(ctx, key, NextParams{
		Format:       settings.Format,
		Values:       req.Params,
		At:           at,
		StartMonth:   settings.StartMonth,
		RegisterDate: settings.RegisterDate,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSequence(req.TenantCode, req.TypeCode)
	s.logger.Debug("Sequence issued",
		zap.String("scope", key.Scope),
		zap.String("period", key.Period),
		zap.Int64("no", res.No),
		zap.String("formatted", res.FormattedNo))
	return res, nil
}

// ScopeKey builds "SEQ#<tenant>#<type>[#<param>...]" from the configured scope params
func ScopeKey(tenantCode, typeCode string, scopeParams []string, params map[string]string) (string, error) {
	parts := []string{ScopePrefix, tenantCode, typeCode}
	for _, name := range scopeParams {
		v, ok := params[name]
		if !ok || v == "" {
			return "", apperrors.InvalidField("params."+name, "required by the sequence scope")
		}
		if strings.Contains(v, model.KeySeparator) {
			return "", apperrors.InvalidField("params."+name, fmt.Sprintf("cannot contain %q", model.KeySeparator))
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, model.KeySeparator), nil
}

func validateSequenceRequest(req *SequenceRequest) error {
	if req == nil {
		return apperrors.Validation("sequence request is required")
	}
	if req.TenantCode == "" {
		return apperrors.InvalidField("tenantCode", "cannot be empty")
	}
	if req.TypeCode == "" {
		return apperrors.InvalidField("typeCode", "cannot be empty")
	}
	return nil
}
