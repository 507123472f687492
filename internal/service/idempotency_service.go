package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"go.uber.org/zap"
)

// IdempotencyService remembers the record created for a client supplied
// idempotency key so a retried submission returns the same record
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	logger           *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	logger *zap.Logger,
) *IdempotencyService {
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		logger:           logger,
	}
}

// Get returns the cached record key, or nil when the idempotency key is unknown
func (s *IdempotencyService) Get(ctx context.Context, tenantCode, idempotencyKey string) (*model.CommandKey, error) {
	storeKey := s.buildStoreKey(tenantCode, idempotencyKey)

	data, err := s.idempotencyStore.Get(ctx, storeKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}

	var key model.CommandKey
	if err := json.Unmarshal(data, &key); err != nil {
		s.logger.Error("Invalid idempotency entry",
			zap.String("tenant_code", tenantCode),
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err))
		return nil, fmt.Errorf("invalid idempotency entry: %w", err)
	}
	return &key, nil
}

// Store remembers key for idempotencyKey
func (s *IdempotencyService) Store(ctx context.Context, tenantCode, idempotencyKey string, key model.CommandKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency entry: %w", err)
	}
	if err := s.idempotencyStore.Set(ctx, s.buildStoreKey(tenantCode, idempotencyKey), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}

	s.logger.Debug("Stored idempotency entry",
		zap.String("tenant_code", tenantCode),
		zap.String("idempotency_key", idempotencyKey),
		zap.Duration("ttl", s.ttl))
	return nil
}

// Delete forgets an idempotency key
func (s *IdempotencyService) Delete(ctx context.Context, tenantCode, idempotencyKey string) error {
	if err := s.idempotencyStore.Delete(ctx, s.buildStoreKey(tenantCode, idempotencyKey)); err != nil {
		return fmt.Errorf("failed to delete idempotency entry: %w", err)
	}
	return nil
}

func (s *IdempotencyService) buildStoreKey(tenantCode, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantCode, idempotencyKey)
}
