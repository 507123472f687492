package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"go.uber.org/zap"
)

// WildcardScope matches every command type
const WildcardScope = "*"

// ErrStaleVersion is returned when the materialized view is already ahead of a command
var ErrStaleVersion = errors.New("stale command version")

// SyncHandler projects a committed command into a downstream system.
// Up may be invoked more than once for the same version and must be idempotent.
type SyncHandler interface {
	Name() string
	Up(ctx context.Context, rec *model.CommandRecord) error
}

// RollbackHandler is a SyncHandler that can undo its projection
type RollbackHandler interface {
	SyncHandler
	Down(ctx context.Context, rec *model.CommandRecord) error
}

type funcHandler struct {
	name string
	up   func(ctx context.Context, rec *model.CommandRecord) error
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Up(ctx context.Context, rec *model.CommandRecord) error {
	return h.up(ctx, rec)
}

// HandlerFunc adapts a function to a SyncHandler
func HandlerFunc(name string, up func(ctx context.Context, rec *model.CommandRecord) error) SyncHandler {
	return &funcHandler{name: name, up: up}
}

// HandlerRegistry maps command types to sync handlers. It is populated at
// startup by explicit Register calls.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]SyncHandler
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string][]SyncHandler)}
}

// Register adds h for scope. Handler names must be unique within a scope.
func (r *HandlerRegistry) Register(scope string, h SyncHandler) error {
	if scope == "" {
		return fmt.Errorf("handler scope cannot be empty")
	}
	if h == nil || h.Name() == "" {
		return fmt.Errorf("handler must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[scope] {
		if existing.Name() == h.Name() {
			return fmt.Errorf("handler %q already registered for scope %q", h.Name(), scope)
		}
	}
	r.handlers[scope] = append(r.handlers[scope], h)
	return nil
}

// Unregister removes the named handler from scope
func (r *HandlerRegistry) Unregister(scope, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[scope]
	for i, h := range list {
		if h.Name() == name {
			r.handlers[scope] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// HandlersFor returns the handlers registered for commandType followed by the wildcard handlers
func (r *HandlerRegistry) HandlersFor(commandType string) []SyncHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scoped := r.handlers[commandType]
	wildcard := r.handlers[WildcardScope]
	out := make([]SyncHandler, 0, len(scoped)+len(wildcard))
	out = append(out, scoped...)
	if commandType != WildcardScope {
		out = append(out, wildcard...)
	}
	return out
}

// Count returns the number of registered handlers across scopes
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.handlers {
		n += len(list)
	}
	return n
}

// DataSyncHandler materializes commands into the data table
type DataSyncHandler struct {
	data   store.DataStore
	logger *zap.Logger
}

// NewDataSyncHandler creates the default materializer
func NewDataSyncHandler(data store.DataStore, logger *zap.Logger) *DataSyncHandler {
	return &DataSyncHandler{data: data, logger: logger}
}

func (h *DataSyncHandler) Name() string { return "data-sync" }

// Up writes the data record for rec. Replaying the current version is a no-op;
// a lower version than the stored one returns ErrStaleVersion.
func (h *DataSyncHandler) Up(ctx context.Context, rec *model.CommandRecord) error {
	previous, err := h.data.GetData(ctx, rec.Key().Item())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read data record: %w", err)
	}
	if previous != nil && previous.Version >= rec.Version {
		return h.compare(previous, rec)
	}

	err = h.data.PutData(ctx, model.NewDataRecord(rec, previous))
	if errors.Is(err, store.ErrConditionFailed) {
		current, getErr := h.data.GetData(ctx, rec.Key().Item())
		if getErr != nil {
			return fmt.Errorf("failed to re-read data record: %w", getErr)
		}
		return h.compare(current, rec)
	}
	if err != nil {
		return fmt.Errorf("failed to write data record: %w", err)
	}

	h.logger.Debug("Materialized command",
		zap.String("key", rec.Key().String()))
	return nil
}

func (h *DataSyncHandler) compare(current *model.DataRecord, rec *model.CommandRecord) error {
	if current.Version == rec.Version {
		return nil
	}
	return fmt.Errorf("%w: data is at version %d, command is %d", ErrStaleVersion, current.Version, rec.Version)
}
