package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrConditionFailed is returned when a conditional write loses
var ErrConditionFailed = errors.New("condition failed")

// Query narrows a partition scan
type Query struct {
	SKPrefix   string
	Limit      int
	Descending bool
}

// Transition is a compare-and-set on a command's mutable fields
type Transition struct {
	From []model.CommandStatus
	To   model.CommandStatus
	// CallbackToken replaces the stored token when non-empty
	CallbackToken string
	Error         string
	At            time.Time
}

func (t Transition) allows(current model.CommandStatus) bool {
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// CommandStore persists immutable command versions
type CommandStore interface {
	GetCommand(ctx context.Context, key model.CommandKey) (*model.CommandRecord, error)
	// LatestCommand returns the highest version of an aggregate
	LatestCommand(ctx context.Context, item model.ItemKey) (*model.CommandRecord, error)
	ListCommandVersions(ctx context.Context, item model.ItemKey, limit int, descending bool) ([]*model.CommandRecord, error)
	QueryCommands(ctx context.Context, pk string, q Query) ([]*model.CommandRecord, error)
	// PutCommand inserts rec when its version is free and, for rec.Version > 1,
	// the previous version exists. Returns ErrConditionFailed when the version is
	// taken and ErrNotFound when the previous version is missing.
	PutCommand(ctx context.Context, rec *model.CommandRecord) error
	// TransitionCommand applies t when the current status is in t.From.
	TransitionCommand(ctx context.Context, key model.CommandKey, t Transition) (*model.CommandRecord, error)
	ListCommandsByStatus(ctx context.Context, statuses []model.CommandStatus, limit int) ([]*model.CommandRecord, error)
}

// DataStore persists the materialized view
type DataStore interface {
	GetData(ctx context.Context, item model.ItemKey) (*model.DataRecord, error)
	// PutData writes rec when no record exists or the stored version is lower
	PutData(ctx context.Context, rec *model.DataRecord) error
	QueryData(ctx context.Context, pk string, q Query) ([]*model.DataRecord, error)
}

// CounterStore issues atomic counter increments
type CounterStore interface {
	Increment(ctx context.Context, key model.CounterKey, delta int64) (int64, error)
}

// WaitStore persists suspended pipeline steps
type WaitStore interface {
	CreateWait(ctx context.Context, w *model.WaitRecord) error
	GetWait(ctx context.Context, token string) (*model.WaitRecord, error)
	// CompleteWait moves an open wait to state; ErrConditionFailed if already completed
	CompleteWait(ctx context.Context, token string, state model.WaitState, payload model.SignalPayload, at time.Time) (*model.WaitRecord, error)
	ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*model.WaitRecord, error)
}

// Store is the full storage adapter used by the engine
type Store interface {
	CommandStore
	DataStore
	CounterStore
	WaitStore
	Ping(ctx context.Context) error
	Close() error
}

// IdempotencyStore caches responses of repeated submissions
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ChangePublisher receives committed command writes
type ChangePublisher interface {
	Publish(ctx context.Context, event model.ChangeEvent) error
}
