package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
)

// MemoryStore implements Store with in-process maps. It is used for tests and
// single process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[model.ItemKey][]*model.CommandRecord
	data     map[model.ItemKey]*model.DataRecord
	counters map[model.CounterKey]int64
	waits    map[string]*model.WaitRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands: make(map[model.ItemKey][]*model.CommandRecord),
		data:     make(map[model.ItemKey]*model.DataRecord),
		counters: make(map[model.CounterKey]int64),
		waits:    make(map[string]*model.WaitRecord),
	}
}

// GetCommand returns one command version
func (s *MemoryStore) GetCommand(ctx context.Context, key model.CommandKey) (*model.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.commands[key.Item()]
	if key.Version < 1 || int(key.Version) > len(versions) {
		return nil, ErrNotFound
	}
	return versions[key.Version-1].Clone(), nil
}

// LatestCommand returns the highest version of an aggregate
func (s *MemoryStore) LatestCommand(ctx context.Context, item model.ItemKey) (*model.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.commands[item]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1].Clone(), nil
}

// ListCommandVersions lists the versions of one aggregate
func (s *MemoryStore) ListCommandVersions(ctx context.Context, item model.ItemKey, limit int, descending bool) ([]*model.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.commands[item]
	out := make([]*model.CommandRecord, 0, len(versions))
	for i := range versions {
		idx := i
		if descending {
			idx = len(versions) - 1 - i
		}
		out = append(out, versions[idx].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// QueryCommands scans a partition ordered by (sk, version)
func (s *MemoryStore) QueryCommands(ctx context.Context, pk string, q Query) ([]*model.CommandRecord, error) {
	s.mu.RLock()
	var out []*model.CommandRecord
	for item, versions := range s.commands {
		if item.PK != pk || !strings.HasPrefix(item.SK, q.SKPrefix) {
			continue
		}
		for _, rec := range versions {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		less := out[i].SK < out[j].SK || (out[i].SK == out[j].SK && out[i].Version < out[j].Version)
		if q.Descending {
			return !less
		}
		return less
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PutCommand conditionally appends a version
func (s *MemoryStore) PutCommand(ctx context.Context, rec *model.CommandRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := model.ItemKey{PK: rec.PK, SK: rec.SK}
	versions := s.commands[item]
	if int(rec.Version) <= len(versions) {
		return ErrConditionFailed
	}
	if int(rec.Version) != len(versions)+1 {
		return ErrNotFound
	}
	s.commands[item] = append(versions, rec.Clone())
	return nil
}

// TransitionCommand compares and sets the mutable command fields
func (s *MemoryStore) TransitionCommand(ctx context.Context, key model.CommandKey, t Transition) (*model.CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.commands[key.Item()]
	if key.Version < 1 || int(key.Version) > len(versions) {
		return nil, ErrNotFound
	}
	rec := versions[key.Version-1]
	if !t.allows(rec.Status) {
		return nil, ErrConditionFailed
	}

	updated := rec.Clone()
	applyTransition(updated, t)
	versions[key.Version-1] = updated
	return updated.Clone(), nil
}

// ListCommandsByStatus returns records in any of the statuses, oldest first
func (s *MemoryStore) ListCommandsByStatus(ctx context.Context, statuses []model.CommandStatus, limit int) ([]*model.CommandRecord, error) {
	want := make(map[model.CommandStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	var out []*model.CommandRecord
	for _, versions := range s.commands {
		for _, rec := range versions {
			if want[rec.Status] {
				out = append(out, rec.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetData returns the materialized view of an aggregate
func (s *MemoryStore) GetData(ctx context.Context, item model.ItemKey) (*model.DataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[item]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// PutData writes the view when it moves the version forward
func (s *MemoryStore) PutData(ctx context.Context, rec *model.DataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := rec.Key()
	if current, ok := s.data[item]; ok && current.Version >= rec.Version {
		return ErrConditionFailed
	}
	s.data[item] = rec.Clone()
	return nil
}

// QueryData scans the view of a partition ordered by sk
func (s *MemoryStore) QueryData(ctx context.Context, pk string, q Query) ([]*model.DataRecord, error) {
	s.mu.RLock()
	var out []*model.DataRecord
	for item, rec := range s.data {
		if item.PK == pk && strings.HasPrefix(item.SK, q.SKPrefix) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].SK > out[j].SK
		}
		return out[i].SK < out[j].SK
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Increment atomically adds delta to a counter, creating it at zero
func (s *MemoryStore) Increment(ctx context.Context, key model.CounterKey, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key] += delta
	return s.counters[key], nil
}

// CreateWait stores a new open wait
func (s *MemoryStore) CreateWait(ctx context.Context, w *model.WaitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.waits[w.Token]; exists {
		return ErrConditionFailed
	}
	c := *w
	s.waits[w.Token] = &c
	return nil
}

// GetWait returns a wait by token
func (s *MemoryStore) GetWait(ctx context.Context, token string) (*model.WaitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.waits[token]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

// CompleteWait closes an open wait exactly once
func (s *MemoryStore) CompleteWait(ctx context.Context, token string, state model.WaitState, payload model.SignalPayload, at time.Time) (*model.WaitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waits[token]
	if !ok {
		return nil, ErrNotFound
	}
	if !w.IsOpen() {
		return nil, ErrConditionFailed
	}
	w.State = state
	w.Payload = payload
	w.CompletedAt = at
	c := *w
	return &c, nil
}

// ListExpiredWaits returns open waits whose deadline passed
func (s *MemoryStore) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*model.WaitRecord, error) {
	s.mu.RLock()
	var out []*model.WaitRecord
	for _, w := range s.waits {
		if w.IsOpen() && !w.Deadline.After(now) {
			c := *w
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func applyTransition(rec *model.CommandRecord, t Transition) {
	rec.Status = t.To
	if t.CallbackToken != "" {
		rec.CallbackToken = t.CallbackToken
	}
	if t.Error != "" {
		rec.Error = t.Error
	}
	if !t.At.IsZero() {
		rec.StatusUpdatedAt = t.At
	}
}
