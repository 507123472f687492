package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRollbackHandler is a mock implementation of RollbackHandler
type MockRollbackHandler struct {
	mock.Mock
	name string
}

func (m *MockRollbackHandler) Name() string { return m.name }

func (m *MockRollbackHandler) Up(ctx context.Context, rec *model.CommandRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRollbackHandler) Down(ctx context.Context, rec *model.CommandRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func newTestNotifier(t *testing.T) (*NotifierService, *HandlerRegistry, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	registry := NewHandlerRegistry()
	return NewNotifierService(registry, mem, mem, NotifierConfig{}, nil, zap.NewNop()), registry, mem
}

func testCommand(version int64) *model.CommandRecord {
	return &model.CommandRecord{
		PK:         testPK,
		SK:         "o-1",
		Version:    version,
		TenantCode: testTenant,
		Type:       testType,
		Name:       fmt.Sprintf("v%d", version),
		Status:     model.CommandStatusMaterialize,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	noop := func(ctx context.Context, rec *model.CommandRecord) error { return nil }

	require.NoError(t, r.Register(testType, HandlerFunc("search", noop)))
	require.NoError(t, r.Register(testType, HandlerFunc("audit", noop)))
	require.NoError(t, r.Register(WildcardScope, HandlerFunc("log", noop)))
	require.NoError(t, r.Register("INVOICE", HandlerFunc("ledger", noop)))

	assert.Error(t, r.Register(testType, HandlerFunc("search", noop)))
	assert.Error(t, r.Register("", HandlerFunc("x", noop)))
	assert.Error(t, r.Register(testType, HandlerFunc("", noop)))

	names := func(hs []SyncHandler) []string {
		var out []string
		for _, h := range hs {
			out = append(out, h.Name())
		}
		return out
	}
	assert.Equal(t, []string{"search", "audit", "log"}, names(r.HandlersFor(testType)))
	assert.Equal(t, []string{"log"}, names(r.HandlersFor("CUSTOMER")))
	assert.Equal(t, 4, r.Count())

	assert.True(t, r.Unregister(testType, "search"))
	assert.False(t, r.Unregister(testType, "search"))
	assert.Equal(t, []string{"audit", "log"}, names(r.HandlersFor(testType)))
}

func TestDataSyncHandler(t *testing.T) {
	mem := store.NewMemoryStore()
	h := NewDataSyncHandler(mem, zap.NewNop())
	ctx := context.Background()

	v1 := testCommand(1)
	v1.CreatedBy = "alice"
	require.NoError(t, h.Up(ctx, v1))
	// replay of the current version is idempotent
	require.NoError(t, h.Up(ctx, v1))

	v2 := testCommand(2)
	v2.CreatedBy = "bob"
	require.NoError(t, h.Up(ctx, v2))

	data, err := mem.GetData(ctx, model.ItemKey{PK: testPK, SK: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), data.Version)
	assert.Equal(t, "v2", data.Name)
	assert.Equal(t, "alice", data.CreatedBy)
	assert.Equal(t, "o-1@2", data.CommandSK)

	err = h.Up(ctx, v1)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestNotifierService_NotifyIsolatesFailures(t *testing.T) {
	n, registry, _ := newTestNotifier(t)

	var mu sync.Mutex
	var called []string
	record := func(name string, err error) SyncHandler {
		return HandlerFunc(name, func(ctx context.Context, rec *model.CommandRecord) error {
			mu.Lock()
			called = append(called, name)
			mu.Unlock()
			return err
		})
	}
	require.NoError(t, registry.Register(testType, record("ok", nil)))
	require.NoError(t, registry.Register(testType, record("bad", fmt.Errorf("rejected"))))
	require.NoError(t, registry.Register(WildcardScope, record("any", nil)))
	require.NoError(t, registry.Register(testType, HandlerFunc("panics", func(ctx context.Context, rec *model.CommandRecord) error {
		panic("boom")
	})))

	failures := n.Notify(context.Background(), model.ChangeEvent{EventType: model.ChangeEventInsert, New: testCommand(1)})

	require.Len(t, failures, 2)
	for _, err := range failures {
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHandlerFailure))
	}
	assert.ElementsMatch(t, []string{"ok", "bad", "any"}, called)
}

func TestNotifierService_MaterializeCanBeDisabled(t *testing.T) {
	mem := store.NewMemoryStore()
	n := NewNotifierService(NewHandlerRegistry(), mem, mem, NotifierConfig{DisableDefaultSync: true}, nil, zap.NewNop())

	require.NoError(t, n.Materialize(context.Background(), testCommand(1)))
	_, err := mem.GetData(context.Background(), model.ItemKey{PK: testPK, SK: "o-1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNotifierService_Rollback(t *testing.T) {
	n, registry, _ := newTestNotifier(t)
	ctx := context.Background()
	rec := testCommand(3)

	var order []string
	first := &MockRollbackHandler{name: "first"}
	first.On("Down", ctx, rec).Run(func(mock.Arguments) { order = append(order, "first") }).Return(nil)
	second := &MockRollbackHandler{name: "second"}
	second.On("Down", ctx, rec).Run(func(mock.Arguments) { order = append(order, "second") }).Return(fmt.Errorf("cannot undo"))

	require.NoError(t, registry.Register(testType, first))
	require.NoError(t, registry.Register(testType, HandlerFunc("plain", func(ctx context.Context, rec *model.CommandRecord) error { return nil })))
	require.NoError(t, registry.Register(testType, second))

	err := n.Rollback(ctx, rec)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHandlerFailure))
	assert.Equal(t, []string{"second", "first"}, order)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestNotifierService_Resync(t *testing.T) {
	n, registry, mem := newTestNotifier(t)
	ctx := context.Background()

	rec := testCommand(1)
	rec.Status = model.CommandStatusCompleted
	require.NoError(t, mem.PutCommand(ctx, rec))
	require.NoError(t, n.Materialize(ctx, rec))

	recorder := newRecorder("projection")
	require.NoError(t, registry.Register(testType, recorder))

	resynced, failures, err := n.Resync(ctx, testPK, "o-1")
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, int64(1), resynced.Version)
	assert.Equal(t, []int64{1}, recorder.versions("o-1"))

	_, _, err = n.Resync(ctx, testPK, "o-404")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
