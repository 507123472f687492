package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/stream"
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"github.com/devrev/cqrsengine/internal/validation"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTenant = "acme"
	testPK     = "ORDER#acme"
	testType   = "ORDER"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEngine struct {
	mem       *store.MemoryStore
	store     store.Store
	registry  *HandlerRegistry
	notifier  *NotifierService
	callbacks *CallbackService
	ordering  *OrderingService
	commands  *CommandService
	clock     *fakeClock
}

type engineOption func(*engineSettings)

type engineSettings struct {
	idempotency store.IdempotencyStore
	notifier    NotifierConfig
}

func withIdempotency(s store.IdempotencyStore) engineOption {
	return func(es *engineSettings) { es.idempotency = s }
}

// newTestEngine wires the full pipeline over the memory store the same way
// the service binary does
func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()
	settings := &engineSettings{}
	for _, o := range opts {
		o(settings)
	}

	logger := zap.NewNop()
	clock := newFakeClock()

	mem := store.NewMemoryStore()
	broker := stream.NewBroker(stream.BrokerConfig{
		Workers: 4,
		Retry:   stream.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		Logger:  logger,
	})
	st := store.NewChangeCaptureStore(mem, broker, logger)
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "pipeline",
		MaxWorkers: 8,
		QueueSize:  512,
		Logger:     logger,
	})

	registry := NewHandlerRegistry()
	notifier := NewNotifierService(registry, st, st, settings.notifier, nil, logger)
	callbacks := NewCallbackService(st, 15*time.Minute, 100, nil, logger)
	callbacks.SetClock(clock.Now)
	ordering := NewOrderingService(st, callbacks, notifier, pool, nil, logger)
	ordering.SetClock(clock.Now)
	NewStreamConsumer(broker, ordering, logger)

	var idem *IdempotencyService
	if settings.idempotency != nil {
		idem = NewIdempotencyService(settings.idempotency, time.Hour, logger)
	}
	commands := NewCommandService(st, st, ordering, idem, validation.NewValidator(), CommandServiceConfig{
		SubmitTimeout: 5 * time.Second,
		PollInterval:  20 * time.Millisecond,
		LatestRetries: 3,
	}, nil, logger)
	commands.SetClock(clock.Now)

	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop(5 * time.Second)
	})

	return &testEngine{
		mem:       mem,
		store:     st,
		registry:  registry,
		notifier:  notifier,
		callbacks: callbacks,
		ordering:  ordering,
		commands:  commands,
		clock:     clock,
	}
}

func orderInput(sk string, version int64, attrs map[string]any) *validation.CommandInput {
	return &validation.CommandInput{
		PK:         testPK,
		SK:         sk,
		Code:       sk,
		Name:       "order " + sk,
		TenantCode: testTenant,
		Type:       testType,
		Version:    version,
		Attributes: attrs,
	}
}

// seedCommand writes a record behind the pipeline's back, as if a previous
// process crashed while handling it
func (e *testEngine) seedCommand(t *testing.T, sk string, version int64, status model.CommandStatus) {
	t.Helper()
	require.NoError(t, e.mem.PutCommand(context.Background(), &model.CommandRecord{
		PK:         testPK,
		SK:         sk,
		Version:    version,
		ID:         model.EntityID(testPK, sk),
		TenantCode: testTenant,
		Type:       testType,
		Status:     status,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}))
}

func (e *testEngine) status(t *testing.T, sk string, version int64) model.CommandStatus {
	t.Helper()
	rec, err := e.store.GetCommand(context.Background(), model.CommandKey{PK: testPK, SK: sk, Version: version})
	require.NoError(t, err)
	return rec.Status
}

func (e *testEngine) waitForStatus(t *testing.T, sk string, version int64, want model.CommandStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := e.store.GetCommand(context.Background(), model.CommandKey{PK: testPK, SK: sk, Version: version})
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond, "%s@%d never reached %s", sk, version, want)
}

// recorder is a sync handler that remembers the versions it saw per aggregate
type recorder struct {
	name string
	mu   sync.Mutex
	seen map[string][]int64
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, seen: make(map[string][]int64)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Up(ctx context.Context, rec *model.CommandRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[rec.SK] = append(r.seen[rec.SK], rec.Version)
	return nil
}

func (r *recorder) versions(sk string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen[sk]...)
}
