package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/stream"
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"github.com/devrev/cqrsengine/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipeline wires the engine with a tight change stream and pool on the real
// clock; the broker is started by the test
type pipeline struct {
	store    *store.ChangeCaptureStore
	broker   *stream.Broker
	pool     *workerpool.WorkerPool
	ordering *OrderingService
	commands *CommandService
}

type pipelineConfig struct {
	bufferSize     int
	brokerWorkers  int
	poolWorkers    int
	poolQueue      int
	publishTimeout time.Duration
	stallThreshold time.Duration
}

func newPipeline(t *testing.T, cfg pipelineConfig) *pipeline {
	t.Helper()
	logger := zap.NewNop()

	broker := stream.NewBroker(stream.BrokerConfig{
		BufferSize: cfg.bufferSize,
		Workers:    cfg.brokerWorkers,
		Retry:      stream.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		Logger:     logger,
	})
	st := store.NewChangeCaptureStore(store.NewMemoryStore(), broker, logger)
	if cfg.publishTimeout > 0 {
		st.WithPublishTimeout(cfg.publishTimeout)
	}
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "pipeline",
		MaxWorkers: cfg.poolWorkers,
		QueueSize:  cfg.poolQueue,
		Logger:     logger,
	})

	notifier := NewNotifierService(NewHandlerRegistry(), st, st, NotifierConfig{}, nil, logger)
	callbacks := NewCallbackService(st, time.Minute, 100, nil, logger)
	ordering := NewOrderingService(st, callbacks, notifier, pool, nil, logger)
	ordering.SetStallThreshold(cfg.stallThreshold)
	NewStreamConsumer(broker, ordering, logger)
	commands := NewCommandService(st, st, ordering, nil, validation.NewValidator(), CommandServiceConfig{
		SubmitTimeout: 5 * time.Second,
		PollInterval:  10 * time.Millisecond,
		LatestRetries: 3,
	}, nil, logger)

	t.Cleanup(func() { pool.Stop(5 * time.Second) })
	return &pipeline{store: st, broker: broker, pool: pool, ordering: ordering, commands: commands}
}

func (p *pipeline) run(t *testing.T, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fn(ctx)
}

func (p *pipeline) unfinished(t *testing.T) int {
	t.Helper()
	recs, err := p.store.ListCommandsByStatus(context.Background(), nonTerminalStatuses, 0)
	require.NoError(t, err)
	return len(recs)
}

func TestPipeline_SaturatedStreamAndPoolKeepProgressing(t *testing.T) {
	p := newPipeline(t, pipelineConfig{
		bufferSize:    8,
		brokerWorkers: 2,
		poolWorkers:   2,
		poolQueue:     4,
	})
	p.run(t, func(ctx context.Context) { p.broker.Run(ctx) })

	const submitters = 200
	var wg sync.WaitGroup
	errs := make(chan error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.commands.PublishAsync(context.Background(), orderInput(fmt.Sprintf("o-%03d", i), 0, nil), PublishOptions{})
			errs <- err
		}(i)
	}

	submitted := make(chan struct{})
	go func() {
		wg.Wait()
		close(submitted)
	}()
	select {
	case <-submitted:
	case <-time.After(10 * time.Second):
		t.Fatalf("submitters blocked: broker pending=%d pool=%+v", p.broker.Pending(), p.pool.Stats())
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return p.unfinished(t) == 0 }, 10*time.Second, 10*time.Millisecond,
		"pipelines stalled: broker pending=%d pool=%+v", p.broker.Pending(), p.pool.Stats())

	completed, err := p.store.ListCommandsByStatus(context.Background(), []model.CommandStatus{model.CommandStatusCompleted}, 0)
	require.NoError(t, err)
	assert.Len(t, completed, submitters)
}

func TestPipeline_LostInsertEventIsResumed(t *testing.T) {
	p := newPipeline(t, pipelineConfig{
		bufferSize:     1,
		brokerWorkers:  1,
		poolWorkers:    2,
		poolQueue:      16,
		publishTimeout: 20 * time.Millisecond,
		stallThreshold: 50 * time.Millisecond,
	})

	// the broker is not running yet: the first insert fills its buffer and
	// the second one is dropped after the publish timeout
	first, err := p.commands.PublishAsync(context.Background(), orderInput("o-1", 0, nil), PublishOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second, err := p.commands.PublishAsync(ctx, orderInput("o-1", 1, nil), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, second.Status)
	assert.Equal(t, 1, p.broker.Pending())

	p.run(t, func(ctx context.Context) { p.broker.Run(ctx) })
	p.run(t, func(ctx context.Context) { p.ordering.RunSweeper(ctx, 10*time.Millisecond) })

	for _, key := range []model.CommandKey{first.Key(), second.Key()} {
		require.Eventually(t, func() bool {
			rec, err := p.store.GetCommand(context.Background(), key)
			return err == nil && rec.Status == model.CommandStatusCompleted
		}, 5*time.Second, 5*time.Millisecond, "%s never completed", key)
	}

	data, err := p.commands.GetData(context.Background(), testPK, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), data.Version)
}

func TestOrderingService_ResumeStalledSkipsFreshRecords(t *testing.T) {
	p := newPipeline(t, pipelineConfig{
		bufferSize:     4,
		brokerWorkers:  1,
		poolWorkers:    1,
		poolQueue:      4,
		stallThreshold: time.Hour,
	})

	_, err := p.commands.PublishAsync(context.Background(), orderInput("o-1", 0, nil), PublishOptions{})
	require.NoError(t, err)

	resumed, err := p.ordering.ResumeStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	p.ordering.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	resumed, err = p.ordering.ResumeStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
}

func TestOrderingService_RunSweeperStopsWithContext(t *testing.T) {
	p := newPipeline(t, pipelineConfig{bufferSize: 1, brokerWorkers: 1, poolWorkers: 1, poolQueue: 1})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.ordering.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}

	// a zero interval returns immediately
	p.ordering.RunSweeper(context.Background(), 0)
}
