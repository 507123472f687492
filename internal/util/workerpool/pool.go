// Package workerpool runs pipeline steps on a bounded set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Submit once Stop has been called
var ErrStopped = errors.New("worker pool stopped")

// Task is one pipeline step. ID names the step and Key the command it
// advances; both are used for logging and metrics only.
type Task struct {
	ID      string
	Key     string
	Fn      func(context.Context) error
	Context context.Context
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnFinish is invoked after every task, queued or inline
	OnFinish func(task Task, err error, d time.Duration)
}

// WorkerPool executes steps from a shared queue. Steps are never dropped:
// Dispatch falls back to the caller's goroutine when the queue is full.
type WorkerPool struct {
	name     string
	workers  int
	queue    chan Task
	logger   *zap.Logger
	onFinish func(task Task, err error, d time.Duration)

	closing   chan struct{}
	closeOnce sync.Once
	group     errgroup.Group

	busy      atomic.Int32
	queued    atomic.Uint64
	inline    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:     cfg.Name,
		workers:  workers,
		queue:    make(chan Task, queueSize),
		logger:   logger,
		onFinish: cfg.OnFinish,
		closing:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		id := i
		p.group.Go(func() error {
			p.work(id)
			return nil
		})
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))
	return p
}

func (p *WorkerPool) work(id int) {
	for {
		select {
		case task := <-p.queue:
			p.execute(id, task)
		case <-p.closing:
			// accepted steps still run so no pipeline is left half advanced
			for {
				select {
				case task := <-p.queue:
					p.execute(id, task)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	start := time.Now()
	err := p.call(task)
	elapsed := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Pipeline step failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("step", task.ID),
			zap.String("key", task.Key),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	} else {
		p.succeeded.Add(1)
	}

	if p.onFinish != nil {
		p.onFinish(task, err, elapsed)
	}
}

func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", task.ID, r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// TrySubmit queues a task without blocking. It reports false when the queue
// is full or the pool is stopping.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.closing:
		p.refused.Add(1)
		return false
	default:
	}

	select {
	case p.queue <- task:
		p.queued.Add(1)
		return true
	default:
		p.refused.Add(1)
		return false
	}
}

// Submit queues a task, waiting for queue capacity until ctx is done. Callers
// that feed the pool from outside, such as change stream consumers, use it so
// they never execute a step on their own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.closing:
		p.refused.Add(1)
		return ErrStopped
	default:
	}

	select {
	case p.queue <- task:
		p.queued.Add(1)
		return nil
	case <-p.closing:
		p.refused.Add(1)
		return ErrStopped
	case <-ctx.Done():
		p.refused.Add(1)
		return fmt.Errorf("submit %s: %w", task.ID, ctx.Err())
	}
}

// Dispatch queues a task or, when that is not possible, runs it on the
// calling goroutine. Steps dispatching their follow-up step use it.
func (p *WorkerPool) Dispatch(task Task) {
	if p.TrySubmit(task) {
		return
	}
	p.inline.Add(1)
	p.logger.Debug("Running pipeline step inline",
		zap.String("pool", p.name),
		zap.String("step", task.ID),
		zap.String("key", task.Key))
	p.execute(-1, task)
}

// Stop refuses new tasks, drains the queue and waits up to timeout for the
// workers to exit
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.closeOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("pool", p.name))
		close(p.closing)
	})

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool did not drain in time",
			zap.String("pool", p.name),
			zap.Int("queued", len(p.queue)))
		return fmt.Errorf("worker pool %s: stop timed out after %v", p.name, timeout)
	}
}

// Stats is a point in time snapshot of pool counters
type Stats struct {
	Name           string
	Workers        int
	BusyWorkers    int
	QueueSize      int
	QueuedTasks    int
	AcceptedTasks  uint64
	InlineTasks    uint64
	SucceededTasks uint64
	FailedTasks    uint64
	RefusedTasks   uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		Workers:        p.workers,
		BusyWorkers:    int(p.busy.Load()),
		QueueSize:      cap(p.queue),
		QueuedTasks:    len(p.queue),
		AcceptedTasks:  p.queued.Load(),
		InlineTasks:    p.inline.Load(),
		SucceededTasks: p.succeeded.Load(),
		FailedTasks:    p.failed.Load(),
		RefusedTasks:   p.refused.Load(),
	}
}

// Saturation is the queue fill ratio in [0, 1]
func (s Stats) Saturation() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize)
}
