package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broker is an in-process change stream fed by the change capture store
type Broker struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan model.ChangeEvent
	workers  int
	deliver  *deliverer
	logger   *zap.Logger
}

// BrokerConfig holds broker configuration
type BrokerConfig struct {
	BufferSize int
	Workers    int
	Retry      RetryPolicy
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// NewBroker creates a broker. Events published before Run are buffered.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Broker{
		queue:   make(chan model.ChangeEvent, cfg.BufferSize),
		workers: cfg.Workers,
		logger:  cfg.Logger,
		deliver: &deliverer{
			source:  "broker",
			policy:  cfg.Retry,
			logger:  cfg.Logger,
			metrics: cfg.Metrics,
		},
	}
}

// Subscribe registers a handler
func (b *Broker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event, blocking while the buffer is full
func (b *Broker) Publish(ctx context.Context, event model.ChangeEvent) error {
	select {
	case b.queue <- event:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish change event: %w", ctx.Err())
	}
}

// TryPublish enqueues an event without blocking and reports whether it was
// accepted
func (b *Broker) TryPublish(event model.ChangeEvent) bool {
	select {
	case b.queue <- event:
		return true
	default:
		return false
	}
}

// Run dispatches events to subscribers until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	b.logger.Info("Change broker started", zap.Int("workers", b.workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case event := <-b.queue:
					b.mu.RLock()
					handlers := b.handlers
					b.mu.RUnlock()
					b.deliver.deliver(gctx, handlers, event)
				}
			}
		})
	}
	err := g.Wait()
	b.logger.Info("Change broker stopped")
	return err
}

// Pending returns the number of buffered events
func (b *Broker) Pending() int {
	return len(b.queue)
}
