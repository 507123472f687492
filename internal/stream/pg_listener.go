package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGListener turns PostgreSQL notifications on the command channel into change events
type PGListener struct {
	pool     *pgxpool.Pool
	channel  string
	commands store.CommandStore
	logger   *zap.Logger
	deliver  *deliverer

	mu       sync.RWMutex
	handlers []Handler
}

// NewPGListener creates a listener on channel. Records are loaded from commands
// so the event always carries the committed image.
func NewPGListener(pool *pgxpool.Pool, channel string, commands store.CommandStore, retry RetryPolicy, logger *zap.Logger, m *metrics.Metrics) *PGListener {
	return &PGListener{
		pool:     pool,
		channel:  channel,
		commands: commands,
		logger:   logger,
		deliver: &deliverer{
			source:  "postgres",
			policy:  retry,
			logger:  logger,
			metrics: m,
		},
	}
}

// Subscribe registers a handler
func (l *PGListener) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Run listens until ctx is done, reconnecting on connection loss
func (l *PGListener) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("Change listener disconnected, reconnecting",
			zap.String("channel", l.channel),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	l.logger.Info("Listening for command changes", zap.String("channel", l.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		event, err := l.toEvent(ctx, n.Payload)
		if err != nil {
			l.logger.Error("Dropping malformed change notification",
				zap.String("payload", n.Payload),
				zap.Error(err))
			continue
		}

		l.mu.RLock()
		handlers := l.handlers
		l.mu.RUnlock()
		l.deliver.deliver(ctx, handlers, event)
	}
}

func (l *PGListener) toEvent(ctx context.Context, payload string) (model.ChangeEvent, error) {
	var n store.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("failed to decode notification: %w", err)
	}

	rec, err := l.commands.GetCommand(ctx, model.CommandKey{PK: n.PK, SK: n.SK, Version: n.Version})
	if errors.Is(err, store.ErrNotFound) {
		return model.ChangeEvent{}, fmt.Errorf("notified command %s@%d not found", n.PK, n.Version)
	}
	if err != nil {
		return model.ChangeEvent{}, err
	}
	return model.ChangeEvent{EventType: n.EventType, New: rec}, nil
}
