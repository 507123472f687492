package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed pgmigrations/0001_engine.sql
var postgresSchema string

// Notification is the payload sent on the change channel for every command write
type Notification struct {
	EventType model.ChangeEventType `json:"eventType"`
	PK        string                `json:"pk"`
	SK        string                `json:"sk"`
	Version   int64                 `json:"version"`
	Status    model.CommandStatus   `json:"status"`
}

// PostgresStore implements Store using PostgreSQL. Command writes emit a
// pg_notify on the configured channel inside the write transaction.
type PostgresStore struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// NewPostgresStore connects a pool and ensures the schema exists
func NewPostgresStore(ctx context.Context, connString, channel string, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL command store",
		zap.String("channel", channel),
		zap.Int32("max_conns", config.MaxConns))

	return &PostgresStore{pool: pool, channel: channel, logger: logger}, nil
}

// Pool exposes the connection pool for the change listener
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Channel is the notification channel name
func (s *PostgresStore) Channel() string {
	return s.channel
}

const pgCommandColumns = `body, status, callback_token, error, status_updated_at`

func scanPGCommand(row pgx.Row) (*model.CommandRecord, error) {
	var (
		body                  []byte
		status, token, errMsg string
		statusUpdated         *time.Time
	)
	if err := row.Scan(&body, &status, &token, &errMsg, &statusUpdated); err != nil {
		return nil, err
	}
	var at time.Time
	if statusUpdated != nil {
		at = statusUpdated.UTC()
	}
	return decodeCommand(body, status, token, errMsg, at)
}

func (s *PostgresStore) queryCommands(ctx context.Context, query string, args ...any) ([]*model.CommandRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	out := make([]*model.CommandRecord, 0)
	for rows.Next() {
		rec, err := scanPGCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, eventType model.ChangeEventType, rec *model.CommandRecord) error {
	payload, err := json.Marshal(Notification{
		EventType: eventType,
		PK:        rec.PK,
		SK:        rec.SK,
		Version:   rec.Version,
		Status:    rec.Status,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// GetCommand returns one command version
func (s *PostgresStore) GetCommand(ctx context.Context, key model.CommandKey) (*model.CommandRecord, error) {
	rec, err := scanPGCommand(s.pool.QueryRow(ctx,
		`SELECT `+pgCommandColumns+` FROM commands WHERE pk = $1 AND sk = $2 AND version = $3`,
		key.PK, key.SK, key.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return rec, nil
}

// LatestCommand returns the highest version of an aggregate
func (s *PostgresStore) LatestCommand(ctx context.Context, item model.ItemKey) (*model.CommandRecord, error) {
	recs, err := s.ListCommandVersions(ctx, item, 1, true)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// ListCommandVersions lists the versions of one aggregate
func (s *PostgresStore) ListCommandVersions(ctx context.Context, item model.ItemKey, limit int, descending bool) ([]*model.CommandRecord, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := `SELECT ` + pgCommandColumns + ` FROM commands WHERE pk = $1 AND sk = $2 ORDER BY version ` + order
	args := []any{item.PK, item.SK}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// QueryCommands scans a partition ordered by (sk, version)
func (s *PostgresStore) QueryCommands(ctx context.Context, pk string, q Query) ([]*model.CommandRecord, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := `SELECT ` + pgCommandColumns + ` FROM commands WHERE pk = $1 AND sk LIKE $2 ESCAPE '\' ORDER BY sk ` + order + `, version ` + order
	args := []any{pk, prefixPattern(q.SKPrefix)}
	if q.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, q.Limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// PutCommand conditionally inserts a version and notifies listeners
func (s *PostgresStore) PutCommand(ctx context.Context, rec *model.CommandRecord) error {
	body, err := encodeCommand(rec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if rec.Version > 1 {
		var prev bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM commands WHERE pk = $1 AND sk = $2 AND version = $3)`,
			rec.PK, rec.SK, rec.Version-1).Scan(&prev); err != nil {
			return fmt.Errorf("failed to check previous version: %w", err)
		}
		// versions are gapless, so a missing predecessor also means the target is free
		if !prev {
			return ErrNotFound
		}
	}

	var statusUpdated *time.Time
	if !rec.StatusUpdatedAt.IsZero() {
		statusUpdated = &rec.StatusUpdatedAt
	}
	result, err := tx.Exec(ctx, `
		INSERT INTO commands (pk, sk, version, status, callback_token, error, status_updated_at, created_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pk, sk, version) DO NOTHING
	`,
		rec.PK, rec.SK, rec.Version, string(rec.Status), rec.CallbackToken, rec.Error,
		statusUpdated, rec.CreatedAt, body,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConditionFailed
	}

	if err := s.notify(ctx, tx, model.ChangeEventInsert, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit command: %w", err)
	}
	return nil
}

// TransitionCommand compares and sets the mutable command fields
func (s *PostgresStore) TransitionCommand(ctx context.Context, key model.CommandKey, t Transition) (*model.CommandRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanPGCommand(tx.QueryRow(ctx,
		`SELECT `+pgCommandColumns+` FROM commands WHERE pk = $1 AND sk = $2 AND version = $3 FOR UPDATE`,
		key.PK, key.SK, key.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load command: %w", err)
	}
	if !t.allows(rec.Status) {
		return nil, ErrConditionFailed
	}

	applyTransition(rec, t)
	if _, err := tx.Exec(ctx, `
		UPDATE commands SET status = $4, callback_token = $5, error = $6, status_updated_at = $7
		WHERE pk = $1 AND sk = $2 AND version = $3
	`,
		key.PK, key.SK, key.Version,
		string(rec.Status), rec.CallbackToken, rec.Error, rec.StatusUpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to update command status: %w", err)
	}

	if err := s.notify(ctx, tx, model.ChangeEventModify, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return rec, nil
}

// ListCommandsByStatus returns records in any of the statuses, oldest first
func (s *PostgresStore) ListCommandsByStatus(ctx context.Context, statuses []model.CommandStatus, limit int) ([]*model.CommandRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + pgCommandColumns + ` FROM commands WHERE status = ANY($1) ORDER BY created_at, version`
	args := []any{statusStrings(statuses)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// GetData returns the materialized view of an aggregate
func (s *PostgresStore) GetData(ctx context.Context, item model.ItemKey) (*model.DataRecord, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM data WHERE pk = $1 AND sk = $2`, item.PK, item.SK).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return decodeData(body)
}

// PutData writes the view when it moves the version forward
func (s *PostgresStore) PutData(ctx context.Context, rec *model.DataRecord) error {
	body, err := encodeData(rec)
	if err != nil {
		return err
	}
	result, err := s.pool.Exec(ctx, `
		INSERT INTO data (pk, sk, version, body) VALUES ($1, $2, $3, $4)
		ON CONFLICT (pk, sk) DO UPDATE SET version = EXCLUDED.version, body = EXCLUDED.body
		WHERE data.version < EXCLUDED.version
	`, rec.PK, rec.SK, rec.Version, body)
	if err != nil {
		return fmt.Errorf("failed to put data: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

// QueryData scans the view of a partition ordered by sk
func (s *PostgresStore) QueryData(ctx context.Context, pk string, q Query) ([]*model.DataRecord, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := `SELECT body FROM data WHERE pk = $1 AND sk LIKE $2 ESCAPE '\' ORDER BY sk ` + order
	args := []any{pk, prefixPattern(q.SKPrefix)}
	if q.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data: %w", err)
	}
	defer rows.Close()

	out := make([]*model.DataRecord, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan data: %w", err)
		}
		rec, err := decodeData(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Increment atomically adds delta to a counter, creating it at zero
func (s *PostgresStore) Increment(ctx context.Context, key model.CounterKey, delta int64) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO counters (scope, period, value) VALUES ($1, $2, $3)
		ON CONFLICT (scope, period) DO UPDATE SET value = counters.value + EXCLUDED.value
		RETURNING value
	`, key.Scope, key.Period, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return value, nil
}

// CreateWait stores a new open wait
func (s *PostgresStore) CreateWait(ctx context.Context, w *model.WaitRecord) error {
	payload, err := encodePayload(w.Payload)
	if err != nil {
		return err
	}
	result, err := s.pool.Exec(ctx, `
		INSERT INTO waits (token, owner_pk, owner_sk, owner_version, state, payload, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token) DO NOTHING
	`, w.Token, w.Owner.PK, w.Owner.SK, w.Owner.Version, string(w.State), payload, w.CreatedAt, w.Deadline)
	if err != nil {
		return fmt.Errorf("failed to create wait: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

const pgWaitColumns = `token, owner_pk, owner_sk, owner_version, state, payload, created_at, deadline, completed_at`

func scanPGWait(row pgx.Row) (*model.WaitRecord, error) {
	var (
		w         model.WaitRecord
		state     string
		payload   []byte
		completed *time.Time
	)
	if err := row.Scan(&w.Token, &w.Owner.PK, &w.Owner.SK, &w.Owner.Version, &state, &payload,
		&w.CreatedAt, &w.Deadline, &completed); err != nil {
		return nil, err
	}
	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	w.State = model.WaitState(state)
	w.Payload = p
	if completed != nil {
		w.CompletedAt = completed.UTC()
	}
	return &w, nil
}

// GetWait returns a wait by token
func (s *PostgresStore) GetWait(ctx context.Context, token string) (*model.WaitRecord, error) {
	w, err := scanPGWait(s.pool.QueryRow(ctx, `SELECT `+pgWaitColumns+` FROM waits WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wait: %w", err)
	}
	return w, nil
}

// CompleteWait closes an open wait exactly once
func (s *PostgresStore) CompleteWait(ctx context.Context, token string, state model.WaitState, payload model.SignalPayload, at time.Time) (*model.WaitRecord, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	w, err := scanPGWait(s.pool.QueryRow(ctx, `
		UPDATE waits SET state = $2, payload = $3, completed_at = $4
		WHERE token = $1 AND state = $5
		RETURNING `+pgWaitColumns,
		token, string(state), body, at, string(model.WaitStateWaiting)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetWait(ctx, token); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete wait: %w", err)
	}
	return w, nil
}

// ListExpiredWaits returns open waits whose deadline passed
func (s *PostgresStore) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*model.WaitRecord, error) {
	query := `SELECT ` + pgWaitColumns + ` FROM waits WHERE state = $1 AND deadline <= $2 ORDER BY deadline`
	args := []any{string(model.WaitStateWaiting), now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired waits: %w", err)
	}
	defer rows.Close()

	out := make([]*model.WaitRecord, 0)
	for rows.Next() {
		w, err := scanPGWait(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wait: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
