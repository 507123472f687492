package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed sqlitemigrations/*.sql
var sqliteMigrations embed.FS

const sqliteMigrationTable = "schema_migrations"

// SQLiteStore implements Store on an embedded SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database at path and applies migrations
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer connection: conditional writes rely on serialized transactions
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func applySQLiteMigrations(db *sql.DB) error {
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`, sqliteMigrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(sqliteMigrations, "sqlitemigrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied int
		if err := db.QueryRow(
			fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE name = ?", sqliteMigrationTable), name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(sqliteMigrations, "sqlitemigrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(upSection(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (?, ?)", sqliteMigrationTable),
			name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// upSection returns the SQL between "-- +migrate Up" and "-- +migrate Down"
func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	content = content[start+len(up):]
	if end := strings.Index(content, down); end != -1 {
		content = content[:end]
	}
	return content
}

const sqliteCommandColumns = `body, status, callback_token, error, status_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCommand(row rowScanner) (*model.CommandRecord, error) {
	var (
		body, status, token, errMsg string
		statusUpdated               int64
	)
	if err := row.Scan(&body, &status, &token, &errMsg, &statusUpdated); err != nil {
		return nil, err
	}
	return decodeCommand([]byte(body), status, token, errMsg, fromMillis(statusUpdated))
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...any) ([]*model.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []*model.CommandRecord
	for rows.Next() {
		rec, err := scanSQLiteCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCommand returns one command version
func (s *SQLiteStore) GetCommand(ctx context.Context, key model.CommandKey) (*model.CommandRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCommandColumns+` FROM commands WHERE pk = ? AND sk = ? AND version = ?`,
		key.PK, key.SK, key.Version)
	rec, err := scanSQLiteCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return rec, nil
}

// LatestCommand returns the highest version of an aggregate
func (s *SQLiteStore) LatestCommand(ctx context.Context, item model.ItemKey) (*model.CommandRecord, error) {
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
func (s *SQLiteStore) ListCommandVersions(ctx context.Context, item model.ItemKey, limit int, descending bool) ([]*model.CommandRecord, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := `SELECT ` + sqliteCommandColumns + ` FROM commands WHERE pk = ? AND sk = ? ORDER BY version ` + order
	args := []any{item.PK, item.SK}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// QueryCommands scans a partition ordered by (sk, version)
func (s *SQLiteStore) QueryCommands(ctx context.Context, pk string, q Query) ([]*model.CommandRecord, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := `SELECT ` + sqliteCommandColumns + ` FROM commands WHERE pk = ? AND sk GLOB ? ORDER BY sk ` + order + `, version ` + order
	args := []any{pk, globPattern(q.SKPrefix)}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// PutCommand conditionally inserts a version
func (s *SQLiteStore) PutCommand(ctx context.Context, rec *model.CommandRecord) error {
	body, err := encodeCommand(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put command: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM commands WHERE pk = ? AND sk = ? AND version = ?`,
		rec.PK, rec.SK, rec.Version).Scan(&exists); err != nil {
		return fmt.Errorf("check command version: %w", err)
	}
	if exists > 0 {
		return ErrConditionFailed
	}

	if rec.Version > 1 {
		var prev int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM commands WHERE pk = ? AND sk = ? AND version = ?`,
			rec.PK, rec.SK, rec.Version-1).Scan(&prev); err != nil {
			return fmt.Errorf("check previous version: %w", err)
		}
		if prev == 0 {
			return ErrNotFound
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO commands (pk, sk, version, status, callback_token, error, status_updated_at, created_at, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PK, rec.SK, rec.Version, string(rec.Status), rec.CallbackToken, rec.Error,
		toMillis(rec.StatusUpdatedAt), toMillis(rec.CreatedAt), string(body),
	); err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put command: %w", err)
	}
	return nil
}

// TransitionCommand compares and sets the mutable command fields
func (s *SQLiteStore) TransitionCommand(ctx context.Context, key model.CommandKey, t Transition) (*model.CommandRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSQLiteCommand(tx.QueryRowContext(ctx,
		`SELECT `+sqliteCommandColumns+` FROM commands WHERE pk = ? AND sk = ? AND version = ?`,
		key.PK, key.SK, key.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command: %w", err)
	}
	if !t.allows(rec.Status) {
		return nil, ErrConditionFailed
	}

	applyTransition(rec, t)
	if _, err := tx.ExecContext(ctx, `
UPDATE commands SET status = ?, callback_token = ?, error = ?, status_updated_at = ?
WHERE pk = ? AND sk = ? AND version = ?`,
		string(rec.Status), rec.CallbackToken, rec.Error, toMillis(rec.StatusUpdatedAt),
		key.PK, key.SK, key.Version,
	); err != nil {
		return nil, fmt.Errorf("update command status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return rec, nil
}

// ListCommandsByStatus returns records in any of the statuses, oldest first
func (s *SQLiteStore) ListCommandsByStatus(ctx context.Context, statuses []model.CommandStatus, limit int) ([]*model.CommandRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statusStrings(statuses) {
		args = append(args, st)
	}
	query := `SELECT ` + sqliteCommandColumns + ` FROM commands WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY created_at, version`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// GetData returns the materialized view of an aggregate
func (s *SQLiteStore) GetData(ctx context.Context, item model.ItemKey) (*model.DataRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM data WHERE pk = ? AND sk = ?`, item.PK, item.SK).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data: %w", err)
	}
	return decodeData([]byte(body))
}

// PutData writes the view when it moves the version forward
func (s *SQLiteStore) PutData(ctx context.Context, rec *model.DataRecord) error {
	body, err := encodeData(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO data (pk, sk, version, body) VALUES (?, ?, ?, ?)
ON CONFLICT (pk, sk) DO UPDATE SET version = excluded.version, body = excluded.body
WHERE data.version < excluded.version`,
		rec.PK, rec.SK, rec.Version, string(body))
	if err != nil {
		return fmt.Errorf("put data: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put data rows affected: %w", err)
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

// QueryData scans the view of a partition ordered by sk
func (s *SQLiteStore) QueryData(ctx context.Context, pk string, q Query) ([]*model.DataRecord, error) {
	order := "ASC"
	if q.Descending {
		order = "DESC"
	}
	query := `SELECT body FROM data WHERE pk = ? AND sk GLOB ? ORDER BY sk ` + order
	args := []any{pk, globPattern(q.SKPrefix)}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query data: %w", err)
	}
	defer rows.Close()

	var out []*model.DataRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan data: %w", err)
		}
		rec, err := decodeData([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Increment atomically adds delta to a counter, creating it at zero
func (s *SQLiteStore) Increment(ctx context.Context, key model.CounterKey, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO counters (scope, period, value) VALUES (?, ?, ?)
ON CONFLICT (scope, period) DO UPDATE SET value = counters.value + excluded.value
RETURNING value`,
		key.Scope, key.Period, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return value, nil
}

// CreateWait stores a new open wait
func (s *SQLiteStore) CreateWait(ctx context.Context, w *model.WaitRecord) error {
	payload, err := encodePayload(w.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO waits (token, owner_pk, owner_sk, owner_version, state, payload, created_at, deadline, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (token) DO NOTHING`,
		w.Token, w.Owner.PK, w.Owner.SK, w.Owner.Version, string(w.State), string(payload),
		toMillis(w.CreatedAt), toMillis(w.Deadline), toMillis(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("create wait: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionFailed
	}
	return nil
}

const sqliteWaitColumns = `token, owner_pk, owner_sk, owner_version, state, payload, created_at, deadline, completed_at`

func scanSQLiteWait(row rowScanner) (*model.WaitRecord, error) {
	var (
		w                              model.WaitRecord
		state, payload                 string
		createdAt, deadline, completed int64
	)
	if err := row.Scan(&w.Token, &w.Owner.PK, &w.Owner.SK, &w.Owner.Version, &state, &payload,
		&createdAt, &deadline, &completed); err != nil {
		return nil, err
	}
	p, err := decodePayload([]byte(payload))
	if err != nil {
		return nil, err
	}
	w.State = model.WaitState(state)
	w.Payload = p
	w.CreatedAt = fromMillis(createdAt)
	w.Deadline = fromMillis(deadline)
	w.CompletedAt = fromMillis(completed)
	return &w, nil
}

// GetWait returns a wait by token
func (s *SQLiteStore) GetWait(ctx context.Context, token string) (*model.WaitRecord, error) {
	w, err := scanSQLiteWait(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteWaitColumns+` FROM waits WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wait: %w", err)
	}
	return w, nil
}

// CompleteWait closes an open wait exactly once
func (s *SQLiteStore) CompleteWait(ctx context.Context, token string, state model.WaitState, payload model.SignalPayload, at time.Time) (*model.WaitRecord, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE waits SET state = ?, payload = ?, completed_at = ?
WHERE token = ? AND state = ?`,
		string(state), string(body), toMillis(at), token, string(model.WaitStateWaiting))
	if err != nil {
		return nil, fmt.Errorf("complete wait: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("complete wait rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetWait(ctx, token); err != nil {
			return nil, err
		}
		return nil, ErrConditionFailed
	}
	return s.GetWait(ctx, token)
}

// ListExpiredWaits returns open waits whose deadline passed
func (s *SQLiteStore) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*model.WaitRecord, error) {
	query := `SELECT ` + sqliteWaitColumns + ` FROM waits WHERE state = ? AND deadline <= ? ORDER BY deadline`
	args := []any{string(model.WaitStateWaiting), toMillis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired waits: %w", err)
	}
	defer rows.Close()

	var out []*model.WaitRecord
	for rows.Next() {
		w, err := scanSQLiteWait(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wait: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
