package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedLocks
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock
	// up front so a read-then-write transaction never fails to upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		locks: newKeyedLocks(),
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS manuals (
		manual_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		total_steps INTEGER NOT NULL CHECK (total_steps >= 1),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS manual_steps (
		manual_id TEXT NOT NULL REFERENCES manuals(manual_id) ON DELETE CASCADE,
		step_number INTEGER NOT NULL CHECK (step_number >= 1),
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (manual_id, step_number)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		manual_id TEXT NOT NULL REFERENCES manuals(manual_id),
		current_step INTEGER NOT NULL DEFAULT 1 CHECK (current_step >= 1),
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'abandoned')),
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		last_activity_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at);

	CREATE TABLE IF NOT EXISTS progress_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		step_number INTEGER NOT NULL,
		step_status TEXT NOT NULL CHECK (step_status IN ('DONE', 'ONGOING')),
		previous_step INTEGER NOT NULL,
		advanced INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_progress_events_session ON progress_events(session_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		sender TEXT NOT NULL CHECK (sender IN ('user', 'agent', 'system')),
		message_text TEXT NOT NULL,
		step_at_time INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS retry_tasks (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		session_id TEXT,
		body BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'in_flight', 'succeeded', 'failed_permanent')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_attempt_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_tasks_due ON retry_tasks(status, next_retry_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Times are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func pageBounds(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return offset, limit
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
