package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/shared"
)

const sessionColumns = `session_id, user_id, manual_id, current_step, status,
	started_at, ended_at, last_activity_at, version, created_at, updated_at`

const updateSessionQuery = `
	UPDATE sessions SET
		current_step = ?, status = ?, ended_at = ?, last_activity_at = ?,
		version = version + 1, updated_at = ?
	WHERE session_id = ? AND version = ?`

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var endedAt sql.NullInt64
	var startedAt, lastActivity, createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.ManualID, &sess.CurrentStep, &status,
		&startedAt, &endedAt, &lastActivity, &sess.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.StartedAt = fromMillis(startedAt)
	sess.EndedAt = fromNullMillis(endedAt)
	sess.LastActivityAt = fromMillis(lastActivity)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.ManualID, session.CurrentStep, string(session.Status),
		toMillis(session.StartedAt), nullableMillis(session.EndedAt), toMillis(session.LastActivityAt),
		session.Version, toMillis(session.CreatedAt), toMillis(session.UpdatedAt),
	)
	if shared.IsUniqueConstraintError(err) {
		return domain.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions matching filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, int, error) {
	var where []string
	var args []interface{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	offset, limit := pageBounds(filter.Offset, filter.Limit)
	query := `SELECT ` + sessionColumns + ` FROM sessions` + clause +
		` ORDER BY created_at DESC, session_id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sessions rows", "error", closeErr)
		}
	}()

	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func collectSessions(rows *sql.Rows) ([]*domain.Session, error) {
	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession performs a version-checked write outside the session lock.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "update_session", func() error {
		return execSessionUpdate(ctx, s.db, session)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func execSessionUpdate(ctx context.Context, db execer, session *domain.Session) error {
	result, err := db.ExecContext(ctx, updateSessionQuery,
		session.CurrentStep, string(session.Status), nullableMillis(session.EndedAt),
		toMillis(session.LastActivityAt), toMillis(session.UpdatedAt),
		session.ID, session.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("session update lost version check",
			"session_id", session.ID,
			"expected_version", session.Version)
		return domain.ErrConcurrentUpdate
	}

	session.Version++
	return nil
}

// DeleteSession removes a session; events and messages cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// WithSessionLock serializes fn against every other locked operation on the
// same session. The session row is re-read inside an immediate transaction
// once the lock is held.
func (s *SQLiteStore) WithSessionLock(ctx context.Context, sessionID string, fn func(tx SessionTx) error) error {
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "session_tx", func() error {
		return s.runSessionTx(ctx, sessionID, fn)
	})
}

func (s *SQLiteStore) runSessionTx(ctx context.Context, sessionID string, fn func(tx SessionTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back session tx", "session_id", sessionID, "error", rbErr)
			}
		}
	}()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	sess, err := scanSession(tx.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read locked session: %w", err)
	}

	if err = fn(&sqliteSessionTx{tx: tx, session: sess}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}

// sqliteSessionTx is the SessionTx handed to WithSessionLock callbacks.
type sqliteSessionTx struct {
	tx      *sql.Tx
	session *domain.Session
}

func (t *sqliteSessionTx) Session() *domain.Session {
	return t.session.Clone()
}

func (t *sqliteSessionTx) EventExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return eventExists(ctx, t.tx, t.session.ID, idempotencyKey)
}

func (t *sqliteSessionTx) AppendEvent(ctx context.Context, event *domain.ProgressEvent) error {
	query := `
		INSERT INTO progress_events (
			id, session_id, step_number, step_status, previous_step,
			advanced, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.tx.ExecContext(ctx, query,
		event.ID, t.session.ID, event.StepNumber, string(event.StepStatus), event.PreviousStep,
		event.Advanced, nullableString(event.IdempotencyKey), toMillis(event.CreatedAt),
	)
	if shared.IsUniqueConstraintError(err) {
		return &domain.DuplicateProgressError{SessionID: t.session.ID, IdempotencyKey: event.IdempotencyKey}
	}
	if err != nil {
		return fmt.Errorf("insert progress event: %w", err)
	}
	return nil
}

func (t *sqliteSessionTx) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return insertMessage(ctx, t.tx, t.session.ID, msg)
}

func (t *sqliteSessionTx) Save(ctx context.Context, session *domain.Session) error {
	if session.ID != t.session.ID {
		return fmt.Errorf("save session %q inside lock for %q", session.ID, t.session.ID)
	}
	if err := execSessionUpdate(ctx, t.tx, session); err != nil {
		return err
	}
	t.session = session.Clone()
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func eventExists(ctx context.Context, db queryRower, sessionID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM progress_events WHERE session_id = ? AND idempotency_key = ?)`
	if err := db.QueryRowContext(ctx, query, sessionID, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check progress event: %w", err)
	}
	return exists, nil
}

// ProgressEventExists reports whether the idempotency key was already used.
func (s *SQLiteStore) ProgressEventExists(ctx context.Context, sessionID, idempotencyKey string) (bool, error) {
	return eventExists(ctx, s.db, sessionID, idempotencyKey)
}

// ListProgressEvents returns every event recorded for a session.
func (s *SQLiteStore) ListProgressEvents(ctx context.Context, sessionID string) ([]*domain.ProgressEvent, error) {
	query := `
		SELECT id, session_id, step_number, step_status, previous_step,
		       advanced, idempotency_key, created_at
		FROM progress_events WHERE session_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query progress events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close progress event rows", "error", closeErr)
		}
	}()

	var events []*domain.ProgressEvent
	for rows.Next() {
		var ev domain.ProgressEvent
		var status string
		var key sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.StepNumber, &status, &ev.PreviousStep,
			&ev.Advanced, &key, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan progress event row: %w", err)
		}
		ev.StepStatus = domain.StepStatus(status)
		ev.IdempotencyKey = key.String
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress events: %w", err)
	}
	return events, nil
}

// StaleSessions returns active sessions idle since before cutoff, oldest first.
func (s *SQLiteStore) StaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Session, error) {
	_, limit = pageBounds(0, limit)
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'active' AND last_activity_at < ?
		ORDER BY last_activity_at LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale session rows", "error", closeErr)
		}
	}()

	return collectSessions(rows)
}
