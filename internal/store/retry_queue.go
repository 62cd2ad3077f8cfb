package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/shared"
)

var ErrRetryTaskNotFound = errors.New("retry task not found")

const retryColumns = `id, event_type, session_id, body, status, attempt_count,
	next_retry_at, last_attempt_at, last_error, created_at, updated_at`

func scanRetryTask(row rowScanner) (*domain.RetryTask, error) {
	var task domain.RetryTask
	var eventType, status string
	var sessionID, lastError sql.NullString
	var lastAttempt sql.NullInt64
	var nextRetry, createdAt, updatedAt int64

	err := row.Scan(
		&task.ID, &eventType, &sessionID, &task.Body, &status, &task.AttemptCount,
		&nextRetry, &lastAttempt, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.EventType = domain.EventType(eventType)
	task.SessionID = sessionID.String
	task.Status = domain.RetryStatus(status)
	task.NextRetryAt = fromMillis(nextRetry)
	task.LastAttemptAt = fromNullMillis(lastAttempt)
	task.LastError = lastError.String
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	return &task, nil
}

// EnqueueRetry persists a new task.
func (s *SQLiteStore) EnqueueRetry(ctx context.Context, task *domain.RetryTask) error {
	if task.Status == "" {
		task.Status = domain.RetryPending
	}
	query := `INSERT INTO retry_tasks (` + retryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "enqueue_retry", func() error {
		_, err := s.db.ExecContext(ctx, query,
			task.ID, string(task.EventType), nullableString(task.SessionID), task.Body,
			string(task.Status), task.AttemptCount, toMillis(task.NextRetryAt),
			nullableMillis(task.LastAttemptAt), nullableString(task.LastError),
			toMillis(task.CreatedAt), toMillis(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert retry task: %w", err)
		}
		return nil
	})
}

// ClaimDueRetries flips due pending tasks to in_flight in a single statement,
// so concurrent callers never receive the same task.
func (s *SQLiteStore) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.RetryTask, error) {
	_, limit = pageBounds(0, limit)
	query := `
		UPDATE retry_tasks SET status = 'in_flight', updated_at = ?
		WHERE id IN (
			SELECT id FROM retry_tasks
			WHERE status = 'pending' AND next_retry_at <= ?
			ORDER BY next_retry_at, created_at
			LIMIT ?
		)
		RETURNING ` + retryColumns

	var tasks []*domain.RetryTask
	err := shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "claim_retries", func() error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, query, toMillis(now), toMillis(now), limit)
		if err != nil {
			return fmt.Errorf("claim retry tasks: %w", err)
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close claimed retry rows", "error", closeErr)
			}
		}()

		for rows.Next() {
			task, err := scanRetryTask(rows)
			if err != nil {
				return fmt.Errorf("scan claimed retry row: %w", err)
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// RETURNING does not follow the subquery's ORDER BY.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].NextRetryAt.Before(tasks[j].NextRetryAt)
	})
	return tasks, nil
}

// MarkRetryResult records the outcome of an attempt on an in_flight task.
func (s *SQLiteStore) MarkRetryResult(ctx context.Context, taskID string, result domain.AttemptResult) error {
	query := `
		UPDATE retry_tasks SET
			status = ?, attempt_count = ?, next_retry_at = ?,
			last_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'in_flight'`

	attempted := result.AttemptedAt
	return shared.RetryOnConflict(ctx, busyRetries, busyBaseDelay, "mark_retry", func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(result.Status), result.AttemptCount, toMillis(result.NextRetryAt),
			nullableMillis(&attempted), nullableString(result.LastError), toMillis(attempted),
			taskID,
		)
		if err != nil {
			return fmt.Errorf("mark retry task: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("mark retry task %s: %w", taskID, ErrRetryTaskNotFound)
		}
		return nil
	})
}

// RequeueInFlight returns tasks stranded in_flight by a previous process to pending.
func (s *SQLiteStore) RequeueInFlight(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// GetRetryTask retrieves a single task.
func (s *SQLiteStore) GetRetryTask(ctx context.Context, taskID string) (*domain.RetryTask, error) {
	task, err := scanRetryTask(s.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_tasks WHERE id = ?`, taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRetryTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan retry task row: %w", err)
	}
	return task, nil
}

// ListRetryTasks returns tasks by status, oldest first.
func (s *SQLiteStore) ListRetryTasks(ctx context.Context, status domain.RetryStatus, limit int) ([]*domain.RetryTask, error) {
	_, limit = pageBounds(0, limit)
	query := `SELECT ` + retryColumns + ` FROM retry_tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry tasks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close retry task rows", "error", closeErr)
		}
	}()

	var tasks []*domain.RetryTask
	for rows.Next() {
		task, err := scanRetryTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry tasks: %w", err)
	}
	return tasks, nil
}

// RetryQueueStats counts tasks per status.
func (s *SQLiteStore) RetryQueueStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM retry_tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query retry stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close retry stats rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan retry stats row: %w", err)
		}
		switch domain.RetryStatus(status) {
		case domain.RetryPending:
			stats.Pending = count
		case domain.RetryInFlight:
			stats.InFlight = count
		case domain.RetrySucceeded:
			stats.Succeeded = count
		case domain.RetryFailedPermanent:
			stats.FailedPermanent = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate retry stats: %w", err)
	}
	return stats, nil
}

// PurgeSucceeded deletes succeeded tasks last updated before the cutoff.
func (s *SQLiteStore) PurgeSucceeded(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_tasks WHERE status = 'succeeded' AND updated_at < ?`, toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("purge succeeded tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
