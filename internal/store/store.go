// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
)

// ManualRepository is the manual catalog's backing store.
type ManualRepository interface {
	// CreateManual inserts a manual and its steps. Returns domain.ErrManualExists
	// if the id is taken.
	CreateManual(ctx context.Context, manual *domain.Manual) error

	// GetManual returns a manual with its steps or domain.ErrManualNotFound.
	GetManual(ctx context.Context, manualID string) (*domain.Manual, error)

	// ListManuals returns a page of manuals and the total count.
	ListManuals(ctx context.Context, offset, limit int) ([]*domain.Manual, int, error)
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID string
	Status domain.SessionStatus
	Offset int
	Limit  int
}

// SessionRepository holds sessions and everything that hangs off them.
type SessionRepository interface {
	// CreateSession inserts a new session. Returns domain.ErrSessionExists
	// if the id is taken.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns the committed state of a session or domain.ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns a page of sessions, newest first, and the total count.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, int, error)

	// UpdateSession writes session if its stored version still equals
	// session.Version, then bumps session.Version. Returns
	// domain.ErrConcurrentUpdate when the version moved.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session together with its events and messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// WithSessionLock acquires exclusive access to one session, re-reads it
	// inside a transaction and runs fn. The transaction commits if fn returns
	// nil. Calls for the same session serialize; different sessions do not wait
	// on each other's locks.
	WithSessionLock(ctx context.Context, sessionID string, fn func(tx SessionTx) error) error

	// StaleSessions returns active sessions with no activity since cutoff.
	StaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Session, error)

	// ProgressEventExists reports whether key was already used for the session.
	ProgressEventExists(ctx context.Context, sessionID, idempotencyKey string) (bool, error)

	// ListProgressEvents returns a session's events in insertion order.
	ListProgressEvents(ctx context.Context, sessionID string) ([]*domain.ProgressEvent, error)

	// ListMessages returns a page of a session's conversation and the total count.
	ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]*domain.Message, int, error)
}

// SessionTx is the view of a locked session handed to WithSessionLock callbacks.
type SessionTx interface {
	// Session returns the latest committed state, read after the lock was taken.
	Session() *domain.Session

	// EventExists checks idempotency against the locked transaction.
	EventExists(ctx context.Context, idempotencyKey string) (bool, error)

	// AppendEvent records a progress event. A reused idempotency key fails
	// with domain.ErrDuplicateProgressUpdate.
	AppendEvent(ctx context.Context, event *domain.ProgressEvent) error

	// AppendMessage records a conversation message.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// Save writes the session back with a version check and bumps its version.
	Save(ctx context.Context, session *domain.Session) error
}

// RetryQueue is the durable queue of webhook deliveries awaiting retry.
type RetryQueue interface {
	// EnqueueRetry persists a new pending task.
	EnqueueRetry(ctx context.Context, task *domain.RetryTask) error

	// ClaimDueRetries moves up to limit pending tasks due at now to in_flight
	// and returns them. A task is handed to at most one caller.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.RetryTask, error)

	// MarkRetryResult records the outcome of an attempt on a claimed task.
	MarkRetryResult(ctx context.Context, taskID string, result domain.AttemptResult) error

	// RequeueInFlight returns tasks abandoned mid-attempt to pending.
	RequeueInFlight(ctx context.Context, now time.Time) (int64, error)

	// GetRetryTask returns a single task.
	GetRetryTask(ctx context.Context, taskID string) (*domain.RetryTask, error)

	// ListRetryTasks returns tasks with the given status, oldest first.
	// An empty status lists every task.
	ListRetryTasks(ctx context.Context, status domain.RetryStatus, limit int) ([]*domain.RetryTask, error)

	// RetryQueueStats counts tasks by status.
	RetryQueueStats(ctx context.Context) (domain.QueueStats, error)

	// PurgeSucceeded deletes succeeded tasks last touched before the cutoff.
	PurgeSucceeded(ctx context.Context, before time.Time) (int64, error)
}

// Repository defines the full persistence surface of the service.
type Repository interface {
	ManualRepository
	SessionRepository
	RetryQueue

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
