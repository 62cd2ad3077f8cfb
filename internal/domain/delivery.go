package domain

import (
	"time"
)

// EventType names a webhook event.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventProgressUpdate EventType = "progress_update"
	EventSessionEnded   EventType = "session_ended"
)

// RetryStatus is the lifecycle state of a queued delivery.
type RetryStatus string

const (
	RetryPending RetryStatus = "pending"
	// RetryInFlight marks a task claimed by a dispatcher pass.
	RetryInFlight        RetryStatus = "in_flight"
	RetrySucceeded       RetryStatus = "succeeded"
	RetryFailedPermanent RetryStatus = "failed_permanent"
)

// IsTerminal returns true if no further attempts will be made.
func (s RetryStatus) IsTerminal() bool {
	return s == RetrySucceeded || s == RetryFailedPermanent
}

// RetryTask is a durable record of a webhook delivery awaiting retry.
type RetryTask struct {
	ID            string      `json:"id"`
	EventType     EventType   `json:"event_type"`
	SessionID     string      `json:"session_id,omitempty"`
	Body          []byte      `json:"-"`
	Status        RetryStatus `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	NextRetryAt   time.Time   `json:"next_retry_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// AttemptResult is the dispatcher's verdict on one delivery attempt.
type AttemptResult struct {
	Status       RetryStatus
	AttemptCount int
	NextRetryAt  time.Time
	LastError    string
	AttemptedAt  time.Time
}

// QueueStats summarizes the retry queue by status.
type QueueStats struct {
	Pending         int64 `json:"pending"`
	InFlight        int64 `json:"in_flight"`
	Succeeded       int64 `json:"succeeded"`
	FailedPermanent int64 `json:"failed_permanent"`
}
