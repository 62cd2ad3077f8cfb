package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionExists           = errors.New("session already exists")
	ErrSessionEnded            = errors.New("session ended")
	ErrManualNotFound          = errors.New("manual not found")
	ErrManualExists            = errors.New("manual already exists")
	ErrInvalidManual           = errors.New("invalid manual")
	ErrInvalidStep             = errors.New("invalid step number")
	ErrDuplicateProgressUpdate = errors.New("duplicate progress update")
	// ErrConcurrentUpdate is returned when a version-checked write loses.
	// Callers should retry the whole operation.
	ErrConcurrentUpdate = errors.New("concurrent update conflict")
	ErrInvalidRequest   = errors.New("invalid request")

	// ErrDeliveryFailure stays inside the webhook engine.
	ErrDeliveryFailure = errors.New("webhook delivery failed")
	// ErrPermanentDeliveryFailure marks a retry task that gave up.
	ErrPermanentDeliveryFailure = errors.New("webhook delivery permanently failed")
)

// SessionEndedError is returned when a report or update targets a session
// that is no longer active.
type SessionEndedError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionEndedError) Error() string {
	return fmt.Sprintf("session %q is already %s", e.SessionID, e.Status)
}

// Is lets errors.Is(err, ErrSessionEnded) match.
func (e *SessionEndedError) Is(target error) bool {
	return target == ErrSessionEnded
}

// InvalidStepError carries the rejected step and the manual's bounds.
type InvalidStepError struct {
	Step       int
	TotalSteps int
}

func (e *InvalidStepError) Error() string {
	if e.Step < 1 {
		return fmt.Sprintf("step %d is invalid: step numbers start at 1", e.Step)
	}
	return fmt.Sprintf("step %d exceeds manual's total steps (%d)", e.Step, e.TotalSteps)
}

func (e *InvalidStepError) Is(target error) bool {
	return target == ErrInvalidStep
}

// DuplicateProgressError names the idempotency key that was already consumed.
type DuplicateProgressError struct {
	SessionID      string
	IdempotencyKey string
}

func (e *DuplicateProgressError) Error() string {
	return fmt.Sprintf("progress update with idempotency key %q already processed", e.IdempotencyKey)
}

func (e *DuplicateProgressError) Is(target error) bool {
	return target == ErrDuplicateProgressUpdate
}
