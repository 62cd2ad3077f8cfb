// Package webhook delivers session events to the external instruction
// delivery service and retries failed deliveries from a durable queue.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
)

// ErrInvalidPayload is returned when an event cannot be built from its inputs.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is one webhook body. Each event type has its own fixed field set.
type Event interface {
	Type() domain.EventType
	Session() string
	Validate() error
}

// SessionCreated is sent when a session starts.
type SessionCreated struct {
	EventType  domain.EventType `json:"event_type"`
	SessionID  string           `json:"session_id"`
	UserID     string           `json:"user_id"`
	ManualID   string           `json:"manual_id"`
	TotalSteps int              `json:"total_steps"`
}

// NewSessionCreated builds a session_created event.
func NewSessionCreated(s *domain.Session, totalSteps int) (*SessionCreated, error) {
	ev := &SessionCreated{
		EventType:  domain.EventSessionCreated,
		SessionID:  s.ID,
		UserID:     s.UserID,
		ManualID:   s.ManualID,
		TotalSteps: totalSteps,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *SessionCreated) Type() domain.EventType { return domain.EventSessionCreated }
func (e *SessionCreated) Session() string        { return e.SessionID }

func (e *SessionCreated) Validate() error {
	if err := checkEnvelope(e.EventType, domain.EventSessionCreated, e.SessionID, e.UserID, e.ManualID); err != nil {
		return err
	}
	if e.TotalSteps < 1 {
		return fmt.Errorf("%w: total_steps must be positive", ErrInvalidPayload)
	}
	return nil
}

// ProgressUpdate is sent after every accepted progress report.
type ProgressUpdate struct {
	EventType              domain.EventType     `json:"event_type"`
	SessionID              string               `json:"session_id"`
	UserID                 string               `json:"user_id"`
	ManualID               string               `json:"manual_id"`
	PreviousStep           int                  `json:"previous_step"`
	CurrentStep            int                  `json:"current_step"`
	TotalSteps             int                  `json:"total_steps"`
	StepStatus             domain.StepStatus    `json:"step_status"`
	SessionStatus          domain.SessionStatus `json:"session_status"`
	SessionDurationSeconds int64                `json:"session_duration_seconds"`
	IsCompleted            bool                 `json:"is_completed"`
}

// NewProgressUpdate builds a progress_update event from the session state
// after the report was applied.
func NewProgressUpdate(s *domain.Session, totalSteps, previousStep int, status domain.StepStatus, now time.Time) (*ProgressUpdate, error) {
	ev := &ProgressUpdate{
		EventType:              domain.EventProgressUpdate,
		SessionID:              s.ID,
		UserID:                 s.UserID,
		ManualID:               s.ManualID,
		PreviousStep:           previousStep,
		CurrentStep:            s.CurrentStep,
		TotalSteps:             totalSteps,
		StepStatus:             status,
		SessionStatus:          s.Status,
		SessionDurationSeconds: seconds(s.Duration(now)),
		IsCompleted:            s.IsCompleted(totalSteps),
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *ProgressUpdate) Type() domain.EventType { return domain.EventProgressUpdate }
func (e *ProgressUpdate) Session() string        { return e.SessionID }

func (e *ProgressUpdate) Validate() error {
	if err := checkEnvelope(e.EventType, domain.EventProgressUpdate, e.SessionID, e.UserID, e.ManualID); err != nil {
		return err
	}
	switch {
	case e.TotalSteps < 1:
		return fmt.Errorf("%w: total_steps must be positive", ErrInvalidPayload)
	case e.PreviousStep < 1 || e.CurrentStep < e.PreviousStep:
		return fmt.Errorf("%w: step moved backwards (%d -> %d)", ErrInvalidPayload, e.PreviousStep, e.CurrentStep)
	case e.StepStatus != domain.StepDone && e.StepStatus != domain.StepOngoing:
		return fmt.Errorf("%w: unknown step_status %q", ErrInvalidPayload, e.StepStatus)
	case !e.SessionStatus.Valid():
		return fmt.Errorf("%w: unknown session_status %q", ErrInvalidPayload, e.SessionStatus)
	case e.IsCompleted != (e.CurrentStep > e.TotalSteps):
		return fmt.Errorf("%w: is_completed disagrees with current_step", ErrInvalidPayload)
	}
	return nil
}

// SessionEnded is sent when a session completes or is abandoned.
type SessionEnded struct {
	EventType       domain.EventType     `json:"event_type"`
	SessionID       string               `json:"session_id"`
	UserID          string               `json:"user_id"`
	ManualID        string               `json:"manual_id"`
	FinalStep       int                  `json:"final_step"`
	TotalSteps      int                  `json:"total_steps"`
	Status          domain.SessionStatus `json:"status"`
	DurationSeconds int64                `json:"duration_seconds"`
}

// NewSessionEnded builds a session_ended event. The session must already
// be in a terminal status.
func NewSessionEnded(s *domain.Session, totalSteps int, now time.Time) (*SessionEnded, error) {
	ev := &SessionEnded{
		EventType:       domain.EventSessionEnded,
		SessionID:       s.ID,
		UserID:          s.UserID,
		ManualID:        s.ManualID,
		FinalStep:       s.CurrentStep,
		TotalSteps:      totalSteps,
		Status:          s.Status,
		DurationSeconds: seconds(s.Duration(now)),
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *SessionEnded) Type() domain.EventType { return domain.EventSessionEnded }
func (e *SessionEnded) Session() string        { return e.SessionID }

func (e *SessionEnded) Validate() error {
	if err := checkEnvelope(e.EventType, domain.EventSessionEnded, e.SessionID, e.UserID, e.ManualID); err != nil {
		return err
	}
	if e.Status != domain.SessionCompleted && e.Status != domain.SessionAbandoned {
		return fmt.Errorf("%w: session_ended needs a terminal status, got %q", ErrInvalidPayload, e.Status)
	}
	if e.TotalSteps < 1 || e.FinalStep < 1 {
		return fmt.Errorf("%w: steps must be positive", ErrInvalidPayload)
	}
	return nil
}

// Encode validates ev and returns its JSON body.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return body, nil
}

func checkEnvelope(got, want domain.EventType, sessionID, userID, manualID string) error {
	if got != want {
		return fmt.Errorf("%w: event_type %q, want %q", ErrInvalidPayload, got, want)
	}
	if sessionID == "" || userID == "" || manualID == "" {
		return fmt.Errorf("%w: session_id, user_id and manual_id are required", ErrInvalidPayload)
	}
	return nil
}

func seconds(d time.Duration) int64 {
	return int64(math.Round(d.Seconds()))
}
