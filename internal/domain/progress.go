package domain

import (
	"fmt"
	"strings"
	"time"
)

// StepStatus is the state a progress report claims for a step.
type StepStatus string

const (
	// StepDone means the user finished the step; it advances the session.
	StepDone StepStatus = "DONE"
	// StepOngoing is informational and never advances the session.
	StepOngoing StepStatus = "ONGOING"
)

// ParseStepStatus accepts DONE or ONGOING in any case.
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StepDone:
		return StepDone, nil
	case StepOngoing:
		return StepOngoing, nil
	}
	return "", fmt.Errorf("unknown step status %q", s)
}

// MaxIdempotencyKeyLen bounds client supplied idempotency keys.
const MaxIdempotencyKeyLen = 100

// ProgressReport is an inbound claim about a step's completion state.
type ProgressReport struct {
	SessionID      string
	UserID         string
	Step           int
	Status         StepStatus
	IdempotencyKey string
}

// ProgressEvent is the append-only audit record of an accepted report.
type ProgressEvent struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	StepNumber     int        `json:"step_number"`
	StepStatus     StepStatus `json:"step_status"`
	PreviousStep   int        `json:"previous_step"`
	Advanced       bool       `json:"advanced"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ProgressResult is what a caller learns after submitting a report.
type ProgressResult struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	PreviousStep  int           `json:"previous_step"`
	CurrentStep   int           `json:"current_step"`
	TotalSteps    int           `json:"total_steps"`
	SessionStatus SessionStatus `json:"status"`
	NextStep      *Step         `json:"next_step"`
	Accepted      bool          `json:"accepted"`
	Advanced      bool          `json:"advanced"`
	Completed     bool          `json:"completed"`
	FeedbackSent  bool          `json:"feedback_sent"`
	Message       string        `json:"message"`
}

// MessageSender identifies who wrote a conversation message.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

// Valid reports whether s is a known sender.
func (s MessageSender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// Message is one turn of the conversation held during a session.
type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Sender     MessageSender `json:"sender"`
	Text       string        `json:"message"`
	StepAtTime int           `json:"step_at_time"`
	CreatedAt  time.Time     `json:"created_at"`
}
