package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAbandoned:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next.
// Only active sessions can end; ended sessions never come back.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s == SessionActive && (next == SessionCompleted || next == SessionAbandoned)
}

// Session is one user's run through a manual.
type Session struct {
	ID             string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	ManualID       string        `json:"manual_id"`
	CurrentStep    int           `json:"current_step"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewSession returns a fresh active session positioned at step 1.
func NewSession(id, userID, manualID string, now time.Time) *Session {
	return &Session{
		ID:             id,
		UserID:         userID,
		ManualID:       manualID,
		CurrentStep:    1,
		Status:         SessionActive,
		StartedAt:      now,
		LastActivityAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsActive returns true if the session still accepts progress.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// IsCompleted reports whether the step counter has run past the manual.
// The final DONE report leaves current_step at total+1.
func (s *Session) IsCompleted(totalSteps int) bool {
	return s.CurrentStep > totalSteps
}

// Duration returns how long the session has been running, or ran for if it ended.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// End moves the session into a terminal status.
func (s *Session) End(status SessionStatus, now time.Time) error {
	if !s.Status.CanTransition(status) {
		return &SessionEndedError{SessionID: s.ID, Status: s.Status}
	}
	s.Status = status
	ended := now
	s.EndedAt = &ended
	s.UpdatedAt = now
	return nil
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// Clone returns a copy that does not share the EndedAt pointer.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
