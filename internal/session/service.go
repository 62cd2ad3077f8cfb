// Package session manages the session lifecycle around the progress state
// machine: start, inspect, end, delete, and the conversation log.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/store"
	"github.com/ashureev/stepwise/internal/webhook"
)

const maxIDLen = 100

// ManualLookup resolves manuals.
type ManualLookup interface {
	GetManual(ctx context.Context, manualID string) (*domain.Manual, error)
}

// Deliverer hands events to the webhook engine.
type Deliverer interface {
	Deliver(ctx context.Context, ev webhook.Event) webhook.Outcome
}

// Service implements session lifecycle operations.
type Service struct {
	repo     store.SessionRepository
	manuals  ManualLookup
	delivery Deliverer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates a session service. logger may be nil.
func NewService(repo store.SessionRepository, manuals ManualLookup, delivery Deliverer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		manuals:  manuals,
		delivery: delivery,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// View is a session together with values derived from its manual.
type View struct {
	*domain.Session
	TotalSteps      int   `json:"total_steps"`
	DurationSeconds int64 `json:"duration_seconds"`
	IsCompleted     bool  `json:"is_completed"`
}

// StartRequest names a new session. An empty SessionID gets a generated one.
type StartRequest struct {
	SessionID string
	UserID    string
	ManualID  string
}

// Start creates an active session at step 1 and announces it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*View, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ManualID = strings.TrimSpace(req.ManualID)
	if req.SessionID == "" {
		req.SessionID = s.newID()
	}
	if err := checkID("session_id", req.SessionID); err != nil {
		return nil, err
	}
	if err := checkID("user_id", req.UserID); err != nil {
		return nil, err
	}
	if err := checkID("manual_id", req.ManualID); err != nil {
		return nil, err
	}

	manual, err := s.manuals.GetManual(ctx, req.ManualID)
	if err != nil {
		return nil, err
	}

	sess := domain.NewSession(req.SessionID, req.UserID, manual.ID, s.now().UTC())
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session started",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"manual_id", sess.ManualID,
		"total_steps", manual.TotalSteps())

	if ev, err := webhook.NewSessionCreated(sess, manual.TotalSteps()); err != nil {
		s.logger.Error("build session_created payload", "session_id", sess.ID, "error", err)
	} else if s.delivery != nil {
		s.delivery.Deliver(ctx, ev)
	}
	return s.view(sess, manual), nil
}

// Get returns a session view.
func (s *Service) Get(ctx context.Context, sessionID string) (*View, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	manual, err := s.manuals.GetManual(ctx, sess.ManualID)
	if err != nil {
		return nil, fmt.Errorf("resolve manual for session %s: %w", sess.ID, err)
	}
	return s.view(sess, manual), nil
}

// List returns a page of session views.
func (s *Service) List(ctx context.Context, filter store.SessionFilter) ([]*View, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, filter.Status)
	}
	sessions, total, err := s.repo.ListSessions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	manuals := make(map[string]*domain.Manual)
	views := make([]*View, 0, len(sessions))
	for _, sess := range sessions {
		m, ok := manuals[sess.ManualID]
		if !ok {
			if m, err = s.manuals.GetManual(ctx, sess.ManualID); err != nil {
				return nil, 0, fmt.Errorf("resolve manual for session %s: %w", sess.ID, err)
			}
			manuals[sess.ManualID] = m
		}
		views = append(views, s.view(sess, m))
	}
	return views, total, nil
}

// UpdateStatus ends an active session. Setting the status a session already
// has is a no-op; ended sessions cannot be changed.
func (s *Service) UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus) (*View, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, status)
	}

	var updated *domain.Session
	var changed bool
	err := s.repo.WithSessionLock(ctx, sessionID, func(tx store.SessionTx) error {
		cur := tx.Session()
		changed = false
		if cur.Status == status {
			updated = cur
			return nil
		}
		if err := cur.End(status, s.now().UTC()); err != nil {
			return err
		}
		if err := tx.Save(ctx, cur); err != nil {
			return err
		}
		updated, changed = cur, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	manual, err := s.manuals.GetManual(ctx, updated.ManualID)
	if err != nil {
		return nil, fmt.Errorf("resolve manual for session %s: %w", updated.ID, err)
	}
	if changed {
		s.logger.Info("session ended", "session_id", updated.ID, "status", updated.Status)
		s.announceEnd(ctx, updated, manual.TotalSteps())
	}
	return s.view(updated, manual), nil
}

// Delete removes a session with its events and messages.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// NextStepInfo tells the agent what the user should do next.
type NextStepInfo struct {
	SessionID   string               `json:"session_id"`
	CurrentStep int                  `json:"current_step"`
	TotalSteps  int                  `json:"total_steps"`
	Status      domain.SessionStatus `json:"status"`
	IsCompleted bool                 `json:"is_completed"`
	NextStep    *domain.Step         `json:"next_step"`
}

// NextStep returns the step the session is positioned on.
func (s *Service) NextStep(ctx context.Context, sessionID string) (*NextStepInfo, error) {
	v, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	manual, err := s.manuals.GetManual(ctx, v.ManualID)
	if err != nil {
		return nil, err
	}

	info := &NextStepInfo{
		SessionID:   v.ID,
		CurrentStep: v.CurrentStep,
		TotalSteps:  v.TotalSteps,
		Status:      v.Status,
		IsCompleted: v.IsCompleted,
	}
	if step, ok := manual.Step(v.CurrentStep); ok && v.IsActive() {
		info.NextStep = &step
	}
	return info, nil
}

// AddMessage appends a conversation message to an active session and
// refreshes its activity timestamp.
func (s *Service) AddMessage(ctx context.Context, sessionID string, sender domain.MessageSender, text string) (*domain.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: sender must be user, agent or system", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}

	var msg *domain.Message
	err := s.repo.WithSessionLock(ctx, sessionID, func(tx store.SessionTx) error {
		cur := tx.Session()
		if !cur.IsActive() {
			return &domain.SessionEndedError{SessionID: cur.ID, Status: cur.Status}
		}
		now := s.now().UTC()
		msg = &domain.Message{
			ID:         s.newID(),
			SessionID:  cur.ID,
			Sender:     sender,
			Text:       text,
			StepAtTime: cur.CurrentStep,
			CreatedAt:  now,
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		cur.Touch(now)
		return tx.Save(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("message added", "session_id", sessionID, "sender", sender, "step", msg.StepAtTime)
	return msg, nil
}

// ListMessages returns a page of a session's conversation.
func (s *Service) ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]*domain.Message, int, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMessages(ctx, sessionID, offset, limit)
}

// SweepStale abandons active sessions idle longer than idle. The write is
// version-checked without the session lock, so a session that saw activity
// in the meantime is skipped.
func (s *Service) SweepStale(ctx context.Context, idle time.Duration, limit int) (int, error) {
	now := s.now().UTC()
	stale, err := s.repo.StaleSessions(ctx, now.Add(-idle), limit)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	abandoned := 0
	for _, sess := range stale {
		if err := sess.End(domain.SessionAbandoned, now); err != nil {
			continue
		}
		err := s.repo.UpdateSession(ctx, sess)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			s.logger.Debug("stale session changed during sweep, skipping", "session_id", sess.ID)
			continue
		}
		if err != nil {
			s.logger.Error("failed to abandon stale session", "session_id", sess.ID, "error", err)
			continue
		}

		abandoned++
		s.logger.Info("session abandoned after inactivity",
			"session_id", sess.ID,
			"last_activity_at", sess.LastActivityAt)

		manual, err := s.manuals.GetManual(ctx, sess.ManualID)
		if err != nil {
			s.logger.Error("resolve manual for abandoned session", "session_id", sess.ID, "error", err)
			continue
		}
		s.announceEnd(ctx, sess, manual.TotalSteps())
	}
	return abandoned, nil
}

func (s *Service) announceEnd(ctx context.Context, sess *domain.Session, totalSteps int) {
	if s.delivery == nil {
		return
	}
	ev, err := webhook.NewSessionEnded(sess, totalSteps, s.now().UTC())
	if err != nil {
		s.logger.Error("build session_ended payload", "session_id", sess.ID, "error", err)
		return
	}
	s.delivery.Deliver(ctx, ev)
}

func (s *Service) view(sess *domain.Session, manual *domain.Manual) *View {
	total := manual.TotalSteps()
	return &View{
		Session:         sess,
		TotalSteps:      total,
		DurationSeconds: int64(sess.Duration(s.now()).Seconds()),
		IsCompleted:     sess.IsCompleted(total) || sess.Status == domain.SessionCompleted,
	}
}

func checkID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidRequest, field)
	}
	if len(v) > maxIDLen {
		return fmt.Errorf("%w: %s exceeds %d characters", domain.ErrInvalidRequest, field, maxIDLen)
	}
	return nil
}
