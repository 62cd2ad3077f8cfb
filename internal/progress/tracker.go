// Package progress applies progress reports to sessions.
package progress

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

// conflictRetries bounds how often a locked update is replayed after losing
// a version check to a write that bypassed the lock.
const conflictRetries = 3

// ManualLookup resolves a session's manual.
type ManualLookup interface {
	GetManual(ctx context.Context, manualID string) (*domain.Manual, error)
}

// Deliverer hands events to the webhook engine.
type Deliverer interface {
	Deliver(ctx context.Context, ev webhook.Event) webhook.Outcome
}

// Tracker is the progress state machine.
type Tracker struct {
	sessions store.SessionRepository
	manuals  ManualLookup
	delivery Deliverer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewTracker creates a tracker. logger may be nil.
func NewTracker(sessions store.SessionRepository, manuals ManualLookup, delivery Deliverer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessions: sessions,
		manuals:  manuals,
		delivery: delivery,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// outcome is what the locked section decided.
type outcome struct {
	session      *domain.Session
	previousStep int
	advanced     bool
	completed    bool
	outOfOrder   bool
}

// Submit validates a report and applies it to its session.
//
// Checks run in order and stop at the first failure: session exists,
// session active, step within the manual, idempotency key unused. The
// session is then locked and re-read, the report recorded, and the step
// advanced on DONE. Webhooks go out after the lock is released.
func (t *Tracker) Submit(ctx context.Context, report domain.ProgressReport) (*domain.ProgressResult, error) {
	if err := validateReport(&report); err != nil {
		return nil, err
	}

	sess, err := t.sessions.GetSession(ctx, report.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, &domain.SessionEndedError{SessionID: sess.ID, Status: sess.Status}
	}

	manual, err := t.manuals.GetManual(ctx, sess.ManualID)
	if err != nil {
		return nil, fmt.Errorf("resolve manual for session %s: %w", sess.ID, err)
	}
	total := manual.TotalSteps()
	if report.Step < 1 || report.Step > total {
		return nil, &domain.InvalidStepError{Step: report.Step, TotalSteps: total}
	}

	if report.IdempotencyKey != "" {
		exists, err := t.sessions.ProgressEventExists(ctx, sess.ID, report.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if exists {
			t.logger.Info("duplicate progress update ignored",
				"session_id", sess.ID,
				"idempotency_key", report.IdempotencyKey)
			return nil, &domain.DuplicateProgressError{SessionID: sess.ID, IdempotencyKey: report.IdempotencyKey}
		}
	}

	if report.UserID != "" && report.UserID != sess.UserID {
		t.logger.Warn("progress reported for a different user",
			"session_id", sess.ID,
			"session_user_id", sess.UserID,
			"reported_user_id", report.UserID)
	}

	var out outcome
	for attempt := 1; ; attempt++ {
		out, err = t.apply(ctx, report, total)
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= conflictRetries {
			break
		}
		t.logger.Warn("progress update lost version check, replaying",
			"session_id", report.SessionID,
			"attempt", attempt)
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("progress recorded",
		"session_id", out.session.ID,
		"step", report.Step,
		"status", report.Status,
		"previous_step", out.previousStep,
		"current_step", out.session.CurrentStep,
		"advanced", out.advanced,
		"completed", out.completed)

	feedback := t.notify(ctx, out, report.Status, manual)
	return buildResult(out, report, manual, feedback), nil
}

// apply runs steps that need the session lock.
func (t *Tracker) apply(ctx context.Context, report domain.ProgressReport, total int) (outcome, error) {
	var out outcome
	err := t.sessions.WithSessionLock(ctx, report.SessionID, func(tx store.SessionTx) error {
		out = outcome{}
		cur := tx.Session()

		// State may have moved while we waited for the lock.
		if !cur.IsActive() {
			return &domain.SessionEndedError{SessionID: cur.ID, Status: cur.Status}
		}
		if report.IdempotencyKey != "" {
			exists, err := tx.EventExists(ctx, report.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return &domain.DuplicateProgressError{SessionID: cur.ID, IdempotencyKey: report.IdempotencyKey}
			}
		}

		now := t.now().UTC()
		out.previousStep = cur.CurrentStep
		out.outOfOrder = report.Step < cur.CurrentStep

		if !out.outOfOrder && report.Status == domain.StepDone {
			cur.CurrentStep = report.Step + 1
			out.advanced = true
		}

		if err := tx.AppendEvent(ctx, &domain.ProgressEvent{
			ID:             t.newID(),
			SessionID:      cur.ID,
			StepNumber:     report.Step,
			StepStatus:     report.Status,
			PreviousStep:   out.previousStep,
			Advanced:       out.advanced,
			IdempotencyKey: report.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		cur.Touch(now)
		if cur.IsCompleted(total) {
			if err := cur.End(domain.SessionCompleted, now); err != nil {
				return err
			}
			out.completed = true
		}

		if err := tx.Save(ctx, cur); err != nil {
			return err
		}
		out.session = cur
		return nil
	})
	return out, err
}

// notify sends progress_update and, on completion, session_ended. It
// reports whether the progress_update was delivered or queued.
func (t *Tracker) notify(ctx context.Context, out outcome, status domain.StepStatus, manual *domain.Manual) bool {
	if t.delivery == nil {
		return false
	}
	now := t.now().UTC()
	total := manual.TotalSteps()

	var sent bool
	update, err := webhook.NewProgressUpdate(out.session, total, out.previousStep, status, now)
	if err != nil {
		t.logger.Error("build progress_update payload", "session_id", out.session.ID, "error", err)
	} else {
		sent = t.delivery.Deliver(ctx, update).Accepted()
	}

	if out.completed {
		ended, err := webhook.NewSessionEnded(out.session, total, now)
		if err != nil {
			t.logger.Error("build session_ended payload", "session_id", out.session.ID, "error", err)
		} else {
			t.delivery.Deliver(ctx, ended)
		}
	}
	return sent
}

func buildResult(out outcome, report domain.ProgressReport, manual *domain.Manual, feedback bool) *domain.ProgressResult {
	sess := out.session
	total := manual.TotalSteps()
	res := &domain.ProgressResult{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		PreviousStep:  out.previousStep,
		CurrentStep:   sess.CurrentStep,
		TotalSteps:    total,
		SessionStatus: sess.Status,
		Accepted:      true,
		Advanced:      out.advanced,
		Completed:     out.completed,
		FeedbackSent:  feedback,
	}
	if next, ok := manual.Step(sess.CurrentStep); ok && sess.IsActive() {
		res.NextStep = &next
	}

	switch {
	case out.completed:
		res.Message = fmt.Sprintf("Manual completed: all %d steps done.", total)
	case out.outOfOrder:
		res.Message = fmt.Sprintf("Step %d is behind the current step %d; recorded without advancing.", report.Step, sess.CurrentStep)
	case out.advanced:
		res.Message = fmt.Sprintf("Step %d done. Moving to step %d.", report.Step, sess.CurrentStep)
	default:
		res.Message = fmt.Sprintf("Step %d is in progress.", report.Step)
	}
	return res
}

func validateReport(r *domain.ProgressReport) error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", domain.ErrInvalidRequest)
	}
	if r.Status != domain.StepDone && r.Status != domain.StepOngoing {
		return fmt.Errorf("%w: status must be DONE or ONGOING", domain.ErrInvalidRequest)
	}
	if len(r.IdempotencyKey) > domain.MaxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency_key exceeds %d characters", domain.ErrInvalidRequest, domain.MaxIdempotencyKeyLen)
	}
	return nil
}
