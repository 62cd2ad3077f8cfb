package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stepwise/internal/domain"
)

type progressRequest struct {
	UserID         string `json:"user_id"`
	CurrentStep    *int   `json:"current_step"`
	StepStatus     string `json:"step_status"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitProgress applies a progress report. The idempotency key may come
// from the body or the Idempotency-Key header; the body wins.
func (h *Handler) SubmitProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CurrentStep == nil {
		Error(w, http.StatusBadRequest, "current_step is required")
		return
	}
	status, err := domain.ParseStepStatus(req.StepStatus)
	if err != nil {
		Error(w, http.StatusBadRequest, "step_status must be DONE or ONGOING")
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	sessionID := chi.URLParam(r, "sessionID")
	res, err := h.tracker.Submit(r.Context(), domain.ProgressReport{
		SessionID:      sessionID,
		UserID:         req.UserID,
		Step:           *req.CurrentStep,
		Status:         status,
		IdempotencyKey: key,
	})
	var dup *domain.DuplicateProgressError
	if errors.As(err, &dup) {
		JSON(w, http.StatusConflict, map[string]string{
			"status":          "already_processed",
			"message":         dup.Error(),
			"session_id":      sessionID,
			"idempotency_key": dup.IdempotencyKey,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// WebhookStats returns retry queue counts and settings.
func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}
