package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/session"
	"github.com/ashureev/stepwise/internal/store"
)

type startSessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ManualID  string `json:"manual_id"`
}

type updateSessionRequest struct {
	Status domain.SessionStatus `json:"status"`
}

type addMessageRequest struct {
	Sender  domain.MessageSender `json:"sender"`
	Message string               `json:"message"`
}

// StartSession creates a session at step 1.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decode(w, r, &req) {
		return
	}

	v, err := h.sessions.Start(r.Context(), session.StartRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		ManualID:  req.ManualID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, v)
}

// ListSessions returns a page of sessions filtered by user_id and status.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	views, total, err := h.sessions.List(r.Context(), store.SessionFilter{
		UserID: q.Get("user_id"),
		Status: domain.SessionStatus(q.Get("status")),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []*session.View{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": views,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// UpdateSession ends a session as completed or abandoned.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		Error(w, http.StatusBadRequest, "status is required")
		return
	}

	v, err := h.sessions.UpdateStatus(r.Context(), chi.URLParam(r, "sessionID"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// DeleteSession removes a session with its history.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NextStep returns the step the session is positioned on.
func (h *Handler) NextStep(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.NextStep(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// AddMessage appends a conversation message.
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = domain.SenderUser
	}

	msg, err := h.sessions.AddMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Sender, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// ListMessages returns a page of a session's conversation.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, total, err := h.sessions.ListMessages(r.Context(), chi.URLParam(r, "sessionID"), offset, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}
