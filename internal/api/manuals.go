package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stepwise/internal/domain"
)

type manualSummary struct {
	ID        string    `json:"manual_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type manualResponse struct {
	*domain.Manual
	TotalSteps int `json:"total_steps"`
}

// CreateManual stores a new manual.
func (h *Handler) CreateManual(w http.ResponseWriter, r *http.Request) {
	var m domain.Manual
	if !decode(w, r, &m) {
		return
	}
	m.CreatedAt = time.Time{}

	if err := h.manuals.CreateManual(r.Context(), &m); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, manualResponse{Manual: &m, TotalSteps: m.TotalSteps()})
}

// GetManual returns a manual with its steps.
func (h *Handler) GetManual(w http.ResponseWriter, r *http.Request) {
	m, err := h.manuals.GetManual(r.Context(), chi.URLParam(r, "manualID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, manualResponse{Manual: m, TotalSteps: m.TotalSteps()})
}

// ListManuals returns a page of manual headers.
func (h *Handler) ListManuals(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	manuals, total, err := h.manuals.ListManuals(r.Context(), offset, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]manualSummary, 0, len(manuals))
	for _, m := range manuals {
		items = append(items, manualSummary{ID: m.ID, Title: m.Title, CreatedAt: m.CreatedAt})
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"manuals": items,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}
