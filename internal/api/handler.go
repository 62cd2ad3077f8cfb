// Package api provides HTTP handlers for the stepwise API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stepwise/internal/catalog"
	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/progress"
	"github.com/ashureev/stepwise/internal/session"
	"github.com/ashureev/stepwise/internal/webhook"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the /api routes.
type Handler struct {
	manuals  *catalog.Catalog
	tracker  *progress.Tracker
	sessions *session.Service
	engine   *webhook.Engine
	logger   *slog.Logger
}

// NewHandler creates a Handler. logger may be nil.
func NewHandler(manuals *catalog.Catalog, tracker *progress.Tracker, sessions *session.Service, engine *webhook.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manuals:  manuals,
		tracker:  tracker,
		sessions: sessions,
		engine:   engine,
		logger:   logger,
	}
}

// RegisterRoutes registers the /api routes. Extra middleware applies to the
// /api subtree only.
func (h *Handler) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middlewares...)

		r.Route("/manuals", func(r chi.Router) {
			r.Post("/", h.CreateManual)
			r.Get("/", h.ListManuals)
			r.Get("/{manualID}", h.GetManual)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/", h.UpdateSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/progress", h.SubmitProgress)
				r.Get("/next-step", h.NextStep)
				r.Post("/messages", h.AddMessage)
				r.Get("/messages", h.ListMessages)
			})
		})

		r.Get("/webhooks/stats", h.WebhookStats)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrManualNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrInvalidStep),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidManual):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSessionExists),
		errors.Is(err, domain.ErrManualExists),
		errors.Is(err, domain.ErrConcurrentUpdate):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a bounded JSON body into v. It writes the error response
// itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// page reads offset and limit query parameters.
func page(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	limit = 100
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > 1000 {
			return 0, 0, errors.New("limit must be between 1 and 1000")
		}
	}
	return offset, limit, nil
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
