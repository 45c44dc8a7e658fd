// Package handler serves the dashboard read-side views.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/benffsc/atlas/pkg/platform/httputil"

	reviewservice "github.com/benffsc/atlas/internal/review/service"
)

type Handler struct {
	reviews *reviewservice.Service
	logger  *slog.Logger
}

func New(reviews *reviewservice.Service, logger *slog.Logger) *Handler {
	return &Handler{reviews: reviews, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/review/queue", h.handleQueue)
	r.Get("/review/conflicts", h.handleConflicts)
	r.Get("/review/pipeline-health", h.handlePipelineHealth)
	r.Get("/review/decisions", h.handleRecentDecisions)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.reviews.ReviewQueue(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	views, err := h.reviews.Conflicts(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.reviews.PipelineHealth(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}
	summary, err := h.reviews.RecentDecisions(r.Context(), window)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
