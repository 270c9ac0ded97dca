// Package api provides the HTTP surface for health checks and
// operational statistics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmatts/parley/internal/stats"
	"github.com/jmatts/parley/internal/store"
)

// Handler serves the operational endpoints.
type Handler struct {
	repo  store.Repository
	stats *stats.Aggregate
}

// NewHandler creates a Handler.
func NewHandler(repo store.Repository, aggregate *stats.Aggregate) *Handler {
	return &Handler{
		repo:  repo,
		stats: aggregate,
	}
}

// RegisterRoutes attaches the API routes to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
	r.Get("/api/stats", h.handleStats)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.stats.Snapshot())
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
