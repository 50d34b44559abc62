package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultFailureLimit = 20
	maxFailureLimit     = 200
	healthTimeout       = 2 * time.Second
)

// WidgetHandler serves health and diagnostics endpoints for the widget.
type WidgetHandler struct {
	*Handler
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(base *Handler) *WidgetHandler {
	return &WidgetHandler{Handler: base}
}

// RegisterRoutes registers widget API routes.
func (h *WidgetHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/widget/stats", h.Stats)
	})
}

// Health reports database reachability and the resolver mode.
func (h *WidgetHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	db := "ok"
	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check database ping failed", "error", err)
		status = http.StatusServiceUnavailable
		db = "unavailable"
	}

	JSON(w, status, map[string]interface{}{
		"status":          http.StatusText(status),
		"database":        db,
		"mode":            h.mode,
		"active_sessions": h.sessions.Count(),
	})
}

// Stats returns aggregate widget counters and the most recent failures.
func (h *WidgetHandler) Stats(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailureLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailureLimit)
	}

	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to load widget stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	failures, err := h.repo.RecentFailures(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to load recent failures", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load failures")
		return
	}

	type failureView struct {
		SessionID  string `json:"session_id"`
		Mode       string `json:"mode"`
		Status     int    `json:"status,omitempty"`
		Error      string `json:"error"`
		OccurredAt string `json:"occurred_at"`
	}
	recent := make([]failureView, 0, len(failures))
	for _, f := range failures {
		recent = append(recent, failureView{
			SessionID:  f.SessionID,
			Mode:       f.Mode,
			Status:     f.Status,
			Error:      f.Error,
			OccurredAt: f.OccurredAt.UTC().Format(time.RFC3339),
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"mode":            h.mode,
		"sessions":        stats.Sessions,
		"active_sessions": stats.ActiveSessions,
		"live_sessions":   h.sessions.Count(),
		"messages":        stats.Messages,
		"failures":        stats.Failures,
		"recent_failures": recent,
	})
}
