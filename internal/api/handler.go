// Package api provides HTTP handlers for the folio server.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/folio/internal/resolver"
	"github.com/ashureev/folio/internal/store"
)

// SessionCounter reports the number of live widget sessions.
type SessionCounter interface {
	Count() int
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions SessionCounter
	mode     resolver.Mode
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions SessionCounter, mode resolver.Mode) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		mode:     mode,
	}
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
