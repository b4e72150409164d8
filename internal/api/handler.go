// Package api provides HTTP handlers for the gateway API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/config"
	"github.com/anikeev/wagate/internal/guard"
	"github.com/anikeev/wagate/internal/registry"
)

// Handler provides common handler dependencies.
type Handler struct {
	reg *registry.Registry
	cfg *config.Config
}

// NewHandler creates a new Handler.
func NewHandler(reg *registry.Registry, cfg *config.Config) *Handler {
	return &Handler{reg: reg, cfg: cfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":true,"message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OK writes a success envelope carrying the given fields.
func OK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"error": false}
	for k, v := range fields {
		body[k] = v
	}
	JSON(w, http.StatusOK, body)
}

// Error writes an error envelope with a timestamp.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Fail maps a domain error to its HTTP status and writes the envelope.
// A guard timeout surfaces as 504 so callers can tell a stuck backend
// apart from a gateway bug.
func Fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guard.ErrTimedOut):
		Error(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrSessionExists):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidSessionID):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrTooManySessions):
		Error(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, registry.ErrNotReady):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// sessionFrom resolves the session id for a request. The session query
// parameter selects it; absent, the configured default applies.
func (h *Handler) sessionFrom(r *http.Request) string {
	if id := r.URL.Query().Get("session"); id != "" {
		return id
	}
	return h.cfg.DefaultSession
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
