package api

import (
	"net/http"
	"time"
)

// Version is set at build time.
var Version = "dev"

// Health reports liveness. Unauthenticated: load balancers probe it.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
