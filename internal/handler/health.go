package handler

import (
	"net/http"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	journal Checker
}

// NewHealthHandler creates a new health handler. journal may be nil when
// the journal is disabled.
func NewHealthHandler(journal Checker) *HealthHandler {
	return &HealthHandler{
		journal: journal,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.journal != nil && !h.journal.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
