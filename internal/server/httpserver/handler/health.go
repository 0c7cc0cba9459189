package handler

import (
	"net/http"
	"time"
)

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /ready. The server is ready once the engine
// has recovered and its frame loop is running.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.saver.Status().Running {
		h.writeError(w, r, http.StatusServiceUnavailable, "TS-SAVE-5030", "engine not running", nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
