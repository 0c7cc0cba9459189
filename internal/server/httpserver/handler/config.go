package handler

import "net/http"

// handleConfigReload handles POST /admin/v1/config/reload.
func (h *Handler) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.writeError(w, r, http.StatusNotImplemented, CodeNotImplemented, "config reload not configured", nil)
		return
	}
	if err := h.reload(r.Context()); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "TS-ARG-1001", "config reload failed", err.Error())
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "reloaded"})
}
