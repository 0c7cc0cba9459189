package handler

import (
	"net/http"
)

// handleListSnapshots handles GET /admin/v1/snapshots.
func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.writeError(w, r, http.StatusNotImplemented, CodeNotImplemented, "sink cannot list snapshots", nil)
		return
	}

	items, err := h.catalog.List()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ListSnapshotsResponse{Items: items, Total: len(items)})
}

// handleGetSnapshot handles GET /admin/v1/snapshots/{id}. The checksum
// is verified but the payload is not decrypted.
func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.writeError(w, r, http.StatusNotImplemented, CodeNotImplemented, "sink cannot list snapshots", nil)
		return
	}

	info, err := h.catalog.Inspect(r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}
