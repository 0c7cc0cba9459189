package handler

import (
	"net/http"
	"strconv"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// handleSaveStatus handles GET /admin/v1/save.
func (h *Handler) handleSaveStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.saver.Status())
}

// handleSave handles POST /admin/v1/save.
//
// Query parameters:
//
//	mode  background (default) or blocking
//	wait  true (default) waits for the write; false returns 202 once
//	      the collection has started
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	urgency := coordinator.Background
	if mode := q.Get("mode"); mode != "" {
		u, err := coordinator.ParseUrgency(mode)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		urgency = u
	}

	wait := true
	if v := q.Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.handleError(w, r, domain.ErrInvalidArgument.WithDetails("wait: "+v))
			return
		}
		wait = b
	}

	if !wait {
		sig, err := h.saver.RequestSave(urgency)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, r, http.StatusAccepted, SaveAccepted{
			Generation: sig.Generation(),
			Urgency:    urgency.String(),
		})
		return
	}

	res, err := h.saver.Save(r.Context(), urgency)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}
