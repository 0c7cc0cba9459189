package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
	"github.com/yndnr/tablesnap-go/internal/telemetry/logger"
)

// Error codes produced by the HTTP layer itself.
const (
	CodeInternal       = "TS-SYS-5000"
	CodeNotImplemented = "TS-SYS-5010"
)

// Saver is the part of the storage engine the handlers drive.
type Saver interface {
	Save(ctx context.Context, urgency coordinator.Urgency) (*storage.SaveResult, error)
	RequestSave(urgency coordinator.Urgency) (*coordinator.Signal, error)
	Status() storage.Status
}

// ReloadFunc re-reads the configuration and applies the hot-reloadable
// settings.
type ReloadFunc func(ctx context.Context) error

// Handler serves the health and admin endpoints.
type Handler struct {
	saver   Saver
	catalog storage.Catalog
	reload  ReloadFunc
	logger  *slog.Logger
	mux     *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithCatalog enables the snapshot listing endpoints.
func WithCatalog(c storage.Catalog) Option {
	return func(h *Handler) {
		h.catalog = c
	}
}

// WithReload enables POST /admin/v1/config/reload.
func WithReload(fn ReloadFunc) Option {
	return func(h *Handler) {
		h.reload = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// New creates a Handler serving saver.
func New(saver Saver, opts ...Option) *Handler {
	h := &Handler{
		saver:  saver,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)

	h.mux.HandleFunc("GET /admin/v1/save", h.handleSaveStatus)
	h.mux.HandleFunc("POST /admin/v1/save", h.handleSave)

	h.mux.HandleFunc("GET /admin/v1/snapshots", h.handleListSnapshots)
	h.mux.HandleFunc("GET /admin/v1/snapshots/{id}", h.handleGetSnapshot)

	h.mux.HandleFunc("POST /admin/v1/config/reload", h.handleConfigReload)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())
	response := NewResponse(requestID, data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := logger.RequestIDFromContext(r.Context())
	response := NewErrorResponse(requestID, code, message, details)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// handleError converts engine and storage errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, snapshot.ErrChecksumMismatch) || errors.Is(err, snapshot.ErrInvalidMagic) {
		err = domain.ErrSnapshotCorrupted.WithCause(err)
	}

	var de *domain.DomainError
	if errors.As(err, &de) {
		status := errorCodeToHTTPStatus(de.Code)
		if status >= http.StatusInternalServerError {
			logger.L(r.Context()).Error("request failed", "code", de.Code, "error", err)
		}
		var details any
		if de.Details != "" {
			details = de.Details
		}
		h.writeError(w, r, status, de.Code, de.Message, details)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.writeError(w, r, http.StatusGatewayTimeout, CodeInternal, "request timed out", nil)
		return
	}

	logger.L(r.Context()).Error("internal error", "error", err)
	h.writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}

// errorCodeToHTTPStatus maps error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"), strings.HasSuffix(code, "-4091"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4220"):
		return http.StatusUnprocessableEntity
	case strings.HasSuffix(code, "-4001"), strings.HasPrefix(code, "TS-ARG-"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-5030"):
		return http.StatusServiceUnavailable
	case code == CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
