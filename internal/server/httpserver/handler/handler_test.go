package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
	"github.com/yndnr/tablesnap-go/internal/telemetry/logger"
)

// fakeSaver records save calls and returns canned results.
type fakeSaver struct {
	status  storage.Status
	result  *storage.SaveResult
	err     error
	urgency []coordinator.Urgency
}

func (s *fakeSaver) Save(_ context.Context, u coordinator.Urgency) (*storage.SaveResult, error) {
	s.urgency = append(s.urgency, u)
	return s.result, s.err
}

func (s *fakeSaver) RequestSave(u coordinator.Urgency) (*coordinator.Signal, error) {
	s.urgency = append(s.urgency, u)
	return nil, s.err
}

func (s *fakeSaver) Status() storage.Status { return s.status }

type fakeCatalog struct {
	items []*snapshot.Info
	err   error
}

func (c *fakeCatalog) List() ([]*snapshot.Info, error) { return c.items, c.err }

func (c *fakeCatalog) Inspect(id string) (*snapshot.Info, error) {
	if c.err != nil {
		return nil, c.err
	}
	for _, info := range c.items {
		if info.ID == id {
			return info, nil
		}
	}
	return nil, domain.ErrSnapshotNotFound.WithDetails(id)
}

func newTestHandler(saver Saver, opts ...Option) *Handler {
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return New(saver, opts...)
}

// do runs one request and decodes the response envelope.
func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(logger.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(&fakeSaver{})
	rec, resp := do(t, h, http.MethodGet, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Code != "OK" || resp.RequestID != "req-1" {
		t.Errorf("envelope = %+v", resp)
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    int
	}{
		{"running", true, http.StatusOK},
		{"stopped", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&fakeSaver{status: storage.Status{Running: tt.running}})
			rec, _ := do(t, h, http.MethodGet, "/ready")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleSaveStatus(t *testing.T) {
	saver := &fakeSaver{status: storage.Status{Sink: "file", LastWrittenGeneration: 7}}
	h := newTestHandler(saver)

	rec, resp := do(t, h, http.MethodGet, "/admin/v1/save")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["sink"] != "file" || data["last_written_generation"] != float64(7) {
		t.Errorf("data = %v", resp.Data)
	}
}

func TestHandleSave(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		err         error
		wantStatus  int
		wantCode    string
		wantUrgency coordinator.Urgency
	}{
		{"default background", "/admin/v1/save", nil, http.StatusOK, "OK", coordinator.Background},
		{"blocking", "/admin/v1/save?mode=blocking", nil, http.StatusOK, "OK", coordinator.Blocking},
		{"in progress", "/admin/v1/save", domain.ErrSaveInProgress, http.StatusConflict, "TS-SAVE-4091", coordinator.Background},
		{"superseded", "/admin/v1/save", domain.ErrSaveSuperseded, http.StatusConflict, "TS-SAVE-4090", coordinator.Background},
		{"closed", "/admin/v1/save", domain.ErrEngineClosed, http.StatusServiceUnavailable, "TS-SAVE-5030", coordinator.Background},
		{"failed", "/admin/v1/save", domain.ErrSaveFailed.WithCause(errors.New("disk full")), http.StatusInternalServerError, "TS-SAVE-5000", coordinator.Background},
		{"timeout", "/admin/v1/save", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeInternal, coordinator.Background},
		{"plain error", "/admin/v1/save", errors.New("boom"), http.StatusInternalServerError, CodeInternal, coordinator.Background},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saver := &fakeSaver{err: tt.err}
			if tt.err == nil {
				saver.result = &storage.SaveResult{Generation: 3, Entities: 10, Written: true}
			}
			h := newTestHandler(saver)

			rec, resp := do(t, h, http.MethodPost, tt.target)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			if len(saver.urgency) != 1 || saver.urgency[0] != tt.wantUrgency {
				t.Errorf("urgency = %v, want [%v]", saver.urgency, tt.wantUrgency)
			}
			if tt.err != nil && rec.Header().Get("X-Error-Code") != tt.wantCode {
				t.Errorf("X-Error-Code = %q", rec.Header().Get("X-Error-Code"))
			}
		})
	}
}

func TestHandleSave_BadParameters(t *testing.T) {
	for _, target := range []string{"/admin/v1/save?mode=eventually", "/admin/v1/save?wait=maybe"} {
		t.Run(target, func(t *testing.T) {
			saver := &fakeSaver{}
			h := newTestHandler(saver)
			rec, resp := do(t, h, http.MethodPost, target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if resp.Code != "TS-ARG-1001" {
				t.Errorf("code = %q", resp.Code)
			}
			if len(saver.urgency) != 0 {
				t.Error("save should not run on bad parameters")
			}
		})
	}
}

func TestHandleSave_NoWaitError(t *testing.T) {
	saver := &fakeSaver{err: domain.ErrSaveInProgress}
	h := newTestHandler(saver)

	rec, _ := do(t, h, http.MethodPost, "/admin/v1/save?wait=false")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleSave_NoWaitWithEngine(t *testing.T) {
	cfg := storage.DefaultConfig(t.TempDir())
	cfg.SaveInterval = 0
	cfg.Logger = slog.New(slog.DiscardHandler)
	e, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	h := newTestHandler(e)
	rec, resp := do(t, h, http.MethodPost, "/admin/v1/save?mode=blocking&wait=false")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	data, _ := resp.Data.(map[string]any)
	if data["generation"] != float64(1) || data["urgency"] != "blocking" {
		t.Errorf("data = %v", resp.Data)
	}
	if got := e.Status().LastWrittenGeneration; got != 1 {
		t.Errorf("LastWrittenGeneration = %d, want 1", got)
	}
}

func TestHandleSnapshots(t *testing.T) {
	catalog := &fakeCatalog{items: []*snapshot.Info{
		{ID: "snapshot-a", Generation: 1},
		{ID: "snapshot-b", Generation: 2},
	}}
	h := newTestHandler(&fakeSaver{}, WithCatalog(catalog))

	rec, resp := do(t, h, http.MethodGet, "/admin/v1/snapshots")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["total"] != float64(2) {
		t.Errorf("total = %v, want 2", data["total"])
	}

	rec, resp = do(t, h, http.MethodGet, "/admin/v1/snapshots/snapshot-b")
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect status = %d", rec.Code)
	}
	data, _ = resp.Data.(map[string]any)
	if data["generation"] != float64(2) {
		t.Errorf("generation = %v, want 2", data["generation"])
	}

	rec, resp = do(t, h, http.MethodGet, "/admin/v1/snapshots/snapshot-z")
	if rec.Code != http.StatusNotFound || resp.Code != "TS-SNAP-4040" {
		t.Errorf("missing snapshot = %d %q, want 404 TS-SNAP-4040", rec.Code, resp.Code)
	}
}

func TestHandleSnapshots_Corrupted(t *testing.T) {
	h := newTestHandler(&fakeSaver{}, WithCatalog(&fakeCatalog{err: snapshot.ErrChecksumMismatch}))

	rec, resp := do(t, h, http.MethodGet, "/admin/v1/snapshots/snapshot-a")
	if rec.Code != http.StatusUnprocessableEntity || resp.Code != "TS-SNAP-4220" {
		t.Errorf("got %d %q, want 422 TS-SNAP-4220", rec.Code, resp.Code)
	}
}

func TestHandleSnapshots_NoCatalog(t *testing.T) {
	h := newTestHandler(&fakeSaver{})
	rec, resp := do(t, h, http.MethodGet, "/admin/v1/snapshots")
	if rec.Code != http.StatusNotImplemented || resp.Code != CodeNotImplemented {
		t.Errorf("got %d %q, want 501", rec.Code, resp.Code)
	}
}

func TestHandleConfigReload(t *testing.T) {
	calls := 0
	ok := newTestHandler(&fakeSaver{}, WithReload(func(context.Context) error {
		calls++
		return nil
	}))
	if rec, _ := do(t, ok, http.MethodPost, "/admin/v1/config/reload"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if calls != 1 {
		t.Errorf("reload called %d times", calls)
	}

	bad := newTestHandler(&fakeSaver{}, WithReload(func(context.Context) error {
		return errors.New("save.logging: unknown value")
	}))
	rec, resp := do(t, bad, http.MethodPost, "/admin/v1/config/reload")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if d, _ := resp.Details.(string); !strings.Contains(d, "save.logging") {
		t.Errorf("details = %v", resp.Details)
	}

	none := newTestHandler(&fakeSaver{})
	if rec, _ := do(t, none, http.MethodPost, "/admin/v1/config/reload"); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"TS-SNAP-4040", http.StatusNotFound},
		{"TS-ENT-4090", http.StatusConflict},
		{"TS-SAVE-4091", http.StatusConflict},
		{"TS-SNAP-4220", http.StatusUnprocessableEntity},
		{"TS-ENT-4001", http.StatusBadRequest},
		{"TS-ARG-1001", http.StatusBadRequest},
		{"TS-SAVE-5030", http.StatusServiceUnavailable},
		{"TS-SAVE-5000", http.StatusInternalServerError},
		{CodeNotImplemented, http.StatusNotImplemented},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := errorCodeToHTTPStatus(tt.code); got != tt.want {
				t.Errorf("errorCodeToHTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
