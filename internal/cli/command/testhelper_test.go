package command

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
)

// mockServer is an admin API stand-in with per-path handlers.
type mockServer struct {
	*httptest.Server
	handlers map[string]http.HandlerFunc
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := m.handlers[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		errorResponse(w, http.StatusNotFound, "TS-SYS-4040", "not found")
	}))
	t.Cleanup(m.Close)
	return m
}

// handle registers a handler for "METHOD /path".
func (m *mockServer) handle(pattern string, h http.HandlerFunc) {
	m.handlers[pattern] = h
}

// jsonResponse writes data inside the server envelope.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       "OK",
		"message":    "Success",
		"request_id": "req-test",
		"data":       data,
	})
}

func errorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"message":    message,
		"request_id": "req-test",
	})
}

// runApp runs the CLI with args and returns what it wrote to stdout and
// stderr.
func runApp(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := App()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}

	err = app.RunContext(t.Context(), append([]string{"tablesnap-cli"}, args...))
	return out.String(), errOut.String(), err
}

// writeSnapshots creates n snapshot files in a fresh directory.
func writeSnapshots(t *testing.T, n int, enc snapshot.EncryptionConfig) (string, []*snapshot.Info) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := snapshot.NewManager(snapshot.Config{Dir: dir, Encryption: enc})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var infos []*snapshot.Info
	for gen := 1; gen <= n; gen++ {
		snap := &domain.Snapshot{
			Generation: uint64(gen),
			CreatedAt:  time.Now().UnixMilli(),
			Attributes: make(map[domain.EntityID]*domain.Attributes),
			Meta:       map[string]string{"sim.seed": "42"},
		}
		for i := 0; i < gen+1; i++ {
			e := domain.NewEntity(int32(i), domain.Vec3{X: float32(i)})
			snap.Entities = append(snap.Entities, e)
			a := &domain.Attributes{}
			a.SetString(domain.AttributeKey("name"), "crate")
			snap.Attributes[e.ID] = a
		}
		info, err := mgr.Create(snap)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		infos = append(infos, info)
	}
	return dir, infos
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
