package lifecycle

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rubberduck/rubberduck/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lifecycle_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestProxy(t *testing.T, st *store.Store, port int) *store.Proxy {
	t.Helper()
	p := &store.Proxy{
		ID:            uuid.NewString(),
		OwnerID:       "owner",
		Name:          "test",
		ProviderTag:   "openai",
		Port:          port,
		Status:        store.StatusStopped,
		FailureConfig: store.DefaultFailureConfig(),
		CreatedAt:     time.Now(),
	}
	if err := st.CreateProxy(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStartAndStop(t *testing.T) {
	st := openTestStore(t)
	port := freePort(t)
	p := newTestProxy(t, st, port)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(st, log, func(proxyID string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
		})
	})

	if err := m.Start(p.ID); err != nil {
		t.Fatal(err)
	}
	if !m.IsRunning(p.ID) {
		t.Error("expected proxy to be running")
	}

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/v1/chat/completions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	got, err := st.GetProxy(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Errorf("expected persisted status running, got %s", got.Status)
	}

	if err := m.Stop(p.ID, true); err != nil {
		t.Fatal(err)
	}
	if m.IsRunning(p.ID) {
		t.Error("expected proxy to be stopped")
	}
	got, _ = st.GetProxy(p.ID)
	if got.Status != store.StatusStopped {
		t.Errorf("expected persisted status stopped, got %s", got.Status)
	}
}

func TestStart_BindFailureMarksError(t *testing.T) {
	st := openTestStore(t)
	port := freePort(t)

	blocker, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()

	p := newTestProxy(t, st, port)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(st, log, func(proxyID string) http.Handler { return http.NotFoundHandler() })

	if err := m.Start(p.ID); err == nil {
		t.Fatal("expected bind failure")
	}
	got, _ := st.GetProxy(p.ID)
	if got.Status != store.StatusError {
		t.Errorf("expected status error, got %s", got.Status)
	}
}

func TestBootRecover_StartsPersistedRunningProxies(t *testing.T) {
	st := openTestStore(t)
	port := freePort(t)
	p := newTestProxy(t, st, port)
	if err := st.UpdateProxyStatus(p.ID, store.StatusRunning); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(st, log, func(proxyID string) http.Handler { return http.NotFoundHandler() })

	if err := m.BootRecover(); err != nil {
		t.Fatal(err)
	}
	if !m.IsRunning(p.ID) {
		t.Error("expected boot recovery to restart the proxy")
	}
	m.ShutdownAll()
}
