package management

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubberduck/rubberduck/internal/activity"
	"github.com/rubberduck/rubberduck/internal/cache"
	"github.com/rubberduck/rubberduck/internal/logging"
	"github.com/rubberduck/rubberduck/internal/provider"
	"github.com/rubberduck/rubberduck/internal/ratelimit"
	"github.com/rubberduck/rubberduck/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLifecycle stands in for *lifecycle.Manager so these tests don't
// have to bind real TCP listeners.
type fakeLifecycle struct {
	started map[string]bool
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{started: map[string]bool{}}
}

func (f *fakeLifecycle) Start(proxyID string) error {
	f.started[proxyID] = true
	return nil
}

func (f *fakeLifecycle) Stop(proxyID string, graceful bool) error {
	delete(f.started, proxyID)
	return nil
}

func (f *fakeLifecycle) IsRunning(proxyID string) bool {
	return f.started[proxyID]
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := provider.NewRegistryWithAdapters(provider.NewOpenAI(), provider.NewAnthropic())
	c := cache.New(st, 1<<20)
	limiter := ratelimit.New()
	t.Cleanup(limiter.Close)
	metrics := logging.NewAggregator(st, prometheus.NewRegistry())
	hub := activity.NewHub()

	s := New(st, c, registry, newFakeLifecycle(), limiter, metrics, hub, testLogger())
	return s, st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["db_status"] != "ok" {
		t.Errorf("expected db_status ok, got %v", body["db_status"])
	}
}

func TestCreateProxy_AutoAssignsPort(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p store.Proxy
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Port < autoPortRangeStart || p.Port > autoPortRangeEnd {
		t.Errorf("expected auto-assigned port in range, got %d", p.Port)
	}
	if p.Status != store.StatusStopped {
		t.Errorf("expected new proxy to be stopped, got %s", p.Status)
	}
}

func TestCreateProxy_UnknownProviderRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "not-a-provider"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteProxy_ConflictWhenRunning(t *testing.T) {
	s, st := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai", Port: 8123})
	var p store.Proxy
	json.Unmarshal(rec.Body.Bytes(), &p)

	if err := st.UpdateProxyStatus(p.ID, store.StatusRunning); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, s, http.MethodDelete, "/proxies/"+p.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 deleting a running proxy, got %d", rec.Code)
	}
}

func TestPutFailureConfig_ValidatesInvariants(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai", Port: 8124})
	var p store.Proxy
	json.Unmarshal(rec.Body.Bytes(), &p)

	fc := store.DefaultFailureConfig()
	fc.ResponseDelayEnabled = true
	fc.ResponseDelayMinSecond = 5
	fc.ResponseDelayMaxSecond = 1

	rec = doJSON(t, s, http.MethodPut, "/proxies/"+p.ID+"/failure-config", fc)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max < min, got %d: %s", rec.Code, rec.Body.String())
	}

	fc.ResponseDelayMinSecond = 1
	fc.ResponseDelayMaxSecond = 2
	rec = doJSON(t, s, http.MethodPut, "/proxies/"+p.ID+"/failure-config", fc)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid config, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPutFailureConfig_RejectsOutOfRangeErrorCode(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai", Port: 8125})
	var p store.Proxy
	json.Unmarshal(rec.Body.Bytes(), &p)

	fc := store.DefaultFailureConfig()
	fc.ErrorInjectionEnabled = true
	fc.ErrorRates = map[int]float64{9001: 0.5}

	rec = doJSON(t, s, http.MethodPut, "/proxies/"+p.ID+"/failure-config", fc)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range status code, got %d", rec.Code)
	}
}

func TestPutFailureConfig_ValidatesInvariantsEvenWhenDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai", Port: 8130})
	var p store.Proxy
	json.Unmarshal(rec.Body.Bytes(), &p)

	fc := store.DefaultFailureConfig()
	fc.ResponseDelayEnabled = false
	fc.ResponseDelayMinSecond = 5
	fc.ResponseDelayMaxSecond = 1

	rec = doJSON(t, s, http.MethodPut, "/proxies/"+p.ID+"/failure-config", fc)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for max < min even though response delay is disabled, got %d: %s", rec.Code, rec.Body.String())
	}

	fc = store.DefaultFailureConfig()
	fc.TimeoutEnabled = false
	fc.TimeoutRate = 1.5

	rec = doJSON(t, s, http.MethodPut, "/proxies/"+p.ID+"/failure-config", fc)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range timeout_rate even though timeout injection is disabled, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCacheInvalidate(t *testing.T) {
	s, st := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/proxies", createProxyRequest{Name: "p1", Provider: "openai", Port: 8126})
	var p store.Proxy
	json.Unmarshal(rec.Body.Bytes(), &p)

	if err := st.CachePut(&store.CacheEntry{ProxyID: p.ID, Key: "abc", StatusCode: 200, Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, s, http.MethodDelete, "/cache/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int64
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["invalidated"] != 1 {
		t.Errorf("expected 1 invalidated entry, got %d", resp["invalidated"])
	}
}
