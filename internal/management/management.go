// Package management implements Rubberduck's REST management API (spec
// §6): proxy CRUD and lifecycle, failure-config editing, cache control,
// log querying/export, provider listing, and dashboard metrics.
package management

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rubberduck/rubberduck/internal/activity"
	"github.com/rubberduck/rubberduck/internal/cache"
	"github.com/rubberduck/rubberduck/internal/ipfilter"
	"github.com/rubberduck/rubberduck/internal/logging"
	"github.com/rubberduck/rubberduck/internal/provider"
	"github.com/rubberduck/rubberduck/internal/ratelimit"
	"github.com/rubberduck/rubberduck/internal/store"
)

const version = "0.1.0"

// LifecycleManager is the subset of *lifecycle.Manager the API needs;
// declared here as an interface so this package doesn't import
// lifecycle directly (lifecycle already imports store, and the
// management handlers only need start/stop/running-check).
type LifecycleManager interface {
	Start(proxyID string) error
	Stop(proxyID string, graceful bool) error
	IsRunning(proxyID string) bool
}

// Server bundles every dependency the management API's handlers need.
type Server struct {
	st         *store.Store
	cache      *cache.Cache
	adapters   *provider.Registry
	lifecycle  LifecycleManager
	limiter    *ratelimit.Limiter
	metrics    *logging.Aggregator
	activity   *activity.Hub
	log        *slog.Logger
	mux        *http.ServeMux
}

func New(st *store.Store, c *cache.Cache, adapters *provider.Registry, lc LifecycleManager, limiter *ratelimit.Limiter, metrics *logging.Aggregator, hub *activity.Hub, log *slog.Logger) *Server {
	s := &Server{st: st, cache: c, adapters: adapters, lifecycle: lc, limiter: limiter, metrics: metrics, activity: hub, log: log}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("GET /proxies", s.handleListProxies)
	s.mux.HandleFunc("POST /proxies", s.handleCreateProxy)
	s.mux.HandleFunc("GET /proxies/{id}", s.handleGetProxy)
	s.mux.HandleFunc("PUT /proxies/{id}", s.handleUpdateProxy)
	s.mux.HandleFunc("DELETE /proxies/{id}", s.handleDeleteProxy)
	s.mux.HandleFunc("POST /proxies/{id}/start", s.handleStartProxy)
	s.mux.HandleFunc("POST /proxies/{id}/stop", s.handleStopProxy)

	s.mux.HandleFunc("GET /proxies/{id}/failure-config", s.handleGetFailureConfig)
	s.mux.HandleFunc("PUT /proxies/{id}/failure-config", s.handlePutFailureConfig)
	s.mux.HandleFunc("POST /proxies/{id}/failure-config/reset", s.handleResetFailureConfig)

	s.mux.HandleFunc("GET /cache/{proxy_id}/stats", s.handleCacheStats)
	s.mux.HandleFunc("DELETE /cache/{proxy_id}", s.handleCacheInvalidateOne)
	s.mux.HandleFunc("DELETE /cache", s.handleCacheInvalidateAll)

	s.mux.HandleFunc("GET /logs", s.handleQueryLogs)

	s.mux.HandleFunc("GET /providers", s.handleListProviders)

	s.mux.HandleFunc("GET /dashboard/metrics", s.handleDashboardMetrics)
	s.mux.HandleFunc("GET /dashboard/recent-activity", s.handleRecentActivity)
	s.mux.HandleFunc("GET /dashboard/feed", s.activity.ServeWS)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running, err := s.st.CountRunningProxies()
	dbStatus := "ok"
	if err != nil {
		dbStatus = "unreachable"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"version":             version,
		"db_status":           dbStatus,
		"running_proxy_count": running,
	})
}

type createProxyRequest struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	Port        int      `json:"port"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "name and provider are required")
		return
	}
	if _, ok := s.adapters.Get(req.Provider); !ok {
		writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}

	port := req.Port
	if port == 0 {
		p, err := s.nextFreePort()
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		port = p
	}

	p := &store.Proxy{
		ID:            uuid.NewString(),
		OwnerID:       callerID(r),
		Name:          req.Name,
		ProviderTag:   req.Provider,
		Port:          port,
		Status:        store.StatusStopped,
		Description:   req.Description,
		Tags:          req.Tags,
		FailureConfig: store.DefaultFailureConfig(),
		CreatedAt:     time.Now(),
	}
	if err := s.st.CreateProxy(p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// autoPortRangeStart and autoPortRangeEnd bound the automatic port
// assignment spec §3 describes for proxies created without an explicit
// port: "first free in 8001-9999".
const (
	autoPortRangeStart = 8001
	autoPortRangeEnd   = 9999
)

// nextFreePort scans the auto-assignment range for the first port with
// no bound proxy.
func (s *Server) nextFreePort() (int, error) {
	for port := autoPortRangeStart; port <= autoPortRangeEnd; port++ {
		_, err := s.st.GetProxyByPort(port)
		if err == nil {
			continue
		}
		if _, ok := err.(*store.NotFoundError); ok {
			return port, nil
		}
		return 0, err
	}
	return 0, errInvalid("no free port available in 8001-9999")
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.st.ListProxiesByOwner(callerID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetProxy(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.st.GetProxy(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req createProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Port != 0 && req.Port != existing.Port && existing.Status != store.StatusStopped {
		writeError(w, http.StatusConflict, "proxy must be stopped before changing its port")
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.Tags = req.Tags
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if err := s.st.UpdateProxyFields(existing); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteProxy(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lifecycle.Start(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	p, _ := s.st.GetProxy(id)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lifecycle.Stop(id, true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, _ := s.st.GetProxy(id)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetFailureConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetProxy(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.FailureConfig)
}

func (s *Server) handlePutFailureConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var fc store.FailureConfig
	if err := json.NewDecoder(r.Body).Decode(&fc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateFailureConfig(fc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.st.PutFailureConfig(id, fc); err != nil {
		writeStoreError(w, err)
		return
	}
	s.limiter.Reset(id)
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleResetFailureConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fc := store.DefaultFailureConfig()
	if err := s.st.PutFailureConfig(id, fc); err != nil {
		writeStoreError(w, err)
		return
	}
	s.limiter.Reset(id)
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	proxyID := r.PathValue("proxy_id")

	snap, err := s.metrics.Snapshot(r.Context(), proxyID)
	var hitRate60m *float64
	if err == nil {
		if win, ok := snap.Windows["1h"]; ok && win.SampleCount > 0 {
			hr := win.CacheHitRate
			hitRate60m = &hr
		}
	}

	stats, err := s.cache.Stats(proxyID, hitRate60m)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheInvalidateOne(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Invalidate(r.PathValue("proxy_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) handleCacheInvalidateAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.InvalidateAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := store.LogQuery{
		ProxyID: r.URL.Query().Get("proxy_id"),
		Limit:   100,
	}
	if sc := r.URL.Query().Get("status_code"); sc != "" {
		if n, err := strconv.Atoi(sc); err == nil {
			q.StatusClass = n
		}
	}
	if ch := r.URL.Query().Get("cache_hit"); ch != "" {
		b := ch == "true"
		q.CacheHit = &b
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			q.Offset = n
		}
	}

	entries, err := s.st.QueryLogs(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch r.URL.Query().Get("export") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		logging.WriteCSV(w, entries)
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		logging.WriteJSONL(w, entries)
	default:
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.adapters.Tags())
}

func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.metrics.Snapshot(context.Background(), r.URL.Query().Get("proxy_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	entries, err := s.st.QueryLogs(store.LogQuery{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// validateFailureConfig enforces spec §3's FailureConfig invariants
// before a config update is persisted.
func validateFailureConfig(fc store.FailureConfig) error {
	if fc.TimeoutRate < 0 || fc.TimeoutRate > 1 {
		return errInvalid("timeout_rate must be within [0,1]")
	}
	for code, rate := range fc.ErrorRates {
		if rate < 0 || rate > 1 {
			return errInvalid("error rate for " + strconv.Itoa(code) + " must be within [0,1]")
		}
		if code < 100 || code > 599 {
			return errInvalid("error status code " + strconv.Itoa(code) + " must be within [100,599]")
		}
	}
	if fc.RateLimitingEnabled && fc.RequestsPerMinute <= 0 {
		return errInvalid("requests_per_minute must be positive when rate limiting is enabled")
	}
	if fc.IPFilteringEnabled {
		if _, err := ipfilter.Compile(fc.IPAllowlist, fc.IPBlocklist); err != nil {
			return err
		}
	}
	if fc.ResponseDelayMaxSecond < fc.ResponseDelayMinSecond {
		return errInvalid("response_delay_max_seconds must be >= response_delay_min_seconds")
	}
	if fc.ResponseDelayMinSecond < 0 {
		return errInvalid("response_delay_min_seconds must be >= 0")
	}
	if fc.ResponseDelayMaxSecond > 30 {
		return errInvalid("response_delay_max_seconds must be <= 30")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }

func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Owner-Id"); id != "" {
		return id
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *store.NotFoundError:
		writeError(w, http.StatusNotFound, err.Error())
	case *store.ConflictError:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
