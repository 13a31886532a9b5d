// Package handler implements the per-request pipeline described in spec
// §4.F: failure simulation, cache lookup, upstream forwarding (with
// incremental streaming for Bedrock's invoke-with-response-stream
// endpoint), cache write, response delay, and log-entry persistence.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rubberduck/rubberduck/internal/activity"
	"github.com/rubberduck/rubberduck/internal/cache"
	"github.com/rubberduck/rubberduck/internal/failsim"
	"github.com/rubberduck/rubberduck/internal/logging"
	"github.com/rubberduck/rubberduck/internal/provider"
	"github.com/rubberduck/rubberduck/internal/store"
)

// upstreamTimeout is the default deadline for an upstream call (spec
// §4.F "Upstream timeouts apply a default 30s deadline unless
// overridden").
const upstreamTimeout = 30 * time.Second

// hopByHopHeaders must never be copied between the client and the
// upstream; they describe the specific TCP hop, not the payload.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Deps are the shared, process-wide services every proxy's handler
// draws on. Each request re-reads its Proxy row from Store, so a
// failure-config update takes effect on the next request (spec §5
// "Shared resources").
type Deps struct {
	Adapters *provider.Registry
	Sim      *failsim.Simulator
	Cache    *cache.Cache
	Store    *store.Store
	Activity *activity.Hub
	Metrics  *logging.Aggregator
	Log      *slog.Logger
	Client   *http.Client

	// UpstreamTimeout overrides the default 30s upstream deadline (spec
	// §4.F). Zero means "use the default" — tests shorten it to exercise
	// the timeout path without waiting 30s for real.
	UpstreamTimeout time.Duration
}

func (d Deps) upstreamTimeout() time.Duration {
	if d.UpstreamTimeout > 0 {
		return d.UpstreamTimeout
	}
	return upstreamTimeout
}

// New builds the http.Handler for one proxy. It's passed to
// lifecycle.Manager as a HandlerFactory.
func New(deps Deps, proxyID string) http.Handler {
	return &requestHandler{deps: deps, proxyID: proxyID}
}

type requestHandler struct {
	deps    Deps
	proxyID string
}

func (h *requestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t0 := time.Now()

	if h.deps.Metrics != nil {
		h.deps.Metrics.RequestStarted(h.proxyID)
	}

	p, err := h.deps.Store.GetProxy(h.proxyID)
	if err != nil {
		http.Error(w, "proxy not found", http.StatusInternalServerError)
		return
	}

	adapter, ok := h.deps.Adapters.Get(p.ProviderTag)
	if !ok {
		http.Error(w, "unsupported provider", http.StatusInternalServerError)
		return
	}

	clientIP := clientAddr(r)
	entry := &store.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: t0,
		ProxyID:   h.proxyID,
		ClientIP:  clientIP,
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	defer func() { h.finish(entry, t0) }()

	verdict, err := h.deps.Sim.Run(r.Context(), h.proxyID, clientIP, p.FailureConfig)
	if err != nil {
		// Context canceled mid-suspension (client disconnect or an
		// infinite injected timeout racing ctx.Done()); nothing more to
		// send.
		entry.FailureType = store.FailureTimeout
		return
	}
	if !verdict.Proceed {
		h.writeVerdict(w, verdict, entry)
		return
	}

	rec, err := adapter.Recognize(r.Method, r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		entry.StatusCode = http.StatusNotFound
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		entry.StatusCode = http.StatusBadRequest
		return
	}

	normalized := adapter.Normalize(body, r.Header)
	key := cache.Key(p.ProviderTag, rec.Kind, normalized)
	entry.PromptHash = key

	if cached, hit, _ := h.deps.Cache.Lookup(h.proxyID, key); hit {
		entry.CacheHit = true
		h.writeCached(w, cached, p, entry)
		return
	}

	h.forwardUpstream(w, r, adapter, rec, body, key, p, entry)
}

func (h *requestHandler) writeVerdict(w http.ResponseWriter, v failsim.Verdict, entry *store.LogEntry) {
	for k, val := range v.Headers {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(v.StatusCode)
	w.Write(v.Body)
	entry.StatusCode = v.StatusCode
	entry.FailureType = v.FailureType
}

func (h *requestHandler) writeCached(w http.ResponseWriter, e *store.CacheEntry, p *store.Proxy, entry *store.LogEntry) {
	for k, vs := range e.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	delay := h.deps.Sim.ResponseDelay(context.Background(), p.FailureConfig, true)
	w.WriteHeader(e.StatusCode)
	w.Write(e.Body)
	entry.StatusCode = e.StatusCode
	entry.UpstreamBytes = int64(len(e.Body))
	entry.ResponseDelayMs = delay
	entry.FailureType = store.FailureNone
}

func (h *requestHandler) forwardUpstream(w http.ResponseWriter, r *http.Request, adapter provider.Adapter, rec provider.Recognition, body []byte, key string, p *store.Proxy, entry *store.LogEntry) {
	url, err := adapter.UpstreamURL(r.URL.RequestURI(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		entry.StatusCode = http.StatusBadGateway
		entry.FailureType = store.FailureUpstreamError
		return
	}

	upstreamReq := &provider.UpstreamRequest{
		Method: r.Method,
		URL:    url,
		Header: stripHopByHop(r.Header.Clone()),
		Body:   body,
	}
	if err := adapter.Authorize(upstreamReq, rec); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "auth_error", err.Error())
		entry.StatusCode = http.StatusUnauthorized
		entry.FailureType = store.FailureUpstreamError
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.upstreamTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, upstreamReq.Method, upstreamReq.URL, bodyReader(upstreamReq.Body))
	if err != nil {
		http.Error(w, "building upstream request", http.StatusBadGateway)
		entry.StatusCode = http.StatusBadGateway
		entry.FailureType = store.FailureUpstreamError
		return
	}
	httpReq.Header = upstreamReq.Header

	resp, err := h.deps.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "upstream request timed out", http.StatusGatewayTimeout)
			entry.StatusCode = http.StatusGatewayTimeout
			entry.FailureType = store.FailureUpstreamTimeout
			return
		}
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		entry.StatusCode = http.StatusBadGateway
		entry.FailureType = store.FailureUpstreamError
		return
	}
	defer resp.Body.Close()

	if isBedrock(p.ProviderTag) && provider.IsBedrockStreaming(rec) {
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		written := streamIncremental(w, resp.Body)
		entry.StatusCode = resp.StatusCode
		entry.UpstreamBytes = written
		entry.FailureType = store.FailureNone
		// Streaming responses aren't buffered, so they're never cached
		// (no complete body to hash against the 2xx-only cache rule).
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		entry.StatusCode = resp.StatusCode
		entry.FailureType = store.FailureUpstreamError
		return
	}

	statusCode, header, respBody := resp.StatusCode, resp.Header, respBody
	if statusCode >= 400 {
		statusCode, header, respBody = adapter.TranslateError(statusCode, header, respBody)
	}

	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(statusCode)
	w.Write(respBody)
	written := int64(len(respBody))

	if statusCode >= 200 && statusCode < 300 {
		h.deps.Cache.Store(&store.CacheEntry{
			ProxyID:    h.proxyID,
			Key:        key,
			StatusCode: statusCode,
			Headers:    header,
			Body:       respBody,
			CreatedAt:  time.Now(),
		})
	}

	delay := h.deps.Sim.ResponseDelay(r.Context(), p.FailureConfig, false)
	entry.StatusCode = statusCode
	entry.UpstreamBytes = written
	entry.ResponseDelayMs = delay
	entry.FailureType = store.FailureNone
}

// streamIncremental copies the upstream body to the client as it
// arrives, flushing after every chunk, rather than buffering the whole
// response first (spec's Open Question decision: Bedrock's
// invoke-with-response-stream is forwarded incrementally).
func streamIncremental(w http.ResponseWriter, body io.Reader) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				break
			}
			break
		}
	}
	return total
}

func (h *requestHandler) finish(entry *store.LogEntry, t0 time.Time) {
	latency := time.Since(t0)
	entry.LatencyMs = latency.Milliseconds()
	if err := h.deps.Store.AppendLog(entry); err != nil {
		h.deps.Log.Error("appending log entry", "proxy_id", h.proxyID, "error", err)
	}
	if h.deps.Activity != nil {
		h.deps.Activity.Publish(entry)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RequestFinished(h.proxyID, entry.StatusCode, latency)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func stripHopByHop(h http.Header) http.Header {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	return h
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func isBedrock(providerTag string) bool {
	return providerTag == "aws_bedrock"
}

// writeJSONError writes a JSON error body of the shape clients expect
// from provider SDKs' auth failures (spec §4.B.1: Bedrock without
// credentials fails with a 401 "JSON body describing how to supply
// headers").
func writeJSONError(w http.ResponseWriter, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
