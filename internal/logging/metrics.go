// Package logging derives rolling-window metrics from persisted
// LogEntries and exposes them both as a JSON snapshot for the dashboard
// and as Prometheus gauges/counters (spec §4.G).
package logging

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubberduck/rubberduck/internal/store"
)

// Window is a named rolling window over which metrics are aggregated.
type Window struct {
	Name     string
	Duration time.Duration
}

var Windows = []Window{
	{"1m", time.Minute},
	{"15m", 15 * time.Minute},
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
}

// WindowMetrics is the aggregate spec §4.G defines for one window.
type WindowMetrics struct {
	RPM           float64 `json:"rpm"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorRate     float64 `json:"error_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	SampleCount   int     `json:"sample_count"`
}

// Snapshot is the full per-proxy (or fleet-wide, when proxyID is "")
// metrics payload for /dashboard/metrics. Windows are scoped to ProxyID;
// InFlightCount is always the process-wide count.
type Snapshot struct {
	ProxyID       string                   `json:"proxy_id,omitempty"`
	Windows       map[string]WindowMetrics `json:"windows"`
	InFlightCount int64                    `json:"in_flight_count"`
}

// Aggregator computes Snapshots on demand from store-backed window
// queries, and tracks the in_flight_count gauge in memory (it isn't
// derivable from completed LogEntries).
type Aggregator struct {
	st       *store.Store
	inFlight int64

	requestsTotal  *prometheus.CounterVec
	latencySeconds *prometheus.HistogramVec
	inFlightGauge  *prometheus.GaugeVec
}

// NewAggregator registers its Prometheus collectors against reg and
// returns the ready-to-use Aggregator.
func NewAggregator(st *store.Store, reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{
		st: st,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rubberduck_requests_total",
			Help: "Total requests handled, labeled by proxy and status class.",
		}, []string{"proxy_id", "status_class"}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rubberduck_request_duration_seconds",
			Help:    "Request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"proxy_id"}),
		inFlightGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rubberduck_in_flight_requests",
			Help: "Requests currently being handled, per proxy.",
		}, []string{"proxy_id"}),
	}
	reg.MustRegister(a.requestsTotal, a.latencySeconds, a.inFlightGauge)
	return a
}

// RequestStarted increments the in-flight gauge. Call at step 1 of the
// request handler; pair with RequestFinished.
func (a *Aggregator) RequestStarted(proxyID string) {
	atomic.AddInt64(&a.inFlight, 1)
	a.inFlightGauge.WithLabelValues(proxyID).Inc()
}

// RequestFinished records the completed request's metrics and
// decrements the in-flight gauge.
func (a *Aggregator) RequestFinished(proxyID string, statusCode int, latency time.Duration) {
	atomic.AddInt64(&a.inFlight, -1)
	a.inFlightGauge.WithLabelValues(proxyID).Dec()
	a.requestsTotal.WithLabelValues(proxyID, statusClass(statusCode)).Inc()
	a.latencySeconds.WithLabelValues(proxyID).Observe(latency.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// Snapshot computes the windowed metrics for proxyID ("" means fleet-wide)
// by scanning LogEntries in each window (spec §4.G: "dashboard reads are
// O(entries in window) or better").
func (a *Aggregator) Snapshot(ctx context.Context, proxyID string) (Snapshot, error) {
	snap := Snapshot{ProxyID: proxyID, Windows: make(map[string]WindowMetrics), InFlightCount: atomic.LoadInt64(&a.inFlight)}

	for _, w := range Windows {
		since := time.Now().Add(-w.Duration)
		entries, err := a.st.WindowEntries(proxyID, since)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Windows[w.Name] = computeWindow(entries, w.Duration)
	}
	return snap, nil
}

func computeWindow(entries []*store.LogEntry, duration time.Duration) WindowMetrics {
	n := len(entries)
	if n == 0 {
		return WindowMetrics{}
	}

	var cacheHits, errors int
	latencies := make([]int64, n)
	for i, e := range entries {
		if e.CacheHit {
			cacheHits++
		}
		if e.StatusCode >= 400 || e.FailureType != store.FailureNone {
			errors++
		}
		latencies[i] = e.LatencyMs
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum int64
	for _, l := range latencies {
		sum += l
	}

	return WindowMetrics{
		RPM:          float64(n) * 60.0 / duration.Seconds(),
		CacheHitRate: float64(cacheHits) / float64(n),
		ErrorRate:    float64(errors) / float64(n),
		AvgLatencyMs: float64(sum) / float64(n),
		P95LatencyMs: float64(percentile(latencies, 0.95)),
		P99LatencyMs: float64(percentile(latencies, 0.99)),
		SampleCount:  n,
	}
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
