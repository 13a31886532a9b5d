package store

import (
	"strconv"
	"time"
)

// ProxyStatus is the lifecycle state of a Proxy row (spec §3).
type ProxyStatus string

const (
	StatusStopped ProxyStatus = "stopped"
	StatusRunning ProxyStatus = "running"
	StatusError   ProxyStatus = "error"
)

// Proxy is the identity of one listener.
type Proxy struct {
	ID           string
	OwnerID      string
	Name         string
	ProviderTag  string
	Port         int
	Status       ProxyStatus
	Description  string
	Tags         []string
	FailureConfig FailureConfig
	CreatedAt    time.Time
}

// FailureConfig is embedded in Proxy and persisted as a JSON blob column.
// Zero value is "everything disabled".
type FailureConfig struct {
	TimeoutEnabled bool    `json:"timeout_enabled"`
	TimeoutRate    float64 `json:"timeout_rate"`
	// TimeoutSeconds is nil to mean "hang until the client disconnects or
	// an outer deadline fires" (spec §3's timeout_seconds: float | ∞).
	// encoding/json can't round-trip +Inf, so infinity is represented by
	// a JSON null (written as null, read from null or an absent field)
	// rather than a float sentinel.
	TimeoutSeconds *float64 `json:"timeout_seconds"`

	ErrorInjectionEnabled bool            `json:"error_injection_enabled"`
	ErrorRates            map[int]float64 `json:"error_rates"`

	RateLimitingEnabled bool `json:"rate_limiting_enabled"`
	RequestsPerMinute   int  `json:"requests_per_minute"`

	IPFilteringEnabled bool     `json:"ip_filtering_enabled"`
	IPAllowlist        []string `json:"ip_allowlist"`
	IPBlocklist        []string `json:"ip_blocklist"`

	ResponseDelayEnabled   bool    `json:"response_delay_enabled"`
	ResponseDelayMinSecond float64 `json:"response_delay_min_seconds"`
	ResponseDelayMaxSecond float64 `json:"response_delay_max_seconds"`
	ResponseDelayCacheOnly bool    `json:"response_delay_cache_only"`
}

// DefaultFailureConfig returns the all-disabled config a Proxy is created
// with (spec §3 "Lifecycle").
func DefaultFailureConfig() FailureConfig {
	return FailureConfig{
		ErrorRates: map[int]float64{},
	}
}

// CacheEntry is a stored successful upstream response, scoped per proxy.
type CacheEntry struct {
	ProxyID    string
	Key        string // 32-byte hex SHA-256
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	CreatedAt  time.Time
}

// FailureType enumerates what, if anything, the simulator did to a
// request (spec §3, §7).
type FailureType string

const (
	FailureNone            FailureType = "none"
	FailureTimeout         FailureType = "timeout"
	FailureRateLimited     FailureType = "rate_limited"
	FailureIPBlocked       FailureType = "ip_blocked"
	FailureUpstreamError   FailureType = "upstream_error"
	FailureUpstreamTimeout FailureType = "upstream_timeout"
)

// InjectedErrorFailureType formats the failure_type for an injected
// status code, e.g. "injected_error_429".
func InjectedErrorFailureType(code int) FailureType {
	return FailureType("injected_error_" + strconv.Itoa(code))
}

// LogEntry is an append-only audit record of one completed request.
// Request and response bodies are never stored (spec §3, invariant 8).
type LogEntry struct {
	ID              string
	Timestamp       time.Time
	ProxyID         string
	ClientIP        string
	Method          string
	Path            string
	StatusCode      int
	LatencyMs       int64
	CacheHit        bool
	PromptHash      string
	UpstreamBytes   int64
	FailureType     FailureType
	ResponseDelayMs int64
	TokenUsage      *int64
	Cost            *float64
}

// LogQuery filters a range-scan over LogEntry rows.
type LogQuery struct {
	ProxyID     string
	StatusClass int // e.g. 2 for 2xx, 4 for 4xx; 0 means "any"
	CacheHit    *bool
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// CacheStats reports aggregate cache occupancy for one proxy.
type CacheStats struct {
	Entries     int64
	BytesTotal  int64
	HitRate60m  *float64
}
