package failsim

import (
	"context"
	"testing"
	"time"

	"github.com/rubberduck/rubberduck/internal/ratelimit"
	"github.com/rubberduck/rubberduck/internal/store"
)

func newSim(t *testing.T) *Simulator {
	t.Helper()
	l := ratelimit.New()
	t.Cleanup(l.Close)
	return New(l)
}

func TestRun_PassesThroughWhenEverythingDisabled(t *testing.T) {
	s := newSim(t)
	v, err := s.Run(context.Background(), "p1", "1.2.3.4", store.DefaultFailureConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !v.Proceed {
		t.Error("expected pass-through verdict")
	}
}

func TestRun_IPBlocklist(t *testing.T) {
	s := newSim(t)
	fc := store.DefaultFailureConfig()
	fc.IPFilteringEnabled = true
	fc.IPBlocklist = []string{"1.2.3.4"}

	v, err := s.Run(context.Background(), "p1", "1.2.3.4", fc)
	if err != nil {
		t.Fatal(err)
	}
	if v.Proceed || v.StatusCode != 403 || v.FailureType != store.FailureIPBlocked {
		t.Errorf("expected 403 ip_blocked, got %+v", v)
	}
}

func TestRun_RateLimitExceeded(t *testing.T) {
	s := newSim(t)
	fc := store.DefaultFailureConfig()
	fc.RateLimitingEnabled = true
	fc.RequestsPerMinute = 1

	s.Run(context.Background(), "p2", "1.2.3.4", fc)
	v, err := s.Run(context.Background(), "p2", "1.2.3.4", fc)
	if err != nil {
		t.Fatal(err)
	}
	if v.Proceed || v.StatusCode != 429 || v.Headers["Retry-After"] != "60" {
		t.Errorf("expected 429 with Retry-After 60, got %+v", v)
	}
}

func TestRun_ErrorInjectionDeterministicWhenRateIsOne(t *testing.T) {
	s := newSim(t)
	fc := store.DefaultFailureConfig()
	fc.ErrorInjectionEnabled = true
	fc.ErrorRates = map[int]float64{500: 1.0}

	v, err := s.Run(context.Background(), "p3", "1.2.3.4", fc)
	if err != nil {
		t.Fatal(err)
	}
	if v.Proceed || v.StatusCode != 500 || v.FailureType != store.InjectedErrorFailureType(500) {
		t.Errorf("expected forced 500 injection, got %+v", v)
	}
}

func TestRun_TimeoutInjectionFinite(t *testing.T) {
	s := newSim(t)
	sec := 0.01
	fc := store.DefaultFailureConfig()
	fc.TimeoutEnabled = true
	fc.TimeoutRate = 1.0
	fc.TimeoutSeconds = &sec

	start := time.Now()
	v, err := s.Run(context.Background(), "p4", "1.2.3.4", fc)
	if err != nil {
		t.Fatal(err)
	}
	if v.StatusCode != 504 || v.FailureType != store.FailureTimeout {
		t.Errorf("expected 504 timeout, got %+v", v)
	}
	if time.Since(start) < time.Duration(sec*float64(time.Second)) {
		t.Error("expected to suspend for timeout_seconds before responding")
	}
}

func TestResponseDelay_RespectsCacheOnly(t *testing.T) {
	s := newSim(t)
	fc := store.DefaultFailureConfig()
	fc.ResponseDelayEnabled = true
	fc.ResponseDelayCacheOnly = true
	fc.ResponseDelayMinSecond = 1
	fc.ResponseDelayMaxSecond = 2

	d := s.ResponseDelay(context.Background(), fc, false)
	if d != 0 {
		t.Errorf("expected no delay for non-cache-hit when cache_only, got %d", d)
	}
}

func TestResponseDelay_FixedWhenMinEqualsMax(t *testing.T) {
	s := newSim(t)
	fc := store.DefaultFailureConfig()
	fc.ResponseDelayEnabled = true
	fc.ResponseDelayCacheOnly = true
	fc.ResponseDelayMinSecond = 1.0
	fc.ResponseDelayMaxSecond = 1.0

	start := time.Now()
	d := s.ResponseDelay(context.Background(), fc, true)
	elapsed := time.Since(start)
	if d != 1000 {
		t.Errorf("expected exactly 1000ms recorded delay, got %d", d)
	}
	if elapsed < time.Second || elapsed > 1050*time.Millisecond {
		t.Errorf("expected wall-clock suspension in [1s, 1.05s], got %v", elapsed)
	}
}
