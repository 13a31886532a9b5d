// Package failsim runs the ordered failure-simulation pipeline described
// in spec §4.D: IP filter, rate limit, timeout injection, error
// injection, each of which can short-circuit the request with a
// synthetic response before it ever reaches the cache or upstream.
package failsim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rubberduck/rubberduck/internal/ipfilter"
	"github.com/rubberduck/rubberduck/internal/ratelimit"
	"github.com/rubberduck/rubberduck/internal/store"
)

// Verdict is the result of running the pipeline: either Proceed is true
// and the request should continue to cache/upstream, or it's false and
// StatusCode/Body/Headers/FailureType describe the synthetic reply to
// send instead.
type Verdict struct {
	Proceed     bool
	StatusCode  int
	Body        []byte
	Headers     map[string]string
	FailureType store.FailureType
}

// Simulator runs the pipeline for one proxy's FailureConfig. It owns no
// state itself beyond the shared rate limiter, which is keyed per proxy
// and lives across requests.
type Simulator struct {
	limiter *ratelimit.Limiter
}

func New(limiter *ratelimit.Limiter) *Simulator {
	return &Simulator{limiter: limiter}
}

// Run executes stages 1-4 of spec §4.D for one request. ctx is watched
// during the timeout-injection suspension so a client disconnect ends the
// wait promptly (spec §5 "Cancellation"); a finite timeout still returns
// its synthetic 504 if ctx isn't canceled first, but an infinite one
// (TimeoutSeconds == nil) waits only on ctx and never produces a response
// on its own.
func (s *Simulator) Run(ctx context.Context, proxyID, clientIP string, fc store.FailureConfig) (Verdict, error) {
	if fc.IPFilteringEnabled {
		filter, err := ipfilter.Compile(fc.IPAllowlist, fc.IPBlocklist)
		if err != nil {
			return Verdict{}, err
		}
		if !filter.Allowed(clientIP) {
			return Verdict{
				StatusCode:  403,
				Body:        injectedBody("forbidden"),
				FailureType: store.FailureIPBlocked,
			}, nil
		}
	}

	if fc.RateLimitingEnabled {
		if ok, retryAfter := s.limiter.Allow(proxyID, fc.RequestsPerMinute); !ok {
			return Verdict{
				StatusCode:  429,
				Body:        injectedBody("rate limited"),
				Headers:     map[string]string{"Retry-After": fmt.Sprintf("%d", retryAfter)},
				FailureType: store.FailureRateLimited,
			}, nil
		}
	}

	if fc.TimeoutEnabled && rand.Float64() < fc.TimeoutRate {
		if fc.TimeoutSeconds == nil {
			<-ctx.Done()
			return Verdict{Proceed: false}, ctx.Err()
		}
		select {
		case <-time.After(time.Duration(*fc.TimeoutSeconds * float64(time.Second))):
			return Verdict{
				StatusCode:  504,
				Body:        injectedBody("gateway timeout"),
				FailureType: store.FailureTimeout,
			}, nil
		case <-ctx.Done():
			return Verdict{Proceed: false}, ctx.Err()
		}
	}

	if fc.ErrorInjectionEnabled {
		codes := make([]int, 0, len(fc.ErrorRates))
		for code := range fc.ErrorRates {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			if rand.Float64() < fc.ErrorRates[code] {
				return Verdict{
					StatusCode:  code,
					Body:        injectedBody("<injected>"),
					FailureType: store.InjectedErrorFailureType(code),
				}, nil
			}
		}
	}

	return Verdict{Proceed: true, FailureType: store.FailureNone}, nil
}

// ResponseDelay implements the post-response delay stage (spec §4.D). It
// returns the delay actually applied, in milliseconds, for LogEntry.
func (s *Simulator) ResponseDelay(ctx context.Context, fc store.FailureConfig, cacheHit bool) int64 {
	if !fc.ResponseDelayEnabled {
		return 0
	}
	if fc.ResponseDelayCacheOnly && !cacheHit {
		return 0
	}
	min, max := fc.ResponseDelayMinSecond, fc.ResponseDelayMaxSecond
	if max < min {
		return 0
	}
	d := min
	if max > min {
		d = min + rand.Float64()*(max-min)
	}
	select {
	case <-time.After(time.Duration(d * float64(time.Second))):
	case <-ctx.Done():
	}
	return int64(d * 1000)
}

func injectedBody(message string) []byte {
	return []byte(`{"error":{"message":"` + message + `","type":"proxy_simulation"}}`)
}
