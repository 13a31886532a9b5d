// Package ratelimit implements the per-proxy request-rate cap described in
// spec §4.D.2: each enabled proxy gets a token bucket sized in requests per
// minute, and a request that can't draw a token immediately is rejected
// rather than queued.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per proxy, created lazily and refreshed
// whenever a proxy's requests_per_minute changes.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	cleanup  *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter      *rate.Limiter
	rpm          int
	lastAccess   time.Time
}

// New starts a Limiter with a background goroutine that evicts buckets for
// proxies that haven't been hit in the last 10 minutes, mirroring the
// cleanup cadence used for per-IP state in comparable rate limiters.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cleanup: time.NewTicker(2 * time.Minute),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow attempts to consume one token from proxyID's bucket, sized at rpm
// requests per minute. It returns ok=false with the number of seconds the
// caller should wait (always 60, per spec §4.D.2) when the bucket is
// empty. A non-positive rpm disables limiting entirely.
func (l *Limiter) Allow(proxyID string, rpm int) (ok bool, retryAfterSeconds int) {
	if rpm <= 0 {
		return true, 0
	}

	l.mu.Lock()
	b, found := l.buckets[proxyID]
	if !found || b.rpm != rpm {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
			rpm:     rpm,
		}
		l.buckets[proxyID] = b
	}
	b.lastAccess = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	if !limiter.Allow() {
		return false, 60
	}
	return true, 0
}

// Reset drops proxyID's bucket, so the next Allow call starts fresh (used
// whenever a proxy's failure config is replaced or reset to defaults).
func (l *Limiter) Reset(proxyID string) {
	l.mu.Lock()
	delete(l.buckets, proxyID)
	l.mu.Unlock()
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.cleanup.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for id, b := range l.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(l.buckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		l.cleanup.Stop()
		close(l.stop)
	})
}
