// Package cache implements Rubberduck's content-addressed response cache
// (spec §4.C): same provider, same endpoint, same normalized body always
// resolves to the same key, scoped per proxy, with no TTL and no required
// single-flight collapsing (SPEC_FULL.md's Open Question decision).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/rubberduck/rubberduck/internal/provider"
	"github.com/rubberduck/rubberduck/internal/store"
)

// Key computes the cache key described in the glossary: SHA-256 over
// provider_tag || 0x00 || endpoint_kind || 0x00 || normalized_body.
func Key(providerTag string, kind provider.EndpointKind, normalizedBody []byte) string {
	h := sha256.New()
	h.Write([]byte(providerTag))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(normalizedBody)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache wraps the store's cache table with the hit/miss and
// store-only-on-2xx semantics spec §4.C requires.
//
// maxEntryBytes is an atomic.Int64 rather than a plain field so
// SetMaxEntryBytes can be called from the config watcher's reload
// goroutine while requests are concurrently calling Store (spec §10
// "Configuration" hot-reload).
type Cache struct {
	st            *store.Store
	maxEntryBytes atomic.Int64
}

func New(st *store.Store, maxEntryBytes int64) *Cache {
	c := &Cache{st: st}
	c.maxEntryBytes.Store(maxEntryBytes)
	return c
}

// SetMaxEntryBytes updates the per-entry cache size limit, taking effect
// on the next Store call.
func (c *Cache) SetMaxEntryBytes(n int64) {
	c.maxEntryBytes.Store(n)
}

// Lookup returns the cached entry for key under proxyID, or (nil, false)
// on a miss.
func (c *Cache) Lookup(proxyID, key string) (*store.CacheEntry, bool, error) {
	e, err := c.st.CacheGet(proxyID, key)
	if err != nil {
		return nil, false, err
	}
	return e, e != nil, nil
}

// Store persists a response if, and only if, it was a 2xx (spec §4.C
// "store-only-on-2xx") and fits within the configured per-entry byte
// limit. A response that exceeds the limit or isn't a success is silently
// not cached; it's still served to the client.
func (c *Cache) Store(e *store.CacheEntry) error {
	if e.StatusCode < 200 || e.StatusCode >= 300 {
		return nil
	}
	if int64(len(e.Body)) > c.maxEntryBytes.Load() {
		return nil
	}
	return c.st.CachePut(e)
}

// Invalidate clears one proxy's cache.
func (c *Cache) Invalidate(proxyID string) (int64, error) {
	return c.st.CacheInvalidate(proxyID)
}

// InvalidateAll clears every proxy's cache.
func (c *Cache) InvalidateAll() (int64, error) {
	return c.st.CacheInvalidateAll()
}

// Stats reports occupancy and the trailing 60-minute hit rate for one
// proxy (spec §4.G).
func (c *Cache) Stats(proxyID string, hitRate60m *float64) (store.CacheStats, error) {
	entries, bytesTotal, err := c.st.CacheStatsFor(proxyID)
	if err != nil {
		return store.CacheStats{}, err
	}
	return store.CacheStats{Entries: entries, BytesTotal: bytesTotal, HitRate60m: hitRate60m}, nil
}
