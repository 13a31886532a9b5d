package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheGet looks up a cache entry by (proxyID, key). Returns (nil, nil)
// on a miss — a miss is not an error.
func (s *Store) CacheGet(proxyID, key string) (*CacheEntry, error) {
	row := s.db.QueryRow(
		`SELECT proxy_id, key, status_code, headers, body, created_at
		 FROM cache_entries WHERE proxy_id = ? AND key = ?`, proxyID, key)

	var e CacheEntry
	var headersJSON, createdAt string
	err := row.Scan(&e.ProxyID, &e.Key, &e.StatusCode, &headersJSON, &e.Body, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &e.Headers); err != nil {
		return nil, fmt.Errorf("parsing cache headers: %w", err)
	}
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing cache created_at: %w", err)
	}
	return &e, nil
}

// CachePut stores or overwrites a cache entry. Callers must only call
// this for 2xx responses (spec §4.C) — the store does not re-check the
// status code here, since the cache layer above already filters.
func (s *Store) CachePut(e *CacheEntry) error {
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("marshaling cache headers: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO cache_entries (proxy_id, key, status_code, headers, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proxy_id, key) DO UPDATE SET
		   status_code = excluded.status_code,
		   headers = excluded.headers,
		   body = excluded.body,
		   created_at = excluded.created_at`,
		e.ProxyID, e.Key, e.StatusCode, string(headersJSON), e.Body,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

// CacheInvalidate removes all cache entries for one proxy. Returns the
// number of rows removed.
func (s *Store) CacheInvalidate(proxyID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE proxy_id = ?`, proxyID)
	if err != nil {
		return 0, fmt.Errorf("invalidating cache: %w", err)
	}
	return res.RowsAffected()
}

// CacheInvalidateAll removes every cache entry across every proxy.
// Returns the number of rows removed.
func (s *Store) CacheInvalidateAll() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("invalidating all caches: %w", err)
	}
	return res.RowsAffected()
}

// CacheStatsFor reports entry count and total body bytes for one proxy.
// Hit-rate-over-60-minutes is computed by the logging package from
// LogEntry rows, not here — the cache table has no notion of hits.
func (s *Store) CacheStatsFor(proxyID string) (entries int64, bytesTotal int64, err error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries WHERE proxy_id = ?`,
		proxyID)
	err = row.Scan(&entries, &bytesTotal)
	return
}
