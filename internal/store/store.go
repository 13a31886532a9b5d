// Package store is the durable record of proxies, failure configs, cache
// entries, and log entries (spec §4.A). It is backed by sqlite through
// the pure-Go, CGo-free github.com/glebarez/go-sqlite driver, opened in
// WAL mode so the management API and proxy listeners can read and write
// concurrently without blocking each other on a single writer lock any
// more than sqlite already requires.
//
// Any single-row write is atomic (a single SQL statement inside
// sqlite's own transaction). Disk and corruption failures are not
// wrapped into a business error — they propagate to the caller as plain
// errors. Callers do not stop the process on them: the request handler
// logs a failed log append and carries on, and the management API
// answers 500.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the sqlite connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store schema: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS proxies (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			name           TEXT NOT NULL,
			provider_tag   TEXT NOT NULL,
			port           INTEGER NOT NULL,
			status         TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			tags           TEXT NOT NULL DEFAULT '[]',
			failure_config TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_proxies_owner ON proxies(owner_id);

		CREATE TABLE IF NOT EXISTS cache_entries (
			proxy_id    TEXT NOT NULL,
			key         TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			headers     TEXT NOT NULL DEFAULT '{}',
			body        BLOB NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (proxy_id, key)
		);

		CREATE TABLE IF NOT EXISTS log_entries (
			id                TEXT PRIMARY KEY,
			ts                TEXT NOT NULL,
			proxy_id          TEXT NOT NULL,
			client_ip         TEXT NOT NULL DEFAULT '',
			method            TEXT NOT NULL DEFAULT '',
			path              TEXT NOT NULL DEFAULT '',
			status_code       INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			cache_hit         INTEGER NOT NULL DEFAULT 0,
			prompt_hash       TEXT NOT NULL DEFAULT '',
			upstream_bytes    INTEGER NOT NULL DEFAULT 0,
			failure_type      TEXT NOT NULL DEFAULT 'none',
			response_delay_ms INTEGER NOT NULL DEFAULT 0,
			token_usage       INTEGER,
			cost              REAL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_proxy_ts ON log_entries(proxy_id, ts);
		CREATE INDEX IF NOT EXISTS idx_logs_ts ON log_entries(ts);
	`)
	return err
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
