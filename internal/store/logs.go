package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendLog inserts a LogEntry. Append-only — the store offers no update
// or delete of log entries, neither by id nor by date range.
func (s *Store) AppendLog(e *LogEntry) error {
	cacheHit := 0
	if e.CacheHit {
		cacheHit = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO log_entries
		 (id, ts, proxy_id, client_ip, method, path, status_code, latency_ms,
		  cache_hit, prompt_hash, upstream_bytes, failure_type, response_delay_ms,
		  token_usage, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ProxyID, e.ClientIP,
		e.Method, e.Path, e.StatusCode, e.LatencyMs, cacheHit, e.PromptHash,
		e.UpstreamBytes, string(e.FailureType), e.ResponseDelayMs, e.TokenUsage, e.Cost,
	)
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	return nil
}

// QueryLogs range-scans log_entries applying LogQuery's filters, newest
// first unless Limit/Offset paginate an older slice.
func (s *Store) QueryLogs(q LogQuery) ([]*LogEntry, error) {
	sqlQuery := `SELECT id, ts, proxy_id, client_ip, method, path, status_code, latency_ms,
	                    cache_hit, prompt_hash, upstream_bytes, failure_type, response_delay_ms,
	                    token_usage, cost
	             FROM log_entries WHERE 1=1`
	var args []any

	if q.ProxyID != "" {
		sqlQuery += " AND proxy_id = ?"
		args = append(args, q.ProxyID)
	}
	if q.StatusClass != 0 {
		sqlQuery += " AND status_code >= ? AND status_code < ?"
		args = append(args, q.StatusClass*100, (q.StatusClass+1)*100)
	}
	if q.CacheHit != nil {
		v := 0
		if *q.CacheHit {
			v = 1
		}
		sqlQuery += " AND cache_hit = ?"
		args = append(args, v)
	}
	if !q.From.IsZero() {
		sqlQuery += " AND ts >= ?"
		args = append(args, q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		sqlQuery += " AND ts <= ?"
		args = append(args, q.To.UTC().Format(time.RFC3339Nano))
	}

	sqlQuery += " ORDER BY ts DESC"

	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountInWindow counts log entries with timestamp >= since, for rolling
// metrics aggregation (spec §4.G).
func (s *Store) CountInWindow(proxyID string, since time.Time) (int64, error) {
	var n int64
	var err error
	if proxyID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM log_entries WHERE ts >= ?`,
			since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM log_entries WHERE proxy_id = ? AND ts >= ?`,
			proxyID, since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	}
	return n, err
}

// WindowEntries returns every log entry with timestamp >= since, for
// computing cache_hit_rate / error_rate / latency percentiles over a
// rolling window. O(entries in window), per spec §4.G's conformance bar.
func (s *Store) WindowEntries(proxyID string, since time.Time) ([]*LogEntry, error) {
	var rows *sql.Rows
	var err error
	if proxyID == "" {
		rows, err = s.db.Query(
			`SELECT id, ts, proxy_id, client_ip, method, path, status_code, latency_ms,
			        cache_hit, prompt_hash, upstream_bytes, failure_type, response_delay_ms,
			        token_usage, cost
			 FROM log_entries WHERE ts >= ?`, since.UTC().Format(time.RFC3339Nano))
	} else {
		rows, err = s.db.Query(
			`SELECT id, ts, proxy_id, client_ip, method, path, status_code, latency_ms,
			        cache_hit, prompt_hash, upstream_bytes, failure_type, response_delay_ms,
			        token_usage, cost
			 FROM log_entries WHERE proxy_id = ? AND ts >= ?`, proxyID, since.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return nil, fmt.Errorf("querying window entries: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLogEntry(r rowScanner) (*LogEntry, error) {
	var e LogEntry
	var ts, failureType string
	var cacheHit int

	err := r.Scan(&e.ID, &ts, &e.ProxyID, &e.ClientIP, &e.Method, &e.Path,
		&e.StatusCode, &e.LatencyMs, &cacheHit, &e.PromptHash, &e.UpstreamBytes,
		&failureType, &e.ResponseDelayMs, &e.TokenUsage, &e.Cost)
	if err != nil {
		return nil, fmt.Errorf("scanning log entry: %w", err)
	}

	e.CacheHit = cacheHit != 0
	e.FailureType = FailureType(failureType)
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing log timestamp: %w", err)
	}
	return &e, nil
}
