package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateProxy inserts a new Proxy row. Fails with *ConflictError if
// another proxy already occupies p.Port.
func (s *Store) CreateProxy(p *Proxy) error {
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	fcJSON, err := json.Marshal(p.FailureConfig)
	if err != nil {
		return fmt.Errorf("marshaling failure config: %w", err)
	}

	var existing int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM proxies WHERE port = ?`, p.Port).Scan(&existing)
	if err != nil {
		return fmt.Errorf("checking port uniqueness: %w", err)
	}
	if existing > 0 {
		return &ConflictError{Reason: fmt.Sprintf("port %d already bound by another proxy", p.Port)}
	}

	_, err = s.db.Exec(
		`INSERT INTO proxies (id, owner_id, name, provider_tag, port, status, description, tags, failure_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.ProviderTag, p.Port, string(p.Status), p.Description,
		string(tagsJSON), string(fcJSON), p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting proxy: %w", err)
	}
	return nil
}

// GetProxy looks up a Proxy by id. Returns *NotFoundError if absent.
func (s *Store) GetProxy(id string) (*Proxy, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, name, provider_tag, port, status, description, tags, failure_config, created_at
		 FROM proxies WHERE id = ?`, id)
	return scanProxy(row, "proxy", id)
}

// GetProxyByPort looks up the proxy currently bound to port, if any.
func (s *Store) GetProxyByPort(port int) (*Proxy, error) {
	row := s.db.QueryRow(
		`SELECT id, owner_id, name, provider_tag, port, status, description, tags, failure_config, created_at
		 FROM proxies WHERE port = ?`, port)
	return scanProxy(row, "proxy", fmt.Sprintf("port:%d", port))
}

// ListProxiesByOwner returns all proxies owned by ownerID, oldest first.
func (s *Store) ListProxiesByOwner(ownerID string) ([]*Proxy, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, name, provider_tag, port, status, description, tags, failure_config, created_at
		 FROM proxies WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing proxies: %w", err)
	}
	defer rows.Close()

	var out []*Proxy
	for rows.Next() {
		p, err := scanProxyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRunningProxies returns every proxy whose persisted status is
// "running" — used by the lifecycle manager's boot recovery (spec §4.E).
func (s *Store) ListRunningProxies() ([]*Proxy, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, name, provider_tag, port, status, description, tags, failure_config, created_at
		 FROM proxies WHERE status = ? ORDER BY created_at ASC`, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("listing running proxies: %w", err)
	}
	defer rows.Close()

	var out []*Proxy
	for rows.Next() {
		p, err := scanProxyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountRunningProxies reports how many proxies are currently persisted
// as running, for the /healthz response.
func (s *Store) CountRunningProxies() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proxies WHERE status = ?`, string(StatusRunning)).Scan(&n)
	return n, err
}

// UpdateProxyFields updates the mutable identity fields of a proxy
// (name, port, description, tags). Changing the port requires the
// proxy to already be stopped — callers enforce that before calling.
func (s *Store) UpdateProxyFields(p *Proxy) error {
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	if p.Port != 0 {
		var existing string
		err := s.db.QueryRow(`SELECT id FROM proxies WHERE port = ? AND id != ?`, p.Port, p.ID).Scan(&existing)
		if err == nil {
			return &ConflictError{Reason: fmt.Sprintf("port %d already bound by another proxy", p.Port)}
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking port uniqueness: %w", err)
		}
	}

	res, err := s.db.Exec(
		`UPDATE proxies SET name = ?, port = ?, description = ?, tags = ? WHERE id = ?`,
		p.Name, p.Port, p.Description, string(tagsJSON), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating proxy: %w", err)
	}
	return requireAffected(res, "proxy", p.ID)
}

// UpdateProxyStatus transitions a proxy's persisted status.
func (s *Store) UpdateProxyStatus(id string, status ProxyStatus) error {
	res, err := s.db.Exec(`UPDATE proxies SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating proxy status: %w", err)
	}
	return requireAffected(res, "proxy", id)
}

// PutFailureConfig overwrites a proxy's failure config.
func (s *Store) PutFailureConfig(id string, fc FailureConfig) error {
	fcJSON, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshaling failure config: %w", err)
	}
	res, err := s.db.Exec(`UPDATE proxies SET failure_config = ? WHERE id = ?`, string(fcJSON), id)
	if err != nil {
		return fmt.Errorf("updating failure config: %w", err)
	}
	return requireAffected(res, "proxy", id)
}

// DeleteProxy removes a proxy row. Fails with *ConflictError if the
// proxy is currently running (spec §3 "Deletion requires status = stopped").
func (s *Store) DeleteProxy(id string) error {
	p, err := s.GetProxy(id)
	if err != nil {
		return err
	}
	if p.Status == StatusRunning {
		return &ConflictError{Reason: "cannot delete a running proxy"}
	}

	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE proxy_id = ?`, id); err != nil {
		return fmt.Errorf("deleting cache entries: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting proxy: %w", err)
	}
	return requireAffected(res, "proxy", id)
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row *sql.Row, kind, id string) (*Proxy, error) {
	p, err := scanProxyRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: kind, ID: id}
		}
		return nil, err
	}
	return p, nil
}

func scanProxyRows(r rowScanner) (*Proxy, error) {
	var p Proxy
	var status, tagsJSON, fcJSON, createdAt string

	err := r.Scan(&p.ID, &p.OwnerID, &p.Name, &p.ProviderTag, &p.Port, &status,
		&p.Description, &tagsJSON, &fcJSON, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Status = ProxyStatus(status)

	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return nil, fmt.Errorf("parsing tags: %w", err)
	}
	if err := json.Unmarshal([]byte(fcJSON), &p.FailureConfig); err != nil {
		return nil, fmt.Errorf("parsing failure config: %w", err)
	}
	if p.FailureConfig.ErrorRates == nil {
		p.FailureConfig.ErrorRates = map[int]float64{}
	}

	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	p.CreatedAt = createdTime

	return &p, nil
}
