// Package lifecycle owns the in-memory map from proxy_id to active
// listener and implements start/stop/boot-recovery/graceful-shutdown as
// described in spec §4.E.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rubberduck/rubberduck/internal/store"
)

// GracefulStopDeadline is the minimum wait spec §4.E requires before a
// graceful stop gives up on in-flight requests and closes anyway.
const GracefulStopDeadline = 30 * time.Second

// HandlerFactory builds the http.Handler that will serve every request
// accepted by proxyID's listener. The manager doesn't know how to handle
// a request itself, only how to keep a listener bound and route accepted
// connections to whatever handler the caller supplies.
type HandlerFactory func(proxyID string) http.Handler

type running struct {
	server   *http.Server
	listener net.Listener
}

// Manager maintains active listeners and reconciles them against the
// persisted Proxy rows in the store.
type Manager struct {
	mu         sync.Mutex
	active     map[string]*running
	st         *store.Store
	log        *slog.Logger
	newHandler HandlerFactory
}

func New(st *store.Store, log *slog.Logger, newHandler HandlerFactory) *Manager {
	return &Manager{
		active:     make(map[string]*running),
		st:         st,
		log:        log,
		newHandler: newHandler,
	}
}

// Start binds proxyID's configured port and begins serving HTTP requests.
// On bind failure the proxy's persisted status is set to "error" and the
// bind error is returned (spec §4.E).
func (m *Manager) Start(proxyID string) error {
	m.mu.Lock()
	if _, ok := m.active[proxyID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	p, err := m.st.GetProxy(proxyID)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.Port))
	if err != nil {
		m.st.UpdateProxyStatus(proxyID, store.StatusError)
		return fmt.Errorf("binding proxy %s on port %d: %w", proxyID, p.Port, err)
	}

	srv := &http.Server{Handler: m.newHandler(proxyID)}
	r := &running{server: srv, listener: ln}

	m.mu.Lock()
	m.active[proxyID] = r
	m.mu.Unlock()

	if err := m.st.UpdateProxyStatus(proxyID, store.StatusRunning); err != nil {
		return err
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("proxy listener stopped unexpectedly", "proxy_id", proxyID, "error", err)
		}
	}()
	return nil
}

// Stop stops proxyID's listener. A graceful stop waits up to
// GracefulStopDeadline for in-flight requests to finish; a forced stop
// closes connections immediately.
func (m *Manager) Stop(proxyID string, graceful bool) error {
	m.mu.Lock()
	r, ok := m.active[proxyID]
	if ok {
		delete(m.active, proxyID)
	}
	m.mu.Unlock()

	if !ok {
		return m.st.UpdateProxyStatus(proxyID, store.StatusStopped)
	}

	if graceful {
		ctx, cancel := context.WithTimeout(context.Background(), GracefulStopDeadline)
		defer cancel()
		if err := r.server.Shutdown(ctx); err != nil {
			m.log.Warn("graceful stop deadline exceeded, forcing close", "proxy_id", proxyID, "error", err)
			r.server.Close()
		}
	} else {
		r.server.Close()
	}

	return m.st.UpdateProxyStatus(proxyID, store.StatusStopped)
}

// BootRecover starts every proxy persisted as running, logging (but not
// aborting on) individual start failures (spec §4.E "Boot recovery").
func (m *Manager) BootRecover() error {
	proxies, err := m.st.ListRunningProxies()
	if err != nil {
		return err
	}
	var recovered, errored int
	for _, p := range proxies {
		if err := m.Start(p.ID); err != nil {
			m.log.Warn("boot recovery failed for proxy", "proxy_id", p.ID, "port", p.Port, "error", err)
			errored++
			continue
		}
		recovered++
	}
	m.log.Info("boot recovery complete", "attempted", len(proxies), "recovered", recovered, "errored", errored)
	return nil
}

// ShutdownAll gracefully stops every active proxy in parallel (spec §4.E
// "Graceful shutdown").
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(id, true); err != nil {
				m.log.Error("shutdown stop failed", "proxy_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// IsRunning reports whether proxyID currently has an active listener.
func (m *Manager) IsRunning(proxyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[proxyID]
	return ok
}
