// Package activity broadcasts completed requests to live dashboard
// subscribers over WebSocket. It backs the management API's
// /dashboard/feed live feed; the JSON snapshot returned by a plain GET on
// /dashboard/recent-activity is served from the store instead (see
// internal/management).
package activity

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub manages the set of active WebSocket subscribers and fans out
// completed-request events to all of them.
//
// A single goroutine (run) owns the connections map; registration,
// unregistration and broadcast all happen through channels so no lock
// is needed around the map itself.
type Hub struct {
	connections map[*conn]bool

	broadcastCh  chan []byte
	registerCh   chan *conn
	unregisterCh chan *conn
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a Hub. Call Run in its own goroutine before serving
// WebSocket connections.
func NewHub() *Hub {
	return &Hub{
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
	}
}

// Run is the hub's event loop. Blocks; call it in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			slog.Debug("activity feed client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					delete(h.connections, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish broadcasts a value as JSON to every connected subscriber.
// Non-blocking; drops the event if the hub's internal buffer is full.
func (h *Hub) Publish(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		slog.Error("activity feed marshal failed", "error", err)
		return
	}
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// ServeWS upgrades the connection and registers it with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("activity feed upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64)}
	h.registerCh <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregisterCh <- c
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
