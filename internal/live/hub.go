// Package live pushes run events to subscribed websocket clients so a
// run page can keep its countdown and item list current without
// polling.
package live

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Message is the wire frame sent to subscribers.
type Message struct {
	RunID string `json:"run_id"`
	Type  string `json:"type"`
	TS    string `json:"ts"`
}

type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// ServeRun upgrades the request and subscribes the connection to one
// run's events until the client goes away.
func (h *Hub) ServeRun(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("live: upgrade failed", "error", err)
		return
	}
	h.add(runID, conn)
	defer func() {
		h.remove(runID, conn)
		conn.Close()
	}()
	// Drain control frames; any read error means the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// RunEvent implements engine.Broadcaster. Slow or dead subscribers are
// dropped rather than blocking the caller.
func (h *Hub) RunEvent(runID, eventType string) {
	msg := Message{RunID: runID, Type: eventType, TS: time.Now().UTC().Format(time.RFC3339)}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs[runID]))
	for c := range h.subs[runID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(msg); err != nil {
			h.remove(runID, c)
			c.Close()
		}
	}
}

// Subscribers reports how many connections are watching a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) add(runID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*websocket.Conn]struct{})
	}
	h.subs[runID][c] = struct{}{}
}

func (h *Hub) remove(runID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[runID], c)
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
}
