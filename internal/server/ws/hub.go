// Package ws streams catalog snapshots to browser clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/feed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 16
)

// filterMsg is what a client sends to narrow its stream to some listings.
// An empty list restores the full catalog.
type filterMsg struct {
	Action     string   `json:"action"` // "watch"
	ListingIDs []string `json:"listing_ids"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	watch map[string]bool
}

// Hub fans catalog snapshots out to connected clients. A new client first
// receives the latest snapshot. Clients that fall behind drop frames rather
// than slow the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	// latest is the full frame of the newest snapshot, queued first for
	// every new client.
	latest []byte
	closed bool
}

// NewHub creates a Hub. allowedOrigins restricts the Origin header on
// upgrade; empty allows any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleSnapshot is a bus subscriber.
func (h *Hub) HandleSnapshot(_ context.Context, snap *domain.Snapshot) error {
	full, err := json.Marshal(feed.NewCatalogEvent(snap))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest = full
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		payload := full
		if ids := c.watched(); len(ids) > 0 {
			if payload, err = filtered(snap, ids); err != nil {
				return err
			}
		}
		c.offer(payload)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// HandleWS upgrades GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), watch: map[string]bool{}}

	n, ok := h.join(c)
	if !ok {
		_ = conn.Close()
		return
	}
	h.logger.Info("client connected", slog.Int("clients", n))

	go c.writePump()
	go c.readPump()
}

// join registers c and queues the latest frame under the same lock
// HandleSnapshot takes to swap it, so no newer frame can reach c first.
func (h *Hub) join(c *client) (clients int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, false
	}
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.send <- h.latest
	}
	return len(h.clients), true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("clients", n))
}

func filtered(snap *domain.Snapshot, ids map[string]bool) ([]byte, error) {
	ev := feed.NewCatalogEvent(snap)
	kept := ev.Listings[:0]
	for _, l := range ev.Listings {
		if ids[l.ID] {
			kept = append(kept, l)
		}
	}
	ev.Listings = kept
	return json.Marshal(ev)
}

func (c *client) watched() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.watch) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.watch))
	for id := range c.watch {
		out[id] = true
	}
	return out
}

// offer queues payload without blocking. The hub lock keeps it from racing
// with close(c.send).
func (c *client) offer(payload []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.logger.Warn("dropping frame for slow client")
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var f filterMsg
		if json.Unmarshal(msg, &f) != nil || f.Action != "watch" {
			continue
		}
		c.mu.Lock()
		c.watch = make(map[string]bool, len(f.ListingIDs))
		for _, id := range f.ListingIDs {
			c.watch[id] = true
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
