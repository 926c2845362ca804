package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only bind; no cross-origin browser exposure to guard against
}

// client wraps one websocket connection: the desktop UI subscriber (spec
// §4.5 "a single local subscriber"), though nothing stops a second
// connection from reconnecting without first dropping — the hub treats
// every connection uniformly, same as the teacher's multi-client hub.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans every store mutation out to connected UI subscribers over
// websocket (spec §4.5 Fan-out). Delivery is best-effort, at-least-once
// within a session; the subscriber reconciles via GET /v1/state on
// reconnect.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan tallrapi.FanoutEvent

	log *logger.Logger
}

// NewHub builds a Hub. Call Run in its own goroutine before serving
// websocket upgrades.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan tallrapi.FanoutEvent, 256),
		log:        log,
	}
}

// Run drives the hub's single-writer event loop. It returns only once the
// register channel is closed, after closing every client's send channel.
func (h *Hub) Run() {
	for {
		select {
		case c, ok := <-h.register:
			if !ok {
				h.closeAll()
				return
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.removeClient(c)
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) deliver(ev tallrapi.FanoutEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal fan-out event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// subscriber's buffer is full; writePump will be torn down by
			// its own read-error path and the client must reconcile via
			// GET /v1/state on reconnect, per spec §4.5.
		}
	}
}

// Broadcast queues a fan-out event for delivery. Non-blocking from the
// Store's perspective.
func (h *Hub) Broadcast(ev tallrapi.FanoutEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("fan-out channel full, dropping event")
	}
}

// ServeWS upgrades the request to a websocket connection and registers it
// with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) writePump(c *client) {
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

// readPump only exists to detect disconnect (the UI subscriber never sends
// application messages); any read error unregisters the client.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
