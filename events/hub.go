// Package events fans out monitor updates to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is the envelope written to clients.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
	Type      string    `json:"type"`
}

type client struct {
	send chan []byte
}

// Hub tracks connected clients and broadcasts messages to them.
// Slow clients are dropped rather than allowed to stall the publisher.
type Hub struct {
	logger    *slog.Logger
	clients   map[*client]struct{}
	broadcast chan []byte
	upgrader  websocket.Upgrader
	mu        sync.Mutex
}

// NewHub creates a hub. Run must be called before messages are delivered.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run delivers broadcasts until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
					h.logger.Warn("Dropping slow websocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues a message for every client. It never blocks; when the
// broadcast buffer is full the message is dropped.
func (h *Hub) Publish(kind string, payload any) {
	data, err := json.Marshal(Message{Type: kind, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		h.logger.Error("Failed to encode event", "type", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Event buffer full, dropping message", "type", kind)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Websocket client connected", "clients", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Websocket client disconnected", "clients", n)
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; the feed is one-way.
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket read error", "error", err)
			}
			return
		}
	}
}
