// Package stream pushes engine alerts to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/alert"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	defaultClientBuffer = 256
	broadcastBuffer     = 1024
)

// Message is the envelope written to subscribers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains the set of subscribers and broadcasts alerts to them.
// Only the Run goroutine mutates the subscriber set.
type Hub struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	clientBuffer int

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub creates a hub. clientBuffer bounds the per-subscriber queue; a
// subscriber that falls further behind is disconnected.
func NewHub(clientBuffer int, logger *zap.Logger) *Hub {
	if clientBuffer <= 0 {
		clientBuffer = defaultClientBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:       logger.Named("stream"),
		clientBuffer: clientBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run services the hub until ctx is cancelled, then delivers the queued
// broadcasts and disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
		pending:
			for {
				select {
				case msg := <-h.broadcast:
					h.fanOut(msg)
				default:
					break pending
				}
			}
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.String("client_id", c.id))

			if data, err := json.Marshal(Message{
				Type: "connected",
				Data: map[string]string{"status": "connected"},
			}); err == nil {
				h.deliver(c, data)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("WebSocket client disconnected", zap.String("client_id", c.id))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, msg)
	}
}

// deliver queues msg for c, dropping c if its queue is full.
func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		h.logger.Warn("Dropping slow WebSocket client", zap.String("client_id", c.id))
	}
}

// Publish broadcasts ev to every subscriber. It never blocks; events are
// dropped when the broadcast queue is full or the hub has stopped.
func (h *Hub) Publish(ev alert.Event) {
	data, err := json.Marshal(Message{Type: string(ev.Type), Data: ev})
	if err != nil {
		h.logger.Error("Failed to marshal websocket message", zap.Error(err))
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Failed to broadcast alert: channel full", zap.String("type", string(ev.Type)))
	}
}

// Sink returns the hub as an alert sink.
func (h *Hub) Sink() alert.Sink {
	return alert.EventFunc(h.Publish)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "alert stream unavailable", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.clientBuffer),
		id:   clientID,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump consumes control frames until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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
				c.hub.logger.Debug("WebSocket write error", zap.String("client_id", c.id), zap.Error(err))
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
