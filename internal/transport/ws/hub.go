// Package ws streams live device state and zone alerts to dashboard
// clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame is what a client receives for every published update.
type Frame struct {
	Kind     string          `json:"kind"`
	DeviceID string          `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`
}

type client struct {
	conn     *websocket.Conn
	deviceID string
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans published updates out to connected clients. A client may pass
// ?deviceId= to receive a single device only.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// parseChannel splits "device:{id}:{kind}".
func parseChannel(ch string) (deviceID, kind string, ok bool) {
	parts := strings.Split(ch, ":")
	if len(parts) != 3 || parts[0] != "device" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Pump forwards messages from a Redis subscription until ctx is done or the
// subscription closes.
func (h *Hub) Pump(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			deviceID, kind, ok := parseChannel(m.Channel)
			if !ok {
				continue
			}
			h.Broadcast(Frame{Kind: kind, DeviceID: deviceID, Payload: json.RawMessage(m.Payload)})
		}
	}
}

// Broadcast queues f for every interested client. A client whose buffer is
// full is disconnected.
func (h *Hub) Broadcast(f Frame) {
	if !json.Valid(f.Payload) {
		h.logger.Warn("dropping live update with invalid payload", "device_id", f.DeviceID, "kind", f.Kind)
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.deviceID != "" && c.deviceID != f.DeviceID {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
			h.logger.Warn("dropping slow live client", "device_filter", c.deviceID)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, deviceID: r.URL.Query().Get("deviceId"), send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
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

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
