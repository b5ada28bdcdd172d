// Package live pushes detections and sent alerts to dashboard clients over
// websockets.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512                 // Clients only send control frames.
	sendBuffer     = 64
	broadcastQueue = 256
)

// Message is the envelope written to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// AlertNotice is the public view of a sent alert. User ids and tokens are
// not broadcast.
type AlertNotice struct {
	AlertID   int64     `json:"alert_id"`
	EventID   int64     `json:"event_id"`
	Disease   string    `json:"disease"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SentAt    time.Time `json:"sent_at"`
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub accepting websocket connections from allowedOrigins.
// An empty list or "*" allows any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run serves register, unregister and broadcast requests until ctx is
// cancelled, then disconnects every client. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			h.logger.Debug("Websocket client registered", "client_id", c.id, "remote", c.conn.RemoteAddr())

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
				h.logger.Debug("Websocket client unregistered", "client_id", c.id)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it rather than stall everyone.
					h.logger.Warn("Websocket client too slow, disconnecting", "client_id", c.id)
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.setCount(len(h.clients))

		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues a message for every client. It never blocks: when the
// broadcast queue is full the message is dropped.
func (h *Hub) Publish(msgType string, payload any) {
	b, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Warn("Failed to marshal live message", "type", msgType, "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("Live broadcast queue full, dropping message", "type", msgType)
	}
}

// PublishDetection announces a stored detection.
func (h *Hub) PublishDetection(event models.DetectionEvent) {
	h.Publish("detection", event)
}

// ObserveAlert matches alerts.Observer and announces a committed alert.
func (h *Hub) ObserveAlert(_ context.Context, event models.DetectionEvent, alert models.SentAlert) {
	h.Publish("alert", AlertNotice{
		AlertID:   alert.ID,
		EventID:   event.ID,
		Disease:   alert.Disease,
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
		SentAt:    alert.SentAt,
	})
}

// ServeHTTP upgrades the request and attaches a new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.join(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// join hands c to Run. It reports false once the hub has stopped.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave detaches c. After shutdown Run has already closed every client.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// --------------------------------------------------------------------------
// Client pumps
// --------------------------------------------------------------------------

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards client messages and handles close and pong frames.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
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
				c.hub.logger.Debug("Websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages, one JSON document per frame, and pings.
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
