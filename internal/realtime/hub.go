// Package realtime pushes pipeline outputs to connected clients over
// WebSocket. One logical channel per user: re-subscribing replaces the
// previous connection, and delivery is at-most-once with no backlog —
// a user with no subscriber simply misses the message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/attnlabs/pacebreak/internal/intervention"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/risk"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MessageType for client-bound messages.
type MessageType string

const (
	MessageInterventionCreated MessageType = "intervention_created"
	MessageRiskStateUpdated    MessageType = "risk_state_updated"
)

// Message is one client-bound push.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// Client is one WebSocket connection bound to a user.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages per-user WebSocket connections.
type Hub struct {
	clients    map[string]*Client // by user ID; one connection per user
	publish    chan *envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalMessages atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

type envelope struct {
	userID  string
	payload []byte
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		publish:    make(chan *envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for userID, client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			// Re-subscribe replaces: the old connection for this user is
			// closed, never duplicated.
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			// Only drop the entry if this exact client still owns it; a
			// replacement may already have taken the slot.
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "user_id", client.userID, "total", n)

		case env := <-h.publish:
			h.totalMessages.Add(1)
			h.mu.RLock()
			client, ok := h.clients[env.userID]
			h.mu.RUnlock()
			if !ok {
				continue // no subscriber, message dropped
			}
			select {
			case client.send <- env.payload:
			default:
				// Slow client: drop the connection rather than block.
				h.mu.Lock()
				if current, stillOk := h.clients[env.userID]; stillOk && current == client {
					close(client.send)
					delete(h.clients, env.userID)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Publish sends a message to the user's channel, dropping it when the
// hub's buffer is full or no subscriber exists.
func (h *Hub) Publish(userID string, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("serialize realtime message failed", "error", err)
		return
	}
	select {
	case h.publish <- &envelope{userID: userID, payload: payload}:
	default:
		h.logger.Warn("publish channel full, dropping message", "user_id", userID)
	}
}

// PublishRiskState pushes a risk_state_updated message.
func (h *Hub) PublishRiskState(userID string, st *risk.State) {
	h.Publish(userID, &Message{
		Type:      MessageRiskStateUpdated,
		Timestamp: time.Now(),
		Data:      st,
	})
}

// PublishIntervention pushes an intervention_created message.
func (h *Hub) PublishIntervention(userID string, iv *intervention.Intervention) {
	h.Publish(userID, &Message{
		Type:      MessageInterventionCreated,
		Timestamp: time.Now(),
		Data:      iv,
	})
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalMessages":    h.totalMessages.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for an authenticated user.
func (h *Hub) HandleWebSocket(userID string, w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (pings, client keepalives).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Client-to-server traffic carries no meaning beyond keepalive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
