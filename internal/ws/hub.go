// Package ws streams committed vault events to operators over websockets.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/metrics"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	idleTimeout    = 2 * pongWait
	sendBufferSize = 256
	maxMessageSize = 512
)

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.RWMutex
	topics     map[string]bool
	address    string // only events touching this account when set
	lastActive atomic.Int64
}

type Message struct {
	Type      string       `json:"type"`
	Topic     string       `json:"topic"`
	Data      events.Event `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// SubscriptionRequest is sent by clients. Topics are event kinds such as
// "deposit.confirmed", a family wildcard such as "deposit.*", or "*".
type SubscriptionRequest struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Address string   `json:"address,omitempty"`
}

// NewHub accepts connections from allowedOrigins and from same-origin
// requests that carry no Origin header. m may be nil.
func NewHub(allowedOrigins []string, logger *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		metrics:    m,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin] || allowed["*"]
			},
		},
	}
}

// Run owns client registration until ctx is cancelled. It must be running
// before HandleWebSocket is served.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			if h.drop(client) {
				h.logger.Debugw("Client unregistered", "address", client.account())
			}
		}
	}
}

// Handle broadcasts committed events to subscribed clients. Slow clients are
// disconnected rather than allowed to block the publisher.
func (h *Hub) Handle(_ context.Context, evs []events.Event) error {
	now := time.Now().Unix()
	for _, e := range evs {
		payload, err := json.Marshal(Message{
			Type:      "event",
			Topic:     string(e.Kind),
			Data:      e,
			Timestamp: now,
		})
		if err != nil {
			return err
		}
		h.broadcastToClients(payload, e)
	}
	return nil
}

func (h *Hub) broadcastToClients(message []byte, e events.Event) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(e) {
			continue
		}
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		if h.drop(client) {
			h.logger.Warnw("Dropped slow websocket client", "address", client.account())
		}
	}
}

// drop removes the client and closes its send channel once.
func (h *Hub) drop(client *Client) bool {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, client)
	close(client.send)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.DecrementConnections(context.Background())
	}
	return true
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.drop(client)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(time.Now())
		}
	}
}

func (h *Hub) cleanupInactiveClients(now time.Time) {
	cutoff := now.Add(-idleTimeout).UnixNano()

	h.mu.RLock()
	var idle []*Client
	for client := range h.clients {
		if client.lastActive.Load() < cutoff {
			idle = append(idle, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range idle {
		if h.drop(client) {
			h.logger.Debugw("Cleaned up inactive client", "address", client.account())
		}
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]bool),
	}
	client.touch()

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Address != "" {
			c.address = strings.ToLower(sub.Address)
		}
		c.hub.logger.Debugw("Client subscribed to topics", "topics", sub.Topics, "address", sub.Address)

	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		c.hub.logger.Debugw("Client unsubscribed from topics", "topics", sub.Topics)
	}
}

func (c *Client) account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *Client) wants(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.address != "" && !touches(e, c.address) {
		return false
	}
	return c.isSubscribed(string(e.Kind))
}

func (c *Client) isSubscribed(topic string) bool {
	if c.topics["*"] || c.topics[topic] {
		return true
	}
	if family, _, ok := strings.Cut(topic, "."); ok {
		return c.topics[family+".*"]
	}
	return false
}

func touches(e events.Event, address string) bool {
	return strings.EqualFold(e.Account, address) ||
		strings.EqualFold(e.Counterparty, address) ||
		strings.EqualFold(e.Actor, address)
}
