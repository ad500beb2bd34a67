// Package ws pushes processed batches to dashboard clients over WebSocket.
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

	"github.com/alanyoungcy/marketrules/internal/cache/memory"
	"github.com/alanyoungcy/marketrules/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Envelope types sent to clients.
const (
	TypeStatus         = "status"
	TypeBatchProcessed = "batch_processed"
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are restricted by the CORS middleware.
		return true
	},
}

// envelope is the JSON frame written to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	sports map[string]bool // empty means every sport
	mu     sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to choose sports.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Sports []string `json:"sports"`
}

// Hub manages the connected WebSocket clients and forwards processed batches
// to the clients subscribed to their sport.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// broadcastMsg carries an encoded envelope with the sport it belongs to.
type broadcastMsg struct {
	sport string
	data  []byte
}

// Config captures runtime metadata reported to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub. When bus is non-nil the hub listens on every results
// channel; otherwise batches reach it through Publish.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.subscribeResults(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.ClientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.ClientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(msg.sport) {
					select {
					case c.send <- msg.data:
					default:
						// Client's send buffer is full; drop the message.
						h.logger.Warn("ws: dropping message for slow client",
							slog.String("sport", msg.sport),
						)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a processed batch for the subscribed clients. It never
// blocks: a full broadcast queue drops the batch.
func (h *Hub) Publish(ctx context.Context, pb domain.ProcessedBatch) error {
	data, err := json.Marshal(envelope{Type: TypeBatchProcessed, Payload: pb})
	if err != nil {
		return err
	}
	h.enqueue(ctx, broadcastMsg{sport: pb.Sport, data: data})
	return nil
}

func (h *Hub) enqueue(ctx context.Context, msg broadcastMsg) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	default:
		h.logger.Warn("ws: broadcast queue full", slog.String("sport", msg.sport))
	}
}

// subscribeResults forwards every message on the results channels to the
// broadcast loop.
func (h *Hub) subscribeResults(ctx context.Context) {
	pattern := domain.ChannelResultsPrefix + "*"
	msgCh, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to results",
			slog.String("channel", pattern),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("ws: subscribed to results", slog.String("channel", pattern))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: results subscription closed")
				return
			}
			var pb domain.ProcessedBatch
			if err := json.Unmarshal(data, &pb); err != nil {
				h.logger.Warn("ws: dropping malformed result", slog.String("error", err.Error()))
				continue
			}
			if err := h.Publish(ctx, pb); err != nil {
				h.logger.Warn("ws: encode result failed", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. The optional sports query parameter is a comma
// separated initial subscription.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		sports: make(map[string]bool),
	}
	for _, s := range strings.Split(r.URL.Query().Get("sports"), ",") {
		if s = memory.Key(s); s != "" {
			c.sports[s] = true
		}
	}

	h.register <- c
	c.sendInitialStatus()

	// Start read and write pumps in separate goroutines.
	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads subscription requests from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, s := range msg.Sports {
			if s = memory.Key(s); s != "" {
				c.sports[s] = true
			}
		}
	case "unsubscribe":
		if len(msg.Sports) == 0 {
			clear(c.sports)
		}
		for _, s := range msg.Sports {
			delete(c.sports, memory.Key(s))
		}
	}
}

// wants reports whether the client receives batches of sport.
func (c *client) wants(sport string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sports) == 0 || c.sports[sport]
}

// sendInitialStatus pushes a small JSON envelope so clients can immediately
// mark the connection as healthy even when no batches are flowing yet.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	c.mu.RLock()
	sports := make([]string, 0, len(c.sports))
	for s := range c.sports {
		sports = append(sports, s)
	}
	c.mu.RUnlock()

	msg, err := json.Marshal(envelope{
		Type: TypeStatus,
		Payload: map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": uptime,
			"sports":         sports,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
func (c *client) writePump() {
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
				// The hub closed the channel.
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
