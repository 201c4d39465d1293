// Package ws pushes bus events to WebSocket clients.
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

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/events"
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

	// busBuffer is the hub's own subscription buffer on the event bus.
	busBuffer = 1024
)

// Source is the event bus the hub reads from.
type Source interface {
	Subscribe(buffer int, types ...domain.EventType) *events.Subscription
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
	subs map[domain.EventType]bool
	mu   sync.RWMutex
}

// stop tells the write pump to close the connection.
func (c *client) stop() { c.once.Do(func() { close(c.quit) }) }

// controlMsg is what clients send to change their event filter:
// {"action":"subscribe"|"unsubscribe","events":["opportunity",...]}.
type controlMsg struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// Config captures metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// AllowedOrigins restricts the upgrade; empty allows all.
	AllowedOrigins []string
}

// Hub fans bus events out to connected clients. Every client starts
// subscribed to all event types.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	source     Source
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
	dropped    uint64
}

// NewHub creates a hub over source.
func NewHub(source Source, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		source:     source,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		startedAt:  startedAt,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the bus and serves clients until ctx is cancelled or
// the bus closes.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.source.Subscribe(busBuffer, domain.AllEvents...)
	defer func() {
		sub.Close()
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			c.stop()
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.stop()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt domain.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("encode event failed",
			slog.String("event", string(evt.Event)),
			slog.String("error", err.Error()),
		)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.isSubscribed(evt.Event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped++
			if h.dropped%100 == 1 {
				h.logger.Warn("dropping events for slow client",
					slog.String("event", string(evt.Event)),
					slog.Uint64("dropped_total", h.dropped),
				)
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		quit: make(chan struct{}),
		subs: make(map[domain.EventType]bool, len(domain.AllEvents)),
	}
	for _, t := range domain.AllEvents {
		c.subs[t] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// readPump handles subscription changes until the connection drops.
func (c *client) readPump() {
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
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Action == "" {
			c.reply("error", map[string]string{"message": "expected {action, events}"})
			continue
		}
		c.handleControl(msg)
	}
}

// handleControl applies subscribe or unsubscribe and acknowledges with the
// resulting filter. Unknown event names are reported back and ignored.
func (c *client) handleControl(msg controlMsg) {
	known := make(map[domain.EventType]bool, len(domain.AllEvents))
	for _, t := range domain.AllEvents {
		known[t] = true
	}

	var unknown []string
	c.mu.Lock()
	for _, name := range msg.Events {
		t := domain.EventType(strings.ToLower(strings.TrimSpace(name)))
		if !known[t] {
			unknown = append(unknown, name)
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[t] = true
		case "unsubscribe":
			delete(c.subs, t)
		}
	}
	c.mu.Unlock()

	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		c.reply("error", map[string]string{"message": "action must be subscribe or unsubscribe"})
		return
	}
	c.reply("subscribed", map[string]any{
		"events":  c.subscriptions(),
		"unknown": unknown,
	})
}

func (c *client) subscriptions() []domain.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.EventType, 0, len(c.subs))
	for _, t := range domain.AllEvents {
		if c.subs[t] {
			out = append(out, t)
		}
	}
	return out
}

// sendHello tells a new client what it is connected to.
func (c *client) sendHello() {
	c.reply("connected", map[string]any{
		"mode":          c.hub.mode,
		"uptimeSeconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
		"events":        domain.AllEvents,
	})
}

// reply queues a control frame. It never blocks.
func (c *client) reply(name string, data any) {
	msg, err := json.Marshal(domain.NewEvent(domain.EventType(name), data))
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) isSubscribed(t domain.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[t]
}

// writePump sends queued JSON text frames and periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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
