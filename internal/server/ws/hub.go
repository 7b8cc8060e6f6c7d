// Package ws streams lifecycle messages to dashboard clients over websockets.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// maxReplay caps the stream entries sent for one replay request.
	maxReplay = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config configures a Hub.
type Config struct {
	Mode string
	// Channels are the lifecycle channels clients are subscribed to on
	// connect.
	Channels []string
	// Bus serves replay requests from Stream. It is optional.
	Bus    domain.EventBus
	Stream string
	// Subscribe relays Channels from Bus so that events persisted by another
	// process reach this hub. Leave it off when the lifecycle worker runs
	// in-process and calls Broadcast directly.
	Subscribe bool
}

// envelope wraps every frame sent to clients.
type envelope struct {
	Type    string              `json:"type"`
	Channel string              `json:"channel,omitempty"`
	ID      string              `json:"id,omitempty"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// clientMsg is a subscription or replay request sent by a client:
//
//	{"action":"subscribe","channels":["signals:*"]}
//	{"action":"replay","since":"1700000000000-0","count":100}
type clientMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Since    string   `json:"since"`
	Count    int      `json:"count"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

type unicastMsg struct {
	client *client
	frame  []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// Hub tracks connected clients and fans lifecycle messages out to those
// subscribed to the message's channel.
type Hub struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time

	clients    map[*client]bool
	broadcast  chan broadcastMsg
	unicast    chan unicastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a Hub. Run must be started before clients connect.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws")),
		startedAt:  time.Now().UTC(),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		unicast:    make(chan unicastMsg),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Broadcast queues payload for every client subscribed to channel. It never
// blocks; messages are dropped when the hub is saturated or stopped.
func (h *Hub) Broadcast(channel string, payload []byte) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: payload}:
	case <-h.done:
	default:
		h.logger.Warn("ws: broadcast queue full, message dropped", slog.String("channel", channel))
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.cfg.Subscribe && h.cfg.Bus != nil {
		for _, ch := range h.cfg.Channels {
			go h.subscribe(ctx, ch)
		}
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
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.unicast:
			h.mu.RLock()
			if h.clients[msg.client] {
				select {
				case msg.client.send <- msg.frame:
				default:
				}
			}
			h.mu.RUnlock()

		case msg := <-h.broadcast:
			frame, err := json.Marshal(envelope{Type: "lifecycle", Channel: msg.channel, Payload: msg.data})
			if err != nil {
				h.logger.Error("ws: encode frame failed", slog.Any("error", err))
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(ctx context.Context, channel string) {
	msgs, err := h.cfg.Bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for data := range msgs {
		h.Broadcast(channel, data)
	}
	if ctx.Err() == nil {
		h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range h.cfg.Channels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

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
				c.hub.logger.Warn("ws: unexpected close", slog.Any("error", err))
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.updateSubs(msg.Action == "subscribe", msg.Channels)
		case "replay":
			c.replay(msg.Since, msg.Count)
		}
	}
}

func (c *client) updateSubs(add bool, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if add {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

// replay sends stream entries recorded after since ("0" for the oldest).
func (c *client) replay(since string, count int) {
	bus := c.hub.cfg.Bus
	if bus == nil || c.hub.cfg.Stream == "" {
		return
	}
	if since == "" {
		since = "0"
	}
	if count <= 0 || count > maxReplay {
		count = maxReplay
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	entries, err := bus.StreamRead(ctx, c.hub.cfg.Stream, since, count)
	if err != nil {
		c.hub.logger.Warn("ws: replay read failed", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if len(e.Payload) == 0 {
			continue
		}
		frame, err := json.Marshal(envelope{Type: "replay", ID: e.ID, Payload: e.Payload})
		if err != nil {
			continue
		}
		if !c.trySend(frame) {
			return
		}
	}
}

func (c *client) sendStatus() {
	payload, err := json.Marshal(map[string]any{
		"mode":           c.hub.cfg.Mode,
		"channels":       c.hub.cfg.Channels,
		"uptime_seconds": max(0, int64(time.Since(c.hub.startedAt).Seconds())),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Type: "hub_status", Payload: payload})
	if err != nil {
		return
	}
	c.trySend(frame)
}

// trySend hands frame to the hub for delivery to this client only. It
// reports false once the hub has stopped.
func (c *client) trySend(frame []byte) bool {
	select {
	case c.hub.unicast <- unicastMsg{client: c, frame: frame}:
		return true
	case <-c.hub.done:
		return false
	}
}

// isSubscribed matches exact channel names and trailing-* patterns.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

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
