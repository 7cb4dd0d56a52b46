// Package realtime streams risk assessments and session lifecycle events
// to WebSocket subscribers such as analyst dashboards.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/rules"
)

// EventType for real-time events
type EventType string

const (
	EventAssessment        EventType = "assessment"
	EventHardBlock         EventType = "hard_block"
	EventSessionStarted    EventType = "session_started"
	EventSessionTerminated EventType = "session_terminated"
)

// Event is one message on the stream. SessionID and Level are lifted out
// of Data so subscriptions can filter without decoding it.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"sessionId,omitempty"`
	Level     rules.Level `json:"riskLevel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscription filters what a dashboard receives. The zero value
// matches everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	SessionIDs []string    `json:"sessionIds"`
	MinLevel   rules.Level `json:"minLevel"` // only applies to events carrying a level
}

// Matches reports whether e passes the filter. Events without a session
// id pass a session filter.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.SessionIDs) > 0 && e.SessionID != "" && !slices.Contains(s.SessionIDs, e.SessionID) {
		return false
	}
	if s.MinLevel != "" && e.Level != "" && e.Level.Rank() < s.MinLevel.Rank() {
		return false
	}
	return true
}

// SubscriptionFromQuery seeds a subscription from ?session=a,b&minLevel=medium&types=hard_block.
// With no filters present it subscribes to everything.
func SubscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{
		SessionIDs: splitCSV(q.Get("session")),
		MinLevel:   rules.Level(strings.ToLower(q.Get("minLevel"))),
	}
	for _, t := range splitCSV(q.Get("types")) {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	if len(sub.SessionIDs) == 0 && len(sub.EventTypes) == 0 && sub.MinLevel == "" {
		sub.AllEvents = true
	}
	return sub
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

const (
	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Hub fans events out to connected dashboards. A client whose send
// buffer is full is dropped rather than allowed to stall the stream.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
	byLevel      [3]atomic.Int64 // assessment events per rules.Level rank
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins restricts browser upgrades to the given origins.
// Same-host and non-browser clients are always accepted.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		allowed := append([]string(nil), origins...)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		}
	}
}

// WithMaxClients overrides MaxClients.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) { h.maxClients = n }
}

// NewHub creates a new WebSocket hub. Without WithAllowedOrigins only
// same-host browsers may connect.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	WithAllowedOrigins(nil)(h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns client registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("dashboard connected", "total", n)
}

func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send) // writePump sends a close frame
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

func (h *Hub) fanOut(e *Event) {
	h.totalEvents.Add(1)
	if e.Level != "" {
		h.byLevel[e.Level.Rank()].Add(1)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("dropping unencodable event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.dropped.Add(int64(len(slow)))
		h.logger.Warn("dropping slow dashboards", "count", len(slow))
		h.remove(slow...)
	}
}

// Broadcast queues an event; it never blocks the scoring path.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// BroadcastAssessment publishes a session assessment. Hard-rule blocks
// are published under their own event type.
func (h *Hub) BroadcastAssessment(sessionID string, level rules.Level, hardBlock bool, data interface{}) {
	typ := EventAssessment
	if hardBlock {
		typ = EventHardBlock
	}
	h.Broadcast(&Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Level:     level,
		Data:      data,
	})
}

// BroadcastSession publishes a session lifecycle change.
func (h *Hub) BroadcastSession(typ EventType, sessionID string) {
	h.Broadcast(&Event{Type: typ, Timestamp: time.Now(), SessionID: sessionID})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedClients":   h.dropped.Load(),
		"eventsByLevel": map[rules.Level]int64{
			rules.LevelLow:    h.byLevel[0].Load(),
			rules.LevelMedium: h.byLevel[1].Load(),
			rules.LevelHigh:   h.byLevel[2].Load(),
		},
	}
}

// HandleWebSocket upgrades a dashboard connection. The initial filter
// comes from the query string; clients may replace it later by sending
// a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  SubscriptionFromQuery(r),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
