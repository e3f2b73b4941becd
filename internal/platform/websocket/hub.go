// Package websocket pushes store change events to connected clients. Clients
// subscribe to topics ("patients", "patient:<id>", "session") and receive
// every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Well-known topics.
const (
	TopicPatients = "patients"
	TopicSession  = "session"

	patientTopicPrefix = "patient:"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

// PatientTopic is the topic carrying events for a single patient.
func PatientTopic(id string) string { return patientTopicPrefix + id }

// ValidTopic reports whether clients may subscribe to topic.
func ValidTopic(topic string) bool {
	switch {
	case topic == TopicPatients, topic == TopicSession:
		return true
	case strings.HasPrefix(topic, patientTopicPrefix):
		return len(topic) > len(patientTopicPrefix)
	}
	return false
}

// Event is a change notification sent to clients.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	Action     string          `json:"action"`
	ResourceID string          `json:"resourceId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is what a client sends to change its subscriptions:
// {"action":"subscribe"|"unsubscribe","topics":[...]}.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one connected subscriber. Send is closed by the hub when the
// client is unregistered.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger,
	}
}

// join must be called with mu held.
func (h *Hub) join(c *Client, topic string) {
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Client]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
}

// leave must be called with mu held.
func (h *Hub) leave(c *Client, topic string) {
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

// Register adds a client with its initial topics.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for _, t := range c.Topics {
		h.join(c, t)
	}
}

// Unregister removes a client and closes its Send channel. Unknown clients
// are ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, t := range c.Topics {
		h.leave(c, t)
	}
	delete(h.all, c)
	close(c.Send)
}

// Subscribe adds topics to a registered client. Unknown topic names and
// topics the client already has are skipped.
func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if !ValidTopic(t) {
			h.logger.Debug().Str("client_id", c.ID).Str("topic", t).Msg("ignoring subscription to unknown topic")
			continue
		}
		if _, ok := h.topics[t][c]; ok {
			continue
		}
		h.join(c, t)
		c.Topics = append(c.Topics, t)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	drop := make(map[string]bool, len(topics))
	for _, t := range topics {
		drop[t] = true
		h.leave(c, t)
	}
	kept := c.Topics[:0:0]
	for _, t := range c.Topics {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	c.Topics = kept
}

// ProcessMessage applies a client message. Unknown actions are ignored.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

func (h *Hub) deliver(clients map[*Client]struct{}, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", event.Topic).Msg("marshal websocket event")
		return
	}
	for c := range clients {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("topic", event.Topic).Msg("client send buffer full, dropping event")
		}
	}
}

// Broadcast sends event to the subscribers of topic. Slow clients whose
// buffer is full miss the event rather than block the publisher.
func (h *Hub) Broadcast(topic string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if set, ok := h.topics[topic]; ok {
		h.deliver(set, event)
	}
}

// BroadcastAll sends event to every client regardless of topic.
func (h *Hub) BroadcastAll(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.all, event)
}

// Publish broadcasts event on its own topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// WebSocketHandler upgrades HTTP requests and pumps events to the client.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub. allowedOrigins limits
// the Origin header; an entry of "*" allows any origin. Requests without an
// Origin header are not from a browser and are allowed.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/events/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and registers the client on the
// dashboard and session topics, or on the single topic named by ?topic=.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	topics := []string{TopicPatients, TopicSession}
	if t := c.QueryParam("topic"); t != "" {
		if !ValidTopic(t) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown topic")
		}
		topics = []string{t}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		hub:    wsh.hub,
	}
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Strs("topics", topics).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
