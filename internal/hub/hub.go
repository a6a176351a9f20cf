// Package hub fans state-change events out to WebSocket subscribers and
// answers ad-hoc command requests over the same socket.
//
// Every broadcast is serialized once and delivered to every open
// connection. Clients may declare subscription filters; the hub records
// them but the broadcast path does not filter on them — all connected
// clients receive all events. External consumers depend on receiving
// everything, so this stays as-is.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// Backend answers the ad-hoc commands clients send over the socket.
type Backend interface {
	Metrics() types.MetricsSnapshot
	Agents() []types.Agent
	Errors(limit int, typeFilter string) []types.ErrorEvent
	ExecuteAction(ctx context.Context, actionID string) (types.RecoveryAction, error)
}

// Tap receives a copy of every broadcast payload. Used for the optional
// Redis event mirror.
type Tap interface {
	Publish(event string, payload []byte)
}

// writeWait bounds every socket write. A client that stops reading stalls
// the TCP stream without erroring; the deadline turns that stall into a
// write failure so the normal pruning path drops the client instead of
// blocking Broadcast and every caller behind it.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server fronts an internal operations dashboard; origin
		// enforcement belongs to the deployment proxy.
		return true
	},
}

// envelope is the wire shape of every pushed event.
type envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is anything a client may send.
type clientMessage struct {
	Type          string          `json:"type"`
	Subscriptions []string        `json:"subscriptions,omitempty"`
	Command       string          `json:"command,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

type client struct {
	id            string
	conn          *websocket.Conn
	writeMu       sync.Mutex
	writeTimeout  time.Duration
	subscriptions map[string]bool
}

// write sends one prepared message. Gorilla connections do not allow
// concurrent writers, hence the per-client mutex.
func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(payload)
}

// Hub maintains the set of connected subscriber channels.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client

	backend      Backend
	tap          Tap
	logger       *slog.Logger
	writeTimeout time.Duration
}

// New creates a hub. backend may be nil until SetBackend is called; tap
// may be nil when no mirror is configured.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*client),
		logger:       logger.With("component", "hub"),
		writeTimeout: writeWait,
	}
}

// SetBackend wires the command backend. Called once during startup.
func (h *Hub) SetBackend(b Backend) { h.backend = b }

// SetTap wires the optional broadcast mirror. Called once during startup.
func (h *Hub) SetTap(t Tap) { h.tap = t }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast serializes {type, data, timestamp} once and pushes it to every
// open connection. Connections whose write fails are closed and removed.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(envelope{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.logger.Debug("dropping client after write failure", "client_id", c.id, "error", err)
			h.remove(c.id)
		}
	}

	if h.tap != nil {
		h.tap.Publish(event, payload)
	}
}

// ServeHTTP implements http.Handler so the hub can be mounted directly.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// ServeWS upgrades the request and runs the connection's read loop until
// the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:            uuid.New().String(),
		conn:          conn,
		writeTimeout:  h.writeTimeout,
		subscriptions: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("client connected", "client_id", c.id)

	if err := c.writeJSON(map[string]any{
		"type":      types.EventConnection,
		"clientId":  c.id,
		"timestamp": time.Now().UTC(),
	}); err != nil {
		h.remove(c.id)
		return
	}

	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.remove(c.id)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			h.logger.Info("client disconnected", "client_id", c.id)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeJSON(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.mu.Lock()
			for _, s := range msg.Subscriptions {
				c.subscriptions[s] = true
			}
			h.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			for _, s := range msg.Subscriptions {
				delete(c.subscriptions, s)
			}
			h.mu.Unlock()
		case "command":
			h.handleCommand(ctx, c, msg)
		default:
			c.writeJSON(map[string]string{"type": "error", "error": "unknown message type"})
		}
	}
}

// commandParams covers every command's optional parameters.
type commandParams struct {
	ActionID string `json:"actionId"`
	Limit    int    `json:"limit"`
	Type     string `json:"type"`
}

func (h *Hub) handleCommand(ctx context.Context, c *client, msg clientMessage) {
	if h.backend == nil {
		h.respondErr(c, msg.Command, "server not ready")
		return
	}

	var params commandParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			h.respondErr(c, msg.Command, "invalid params")
			return
		}
	}

	switch msg.Command {
	case "getMetrics":
		h.respond(c, msg.Command, h.backend.Metrics())
	case "getAgents":
		h.respond(c, msg.Command, h.backend.Agents())
	case "getErrors":
		h.respond(c, msg.Command, h.backend.Errors(params.Limit, params.Type))
	case "executeAction":
		action, err := h.backend.ExecuteAction(ctx, params.ActionID)
		if err != nil {
			h.respondErr(c, msg.Command, err.Error())
			return
		}
		h.respond(c, msg.Command, action)
	default:
		h.respondErr(c, msg.Command, "unknown command")
	}
}

func (h *Hub) respond(c *client, command string, result any) {
	c.writeJSON(map[string]any{
		"type":    "response",
		"command": command,
		"result":  result,
	})
}

func (h *Hub) respondErr(c *client, command, msg string) {
	c.writeJSON(map[string]any{
		"type":    "error",
		"command": command,
		"error":   msg,
	})
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		c.conn.Close()
	}
}
