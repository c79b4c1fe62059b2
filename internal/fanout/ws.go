package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// wsMessage is the envelope every push-channel frame is serialized as:
// {"event": "...", "data": ...}, matching the (event, payload) shape
// flask_socketio's emit() sends over Socket.IO's own wire format.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS already gates the REST API; the socket has no cookies to leak
}

// hub tracks every connected push-channel client so broadcast() can fan a
// message out to all of them, independent of the Event Bus's own
// per-subscriber queues (which only carry deployment_status/system_health,
// not client-addressed request/response replies).
type hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	subscriber prometheus.Gauge
}

func newHub(subscriber prometheus.Gauge) *hub {
	return &hub{clients: make(map[*client]struct{}), subscriber: subscriber}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.subscriber.Inc()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	h.subscriber.Dec()
}

// broadcast delivers msg to every connected client without blocking on a
// slow one; a client whose outbound buffer is full has its oldest queued
// message dropped to make room, the same drop-oldest rule the Event Bus
// applies to its subscribers.
func (h *hub) broadcast(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			continue
		default:
		}
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// client is one connected push-channel websocket, with its own outbound
// buffer fed both by hub.broadcast and by the reader goroutine's direct
// (non-broadcast) replies to request_deployments/request_system_status.
type client struct {
	conn *websocket.Conn
	send chan wsMessage
}

// handleWebSocket upgrades the connection and runs its reader and writer
// goroutines, mirroring register_websocket_handlers' connect/disconnect and
// per-event handlers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan wsMessage, s.cfg.SubscriberQueueDepth)}
	s.hub.add(c)

	go s.writePump(c)
	s.sendConnectGreeting(c)

	s.readPump(c) // blocks until the connection closes
	s.hub.remove(c)
}

func (s *Server) sendConnectGreeting(c *client) {
	c.send <- wsMessage{Event: "status", Data: map[string]string{
		"message":   "Connected to deployment server",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}

	stats, err := dashboardStats(context.Background(), s.store)
	if err != nil {
		c.send <- wsMessage{Event: "status", Data: map[string]string{
			"message":   "Error loading initial stats: " + err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}}
		return
	}
	c.send <- wsMessage{Event: "stats_update", Data: stats}
}

// writePump serializes every queued message as JSON and writes it to the
// connection; it is the only goroutine that calls conn.WriteMessage, per
// gorilla/websocket's one-writer-at-a-time requirement.
func (s *Server) writePump(c *client) {
	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			s.log.WithError(err).Warn("failed to marshal websocket message")
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// inboundEvent is the shape of a client->server frame: {"event": "...",
// "data": {...}}, the inverse of wsMessage.
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readPump handles client->server events: request_stats, request_deployments,
// request_system_status, trigger_deployment_update, per spec.md §6.3.
func (s *Server) readPump(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var in inboundEvent
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		s.handleInboundEvent(c, in)
	}
}

func (s *Server) handleInboundEvent(c *client, in inboundEvent) {
	ctx := context.Background()

	switch in.Event {
	case "request_stats":
		stats, err := dashboardStats(ctx, s.store)
		if err != nil {
			c.send <- errorStatus(err)
			return
		}
		// Broadcast to all clients so everyone stays in sync, matching
		// handle_request_stats's deliberate choice not to reply-only.
		s.hub.broadcast(wsMessage{Event: "stats_update", Data: stats})

	case "request_deployments":
		records, err := s.store.ListDeployments(ctx, store.DeploymentFilter{Limit: 50})
		if err != nil {
			c.send <- errorStatus(err)
			return
		}
		c.send <- wsMessage{Event: "deployments_refresh", Data: map[string]any{"deployments": records}}

	case "request_system_status":
		c.send <- wsMessage{Event: "system_status", Data: s.sampler.Sample(ctx)}

	case "trigger_deployment_update":
		var data map[string]any
		if err := json.Unmarshal(in.Data, &data); err != nil {
			data = map[string]any{}
		}
		if _, ok := data["timestamp"]; !ok {
			data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		}
		s.hub.broadcast(wsMessage{Event: "deployment_update", Data: data})
	}
}

func errorStatus(err error) wsMessage {
	return wsMessage{Event: "status", Data: map[string]string{
		"message":   "error: " + err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
}
