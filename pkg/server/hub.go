package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const maxWSReadBytes = 64 << 10

// Event represents a message sent to WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans out events to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast sends an event to all clients, dropping slow consumers.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}
}

// register adds a new client to the hub.
func (h *Hub) register(conn wsConn, filter func(Event) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan Event, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metricWSClients.Inc()
	return c
}

// removeClient disconnects and removes a client.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metricWSClients.Dec()
	}
	h.mu.Unlock()
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *client) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEvents upgrades the connection and streams storage and telemetry
// events. Clients may filter to a single run with ?run_id=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errForbiddenOrigin)
		return
	}
	if _, ok := s.authorize(r); !ok {
		respondError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("events websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	var filter func(Event) bool
	if runID != "" {
		filter = func(e Event) bool { return e.RunID == runID }
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := s.hub.register(conn, filter)
	defer s.hub.removeClient(c)

	// Drain reads so we notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := c.writeLoop(ctx); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}
