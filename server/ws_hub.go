package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentloom/agentloom/server/observability"
	"github.com/agentloom/agentloom/server/streaming"
)

const maxWSConnections = 200

// ExecutionHub manages WebSocket connections and broadcasts execution
// lifecycle events. Single broadcaster pattern prevents N duplicate loops.
// A client subscribed with an execution id receives only that execution's
// events; an empty id receives everything.
type ExecutionHub struct {
	// clients maps connection to the execution id it watches
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan streaming.Event
	mu         sync.RWMutex
}

type registration struct {
	conn        *websocket.Conn
	executionID string
}

// NewExecutionHub creates a new WebSocket hub.
func NewExecutionHub() *ExecutionHub {
	return &ExecutionHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
	}
}

// Run starts the hub's main loop.
func (h *ExecutionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.executionID
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			log.Printf("WebSocket client registered (execution=%q). Total: %d", reg.executionID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			log.Printf("WebSocket client unregistered. Total: %d", total)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish implements streaming.Publisher. Delivery is best effort: when the
// hub's buffer is full the event is dropped rather than blocking the engine.
func (h *ExecutionHub) Publish(_ context.Context, topic string, executionID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := streaming.Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		ExecutionID: executionID,
		Payload:     body,
		Timestamp:   time.Now().UTC(),
		Source:      "server",
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("WebSocket hub buffer full, dropping event %s", topic)
	}
	return nil
}

// Close implements streaming.Publisher. Connection teardown happens in Run
// when its context is cancelled.
func (h *ExecutionHub) Close() error { return nil }

// broadcast sends the event to every client watching its execution.
func (h *ExecutionHub) broadcast(ev streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, watched := range h.clients {
		if watched != "" && watched != ev.ExecutionID {
			continue
		}
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *ExecutionHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.WSClients.Set(0)
}

// Register adds a new client connection.
func (h *ExecutionHub) Register(conn *websocket.Conn, executionID string) {
	h.register <- registration{conn: conn, executionID: executionID}
}

// Unregister removes a client connection.
func (h *ExecutionHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *ExecutionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
