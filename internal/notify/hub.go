// Package notify pushes trade outcomes to each user's websocket connections.
package notify

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"tradehook/internal/events"
)

// Message is the wire frame pushed to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub routes pipeline events to the owning user's live connections. Events
// are addressed by user id, a user with no open connection simply misses the
// push; the job record remains the durable source of truth.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]bool

	bus *events.Bus
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]bool),
		bus:   bus,
	}
}

// Register attaches a connection to a user.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]bool)
	}
	h.conns[userID][conn] = true
}

// Unregister detaches a connection.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// EmitToUser pushes one frame to every connection the user has open. Dead
// connections are dropped on write failure.
func (h *Hub) EmitToUser(userID, event string, data any) {
	h.mu.RLock()
	set := h.conns[userID]
	conns := make([]*websocket.Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	msg := Message{Event: event, Data: data}
	for _, conn := range conns {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write to %s failed, dropping connection: %v", userID, err)
			conn.Close()
			h.Unregister(userID, conn)
		}
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Run consumes the trade topics until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	executed, unsubExecuted := h.bus.Subscribe(events.EventTradeExecuted, 100)
	failed, unsubFailed := h.bus.Subscribe(events.EventTradeError, 100)
	defer unsubExecuted()
	defer unsubFailed()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-executed:
			if !ok {
				return
			}
			if result, valid := payload.(events.TradeResult); valid {
				h.EmitToUser(result.UserID, string(events.EventTradeExecuted), result)
			}
		case payload, ok := <-failed:
			if !ok {
				return
			}
			if te, valid := payload.(events.TradeError); valid {
				h.EmitToUser(te.UserID, string(events.EventTradeError), te)
			}
		}
	}
}
