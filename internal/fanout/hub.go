// Package fanout maintains the live set of dashboard WebSocket subscribers
// and pushes event and registry deltas to all of them.
package fanout

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message envelope types pushed over /stream.
const (
	TypeInitial       = "initial"
	TypeEvent         = "event"
	TypeAgentUpdate   = "agent_update"
	TypeAgentRegistry = "agent_registry"
)

// Message is the server→client envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer per conn
}

func (s *subscriber) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Hub is the process-scoped subscriber set. A send failure on one subscriber
// evicts only that subscriber; there is no retry and no backpressure — a slow
// or dead client is treated identically to a disconnect.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Add seeds a new connection with the snapshot baseline — recent events, then
// the full agent hierarchy — and registers it for live pushes. The snapshot
// closure runs and both snapshot sends complete while the hub lock is held,
// so a broadcast concurrent with Add either lands in the snapshot read or is
// delivered live after registration; it cannot fall between the two. The
// snapshot and the first live pushes can overlap, so clients deduplicate by
// (id, timestamp).
func (h *Hub) Add(conn *websocket.Conn, snapshot func() (recentEvents any, hierarchy any, err error)) (string, error) {
	sub := &subscriber{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	defer h.mu.Unlock()

	recentEvents, hierarchy, err := snapshot()
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	if err := sub.send(Message{Type: TypeInitial, Data: recentEvents}); err != nil {
		conn.Close()
		return "", fmt.Errorf("send initial snapshot: %w", err)
	}
	if err := sub.send(Message{Type: TypeAgentRegistry, Data: hierarchy}); err != nil {
		conn.Close()
		return "", fmt.Errorf("send agent registry snapshot: %w", err)
	}

	h.subs[sub.id] = sub
	return sub.id, nil
}

// Remove drops a subscriber and closes its connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
	}
}

// Broadcast pushes a message to every connected subscriber, evicting any
// whose send fails.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.send(msg); err != nil {
			h.Remove(s.id)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
