// Package hub maintains the process-local registry of live connections
// and the many-to-many membership between connections and named rooms.
// It is pure mutable state: only the room manager and the gateway's
// disconnect path write to it.
package hub

import (
	"sync"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/metrics"
)

// Hub indexes connections by room and rooms by connection. A conceptual
// room's true membership is the union across instances; the Hub only ever
// holds the local subset.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[*Conn]struct{}
	joined map[*Conn]map[string]struct{}
	// Connections subscribed to the all-events stream rather than a room.
	allEvents map[*Conn]struct{}

	metrics *metrics.Registry
}

// New creates an empty Hub.
func New(m *metrics.Registry) *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[*Conn]struct{}),
		joined:    make(map[*Conn]map[string]struct{}),
		allEvents: make(map[*Conn]struct{}),
		metrics:   m,
	}
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.joined[c] = make(map[string]struct{})
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()
}

// Unregister removes a connection from every index and returns the rooms
// it was a member of, so the caller can run membership cleanup exactly
// once per closed connection.
func (h *Hub) Unregister(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return nil
	}
	delete(h.conns, c.ID)
	delete(h.allEvents, c)

	var rooms []string
	for room := range h.joined[c] {
		rooms = append(rooms, room)
		h.removeFromRoomLocked(c, room)
	}
	delete(h.joined, c)

	h.metrics.ConnectionsActive.Dec()
	return rooms
}

// Join adds the connection to a room. Idempotent. It reports false when
// the connection is no longer registered, so callers know the join was
// discarded and must not announce a membership that never happened.
func (h *Hub) Join(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		// Connection closed during an in-flight permission check; the
		// join result is discarded.
		return false
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
		h.metrics.RoomsActive.Inc()
	}
	members[c] = struct{}{}
	h.joined[c][room] = struct{}{}
	return true
}

// Leave removes the connection from a room and reports whether it was a
// member.
func (h *Hub) Leave(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.joined[c][room]; !ok {
		return false
	}
	delete(h.joined[c], room)
	h.removeFromRoomLocked(c, room)
	return true
}

func (h *Hub) removeFromRoomLocked(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		h.metrics.RoomsActive.Dec()
	}
}

// InRoom reports current membership.
func (h *Hub) InRoom(c *Conn, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[c][room]
	return ok
}

// RoomConns returns a snapshot of the room's local connections.
func (h *Hub) RoomConns(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[room]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// RoomIdentities returns the room's local members deduplicated by
// identity id, so multi-device presence shows one entry per user.
func (h *Hub) RoomIdentities(room string) []auth.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []auth.Identity
	for c := range h.rooms[room] {
		if _, dup := seen[c.Identity.ID]; dup {
			continue
		}
		seen[c.Identity.ID] = struct{}{}
		out = append(out, *c.Identity)
	}
	return out
}

// UserConns returns every connection in the room whose identity matches
// the given user id. One user may hold several simultaneous connections.
func (h *Hub) UserConns(room, userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Conn
	for c := range h.rooms[room] {
		if c.Identity.ID == userID {
			out = append(out, c)
		}
	}
	return out
}

// SubscribeAll adds or removes the connection from the all-events stream.
func (h *Hub) SubscribeAll(c *Conn, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	if on {
		h.allEvents[c] = struct{}{}
	} else {
		delete(h.allEvents, c)
	}
}

// AllSubscribers returns a snapshot of connections on the all-events
// stream.
func (h *Hub) AllSubscribers() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Conn, 0, len(h.allEvents))
	for c := range h.allEvents {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
