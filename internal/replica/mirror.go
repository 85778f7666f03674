package replica

import (
	"sync"

	"github.com/beewhoo/roomcast/internal/auth"
)

// Mirror tracks room members held by peer instances, keyed by origin so a
// peer's crash only invalidates its own entries. Updates are idempotent:
// duplicate or reordered presence notices leave the mirror consistent.
type Mirror struct {
	mu sync.RWMutex
	// room -> user id -> origin -> identity
	rooms map[string]map[string]map[string]auth.Identity
}

// NewMirror returns an empty remote-presence mirror.
func NewMirror() *Mirror {
	return &Mirror{rooms: make(map[string]map[string]map[string]auth.Identity)}
}

// Apply folds one replicated membership change into the mirror.
func (m *Mirror) Apply(change PresenceChange) {
	switch change.Op {
	case OpJoin:
		if change.Identity == nil {
			return
		}
		m.add(change.Room, change.Origin, *change.Identity)
	case OpLeave, OpKick:
		m.remove(change.Room, change.Origin, change.UserID)
	}
}

func (m *Mirror) add(room, origin string, identity auth.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.rooms[room]
	if !ok {
		users = make(map[string]map[string]auth.Identity)
		m.rooms[room] = users
	}
	origins, ok := users[identity.ID]
	if !ok {
		origins = make(map[string]auth.Identity)
		users[identity.ID] = origins
	}
	origins[origin] = identity
}

func (m *Mirror) remove(room, origin, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.rooms[room]
	if !ok {
		return
	}
	origins, ok := users[userID]
	if !ok {
		return
	}
	delete(origins, origin)
	if len(origins) == 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(m.rooms, room)
	}
}

// DropOrigin forgets every entry a peer contributed, for use when a peer
// announces shutdown or is detected gone.
func (m *Mirror) DropOrigin(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for room, users := range m.rooms {
		for userID, origins := range users {
			delete(origins, origin)
			if len(origins) == 0 {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(m.rooms, room)
		}
	}
}

// Snapshot returns the remote members of a room, one entry per user.
func (m *Mirror) Snapshot(room string) []auth.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := m.rooms[room]
	out := make([]auth.Identity, 0, len(users))
	for _, origins := range users {
		for _, identity := range origins {
			out = append(out, identity)
			break
		}
	}
	return out
}
