// Package room implements collaboration-room membership: ownership-gated
// joins, explicit leaves, forced removal, presence listing, and the
// disconnect cleanup path. Permission checks go to the document store on
// every call; nothing is cached.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/metrics"
	"github.com/beewhoo/roomcast/internal/replica"
	"github.com/beewhoo/roomcast/internal/store"
)

// Collections the permission checks read. The engine only interprets the
// owner, user, project, status and role fields.
const (
	projectCollection    = "projects"
	invitationCollection = "invitations"
)

// ErrPermissionDenied is returned when a privileged room operation fails
// its ownership or invitation check. The operation is a no-op: membership
// is unchanged.
var ErrPermissionDenied = errors.New("permission denied")

// ErrConnectionClosed is returned when the connection went away while a
// permission check was in flight. The operation is a no-op and nothing is
// announced, locally or to peers.
var ErrConnectionClosed = errors.New("connection closed")

// PresencePublisher mirrors membership changes to peer instances.
// Satisfied by replica.Adapter.
type PresencePublisher interface {
	PublishPresence(op replica.PresenceOp, room string, identity *auth.Identity)
}

// Manager owns room membership mutation. It is the only writer of the
// hub's room indices besides the gateway's disconnect path.
type Manager struct {
	hub       *hub.Hub
	store     store.Store
	publisher PresencePublisher
	mirror    *replica.Mirror
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// NewManager creates a Manager. publisher may be nil when the instance
// runs without replication.
func NewManager(h *hub.Hub, st store.Store, publisher PresencePublisher, mirror *replica.Mirror, m *metrics.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:       h,
		store:     st,
		publisher: publisher,
		mirror:    mirror,
		logger:    logger.With().Str("component", "room").Logger(),
		metrics:   m,
	}
}

// JoinProject adds the connection to a project's collaboration room after
// re-validating permission: the identity must own the project or hold an
// accepted editor invitation. On success the joining connection receives
// the room's member list and the other members a joined notice.
func (m *Manager) JoinProject(ctx context.Context, c *hub.Conn, projectID string) error {
	allowed, err := m.canJoin(ctx, c.Identity, projectID)
	if err != nil {
		return fmt.Errorf("join permission check: %w", err)
	}
	if !allowed {
		return ErrPermissionDenied
	}

	roomName := event.ProjectRoom(projectID)
	if !m.hub.Join(c, roomName) {
		// The connection disconnected during the store lookup; its
		// cleanup already ran, so announcing the join here would leave a
		// member no instance can ever remove.
		return ErrConnectionClosed
	}
	m.metrics.RoomJoins.Inc()

	// Member list goes to the joining connection only.
	m.sendTo(c, event.WireRoomUsers, map[string]any{
		"projectId": projectID,
		"users":     m.Presence(roomName),
	})

	m.notifyRoom(roomName, c, event.WireUserJoined, map[string]any{
		"projectId": projectID,
		"user":      c.Identity,
	})
	if m.publisher != nil {
		m.publisher.PublishPresence(replica.OpJoin, roomName, c.Identity)
	}

	m.logger.Debug().
		Str("user", c.Identity.ID).
		Str("project", projectID).
		Msg("Joined collaboration room")
	return nil
}

// canJoin re-evaluates the (ownership OR accepted editor invitation)
// check against the store. Never cached: revoked access takes effect on
// the next privileged call.
func (m *Manager) canJoin(ctx context.Context, identity *auth.Identity, projectID string) (bool, error) {
	project, err := m.store.FindByID(ctx, projectCollection, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if project.Str("owner") == identity.ID {
		return true, nil
	}

	invites, err := m.store.Find(ctx, invitationCollection, store.Filter{
		"project": projectID,
		"user":    identity.ID,
		"status":  "accepted",
		"role":    "editor",
	}, 1)
	if err != nil {
		return false, err
	}
	return len(invites) > 0, nil
}

// LeaveProject removes the connection from the room unconditionally and
// notifies the remaining members, keyed by identity id.
func (m *Manager) LeaveProject(_ context.Context, c *hub.Conn, projectID string) {
	roomName := event.ProjectRoom(projectID)
	if !m.hub.Leave(c, roomName) {
		return
	}
	m.metrics.RoomLeaves.Inc()

	m.notifyRoom(roomName, c, event.WireUserLeft, map[string]any{
		"projectId": projectID,
		"userId":    c.Identity.ID,
	})
	if m.publisher != nil {
		m.publisher.PublishPresence(replica.OpLeave, roomName, c.Identity)
	}
}

// KickUser force-removes every connection of the target user from the
// project's room. Only the project owner may kick, re-checked against the
// store on every call.
func (m *Manager) KickUser(ctx context.Context, caller *hub.Conn, projectID, targetUserID string) error {
	project, err := m.store.FindByID(ctx, projectCollection, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("kick permission check: %w", err)
	}
	if project.Str("owner") != caller.Identity.ID {
		return ErrPermissionDenied
	}

	roomName := event.ProjectRoom(projectID)
	m.removeUser(roomName, projectID, targetUserID, caller.Identity)

	if m.publisher != nil {
		m.publisher.PublishPresence(replica.OpKick, roomName, &auth.Identity{ID: targetUserID})
	}

	m.metrics.RoomKicks.Inc()
	m.logger.Info().
		Str("project", projectID).
		Str("target", targetUserID).
		Str("by", caller.Identity.ID).
		Msg("User kicked from collaboration room")
	return nil
}

// removeUser ejects the target's local connections and sends one left
// notice to the remaining members.
func (m *Manager) removeUser(roomName, projectID, targetUserID string, by *auth.Identity) {
	targets := m.hub.UserConns(roomName, targetUserID)
	for _, target := range targets {
		m.sendTo(target, event.WireUserKicked, map[string]any{
			"projectId": projectID,
			"by":        by,
		})
		m.hub.Leave(target, roomName)
	}
	if len(targets) > 0 {
		m.notifyRoom(roomName, nil, event.WireUserLeft, map[string]any{
			"projectId": projectID,
			"userId":    targetUserID,
		})
	}
}

// CleanupDisconnect runs once per closed connection: it discards the
// connection from the registry and emits one left notice per
// collaboration room it was a member of.
func (m *Manager) CleanupDisconnect(c *hub.Conn) {
	rooms := m.hub.Unregister(c)
	for _, roomName := range rooms {
		projectID, ok := projectIDFromRoom(roomName)
		if !ok {
			continue
		}
		m.metrics.RoomLeaves.Inc()
		m.notifyRoom(roomName, nil, event.WireUserLeft, map[string]any{
			"projectId": projectID,
			"userId":    c.Identity.ID,
		})
		if m.publisher != nil {
			m.publisher.PublishPresence(replica.OpLeave, roomName, c.Identity)
		}
	}
}

// Presence returns the room's member list, one entry per identity,
// merging local connections with members mirrored from peer instances.
func (m *Manager) Presence(roomName string) []auth.Identity {
	local := m.hub.RoomIdentities(roomName)
	seen := make(map[string]struct{}, len(local))
	out := make([]auth.Identity, 0, len(local))
	for _, identity := range local {
		seen[identity.ID] = struct{}{}
		out = append(out, identity)
	}
	if m.mirror != nil {
		for _, identity := range m.mirror.Snapshot(roomName) {
			if _, dup := seen[identity.ID]; dup {
				continue
			}
			seen[identity.ID] = struct{}{}
			out = append(out, identity)
		}
	}
	return out
}

// HandlePresence applies a membership change replicated from a peer
// instance and repeats its local side effects: joined/left notices to
// local members and, for kicks, ejection of local connections of the
// target user. Duplicate notices are tolerated; removing an absent
// member is a no-op.
func (m *Manager) HandlePresence(change replica.PresenceChange) {
	if m.mirror != nil {
		m.mirror.Apply(change)
	}

	projectID, ok := projectIDFromRoom(change.Room)
	if !ok {
		return
	}

	switch change.Op {
	case replica.OpJoin:
		if change.Identity == nil {
			// Malformed peer message; the mirror ignored it too.
			return
		}
		m.notifyRoom(change.Room, nil, event.WireUserJoined, map[string]any{
			"projectId": projectID,
			"user":      change.Identity,
		})
	case replica.OpLeave:
		m.notifyRoom(change.Room, nil, event.WireUserLeft, map[string]any{
			"projectId": projectID,
			"userId":    change.UserID,
		})
	case replica.OpKick:
		m.removeUser(change.Room, projectID, change.UserID, nil)
	}
}

// notifyRoom delivers a wire message to the room's local connections,
// optionally excluding one.
func (m *Manager) notifyRoom(roomName string, except *hub.Conn, wireType string, data any) {
	payload, err := event.Wire(wireType, data)
	if err != nil {
		m.logger.Error().Err(err).Str("type", wireType).Msg("Marshal room notice")
		return
	}
	for _, member := range m.hub.RoomConns(roomName) {
		if member == except {
			continue
		}
		if !member.Send(payload) {
			m.metrics.SendQueueOverflows.Inc()
		}
	}
}

func (m *Manager) sendTo(c *hub.Conn, wireType string, data any) {
	payload, err := event.Wire(wireType, data)
	if err != nil {
		return
	}
	if !c.Send(payload) {
		m.metrics.SendQueueOverflows.Inc()
	}
}

// projectIDFromRoom parses "project:<id>:room" names.
func projectIDFromRoom(roomName string) (string, bool) {
	if !strings.HasPrefix(roomName, "project:") {
		return "", false
	}
	rest := strings.TrimPrefix(roomName, "project:")
	id := strings.TrimSuffix(rest, ":room")
	if id == "" || id == rest {
		return "", false
	}
	return id, true
}
