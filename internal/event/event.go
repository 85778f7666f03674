// Package event defines the immutable payload unit the engine distributes
// and the wire-level room naming shared with clients and peer instances.
package event

import (
	"fmt"
	"time"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/store"
)

// Kind is the closed set of event kinds.
type Kind string

const (
	KindCreated    Kind = "created"
	KindUpdated    Kind = "updated"
	KindDeleted    Kind = "deleted"
	KindNewMessage Kind = "newMessage"
	KindTyping     Kind = "typing"
	KindUserJoined Kind = "userJoined"
	KindUserLeft   Kind = "userLeft"
	KindUserKicked Kind = "userKicked"
	KindNotify     Kind = "notification"
)

// Scope says which class of room an event targets.
type Scope string

const (
	ScopeCollection Scope = "collection"
	ScopeProject    Scope = "project"
	ScopeUser       Scope = "user"
)

// Room name builders. The formats are part of the wire contract and must
// not change: peer instances and clients address rooms by these strings.

// CollectionRoom is the room subscribed to by connections wanting change
// notifications for one document collection.
func CollectionRoom(slug string) string {
	return fmt.Sprintf("collection:%s", slug)
}

// ProjectRoom is the collaboration room for one project entity.
func ProjectRoom(projectID string) string {
	return fmt.Sprintf("project:%s:room", projectID)
}

// UserRoom is the identity room auto-joined on connect, used for
// direct-to-user delivery.
func UserRoom(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}

// Event is the immutable record consumed exactly once by the fanout
// engine. Timestamp is set at emission time, not trigger time, so it
// reflects actual send ordering.
type Event struct {
	Kind       Kind           `json:"kind"`
	Scope      Scope          `json:"scope"`
	Room       string         `json:"room"`
	Collection string         `json:"collection,omitempty"`
	DocID      string         `json:"docId,omitempty"`
	Doc        store.Doc      `json:"doc,omitempty"`
	Actor      *auth.Identity `json:"actor,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DocumentChange builds the payload for an externally triggered document
// change. The snapshot is omitted for deletions.
func DocumentChange(kind Kind, collection, docID string, doc store.Doc, actor *auth.Identity) Event {
	ev := Event{
		Kind:       kind,
		Scope:      ScopeCollection,
		Room:       CollectionRoom(collection),
		Collection: collection,
		DocID:      docID,
		Actor:      actor,
		Timestamp:  time.Now(),
	}
	if kind != KindDeleted {
		ev.Doc = doc
	}
	return ev
}

// ProjectEvent builds a connection-initiated payload targeted at a
// collaboration room ("new message", "typing", presence notices).
func ProjectEvent(kind Kind, projectID string, actor *auth.Identity, data map[string]any) Event {
	return Event{
		Kind:      kind,
		Scope:     ScopeProject,
		Room:      ProjectRoom(projectID),
		DocID:     projectID,
		Actor:     actor,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// UserNotification builds a direct-to-user payload delivered on the
// target's identity room.
func UserNotification(userID string, actor *auth.Identity, data map[string]any) Event {
	return Event{
		Kind:      KindNotify,
		Scope:     ScopeUser,
		Room:      UserRoom(userID),
		Actor:     actor,
		Data:      data,
		Timestamp: time.Now(),
	}
}
