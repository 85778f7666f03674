package event

import (
	"encoding/json"
	"time"
)

// Client-observable message type names. These are the wire contract with
// connected clients; renaming one breaks deployed consumers.
const (
	WireConnected        = "connected"
	WireDocumentEvent    = "documentEvent"
	WireAllEvents        = "allEvents"
	WireRoomUsers        = "roomUsers"
	WireUserJoined       = "userJoined"
	WireUserLeft         = "userLeft"
	WireUserKicked       = "userKicked"
	WireJoined           = "joined"
	WireLeft             = "left"
	WireJoinDenied       = "joinDenied"
	WirePermissionDenied = "permissionDenied"
	WireKickSuccess      = "kickSuccess"
	WireNewMessage       = "newMessage"
	WireTyping           = "typing"
	WireNotification     = "notification"
	WireError            = "error"
	WirePong             = "pong"
)

// WireMessage is the envelope every server-to-client message travels in.
type WireMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Wire marshals a typed message for delivery.
func Wire(wireType string, data any) ([]byte, error) {
	return json.Marshal(WireMessage{
		Type:      wireType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// WireType maps an event kind to the message type clients see for
// room-targeted delivery.
func WireType(kind Kind) string {
	switch kind {
	case KindCreated, KindUpdated, KindDeleted:
		return WireDocumentEvent
	case KindNewMessage:
		return WireNewMessage
	case KindTyping:
		return WireTyping
	case KindUserJoined:
		return WireUserJoined
	case KindUserLeft:
		return WireUserLeft
	case KindUserKicked:
		return WireUserKicked
	case KindNotify:
		return WireNotification
	default:
		return WireError
	}
}
