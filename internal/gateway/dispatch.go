package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/room"
)

// Client-initiated message kinds. The set is closed: anything else is
// answered with an error event, never silently ignored.
const (
	msgJoinRoom       = "joinRoom"
	msgLeaveRoom      = "leaveRoom"
	msgKickUser       = "kickUser"
	msgSendMessage    = "sendMessage"
	msgTyping         = "typing"
	msgSubscribeAll   = "subscribeAll"
	msgUnsubscribeAll = "unsubscribeAll"
	msgPing           = "ping"
)

type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinRoomRequest struct {
	ProjectID string `json:"projectId"`
}

type leaveRoomRequest struct {
	ProjectID string `json:"projectId"`
}

type kickUserRequest struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

type sendMessageRequest struct {
	ProjectID string `json:"projectId"`
	Text      string `json:"text"`
}

type typingRequest struct {
	ProjectID string `json:"projectId"`
}

// dispatch routes one inbound client message through the typed handler
// table.
func (g *Gateway) dispatch(c *hub.Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, "invalid message payload")
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case msgJoinRoom:
		g.handleJoinRoom(ctx, c, msg.Data)
	case msgLeaveRoom:
		g.handleLeaveRoom(ctx, c, msg.Data)
	case msgKickUser:
		g.handleKickUser(ctx, c, msg.Data)
	case msgSendMessage:
		g.handleSendMessage(ctx, c, msg.Data)
	case msgTyping:
		g.handleTyping(ctx, c, msg.Data)
	case msgSubscribeAll:
		g.hub.SubscribeAll(c, true)
	case msgUnsubscribeAll:
		g.hub.SubscribeAll(c, false)
	case msgPing:
		g.sendTo(c, event.WirePong, map[string]any{"ts": time.Now().UnixMilli()})
	default:
		g.sendError(c, "unknown message type: "+msg.Type)
	}
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *hub.Conn, data json.RawMessage) {
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectID == "" {
		g.sendError(c, "joinRoom requires projectId")
		return
	}

	if err := g.rooms.JoinProject(ctx, c, req.ProjectID); err != nil {
		if errors.Is(err, room.ErrPermissionDenied) {
			g.sendTo(c, event.WireJoinDenied, map[string]any{"projectId": req.ProjectID})
			return
		}
		if errors.Is(err, room.ErrConnectionClosed) {
			// Nobody is listening; the disconnect path already cleaned up.
			return
		}
		g.logger.Error().Err(err).Str("project", req.ProjectID).Msg("Join failed")
		g.sendError(c, "join failed")
		return
	}
	g.sendTo(c, event.WireJoined, map[string]any{"projectId": req.ProjectID})
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *hub.Conn, data json.RawMessage) {
	var req leaveRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectID == "" {
		g.sendError(c, "leaveRoom requires projectId")
		return
	}

	g.rooms.LeaveProject(ctx, c, req.ProjectID)
	g.sendTo(c, event.WireLeft, map[string]any{"projectId": req.ProjectID})
}

func (g *Gateway) handleKickUser(ctx context.Context, c *hub.Conn, data json.RawMessage) {
	var req kickUserRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectID == "" || req.UserID == "" {
		g.sendError(c, "kickUser requires projectId and userId")
		return
	}

	if err := g.rooms.KickUser(ctx, c, req.ProjectID, req.UserID); err != nil {
		if errors.Is(err, room.ErrPermissionDenied) {
			g.sendTo(c, event.WirePermissionDenied, map[string]any{
				"projectId": req.ProjectID,
				"action":    msgKickUser,
			})
			return
		}
		g.logger.Error().Err(err).Str("project", req.ProjectID).Msg("Kick failed")
		g.sendError(c, "kick failed")
		return
	}
	g.sendTo(c, event.WireKickSuccess, map[string]any{
		"projectId": req.ProjectID,
		"userId":    req.UserID,
	})
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *hub.Conn, data json.RawMessage) {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectID == "" || req.Text == "" {
		g.sendError(c, "sendMessage requires projectId and text")
		return
	}

	if !g.hub.InRoom(c, event.ProjectRoom(req.ProjectID)) {
		g.sendTo(c, event.WirePermissionDenied, map[string]any{
			"projectId": req.ProjectID,
			"action":    msgSendMessage,
		})
		return
	}

	g.engine.Emit(ctx, event.ProjectEvent(event.KindNewMessage, req.ProjectID, c.Identity, map[string]any{
		"text": req.Text,
	}))
}

func (g *Gateway) handleTyping(ctx context.Context, c *hub.Conn, data json.RawMessage) {
	var req typingRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectID == "" {
		g.sendError(c, "typing requires projectId")
		return
	}

	if !g.hub.InRoom(c, event.ProjectRoom(req.ProjectID)) {
		return
	}

	g.engine.Emit(ctx, event.ProjectEvent(event.KindTyping, req.ProjectID, c.Identity, nil))
}

func (g *Gateway) sendError(c *hub.Conn, message string) {
	g.sendTo(c, event.WireError, map[string]any{"message": message})
}
