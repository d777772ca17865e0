package realtime

import (
	"context"
	"fmt"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

// Client to server command names.
const (
	CmdAcknowledgeDelivered = "AcknowledgeDelivered"
	CmdMarkMessageRead      = "MarkMessageRead"
	CmdMarkRoomRead         = "MarkRoomRead"
	CmdSetActiveRoom        = "SetActiveRoom"
	CmdClearActiveRoom      = "ClearActiveRoom"
	CmdTyping               = "Typing"
	CmdHeartbeat            = "Heartbeat"
)

// Server control frame types. Bus events use their own event type.
const (
	frameConnected     = "Connected"
	frameCommandResult = "CommandResult"
)

// Command is one frame sent by a client.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	RoomID    uint   `json:"roomId,omitempty"`
	MessageID uint   `json:"messageId,omitempty"`
	IsTyping  bool   `json:"isTyping,omitempty"`
}

type controlFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	Command      string `json:"command,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// Delivery is the part of the delivery state machine driven by clients.
type Delivery interface {
	MarkDelivered(ctx context.Context, messageID uint, userID string) (bool, error)
	MarkRead(ctx context.Context, messageID uint, userID string) (bool, error)
	MarkRoomRead(ctx context.Context, roomID uint, userID string) (*services.RoomReadResult, error)
}

// Rooms checks membership and relays typing indicators.
type Rooms interface {
	RequireMember(ctx context.Context, roomID uint, userID string) error
	SetTyping(ctx context.Context, roomID uint, userID string, isTyping bool) error
}

// Heartbeats records agent activity.
type Heartbeats interface {
	TouchUser(ctx context.Context, userID string) (models.AgentStatus, error)
}

// dispatch runs one client command on behalf of c.
func (h *Hub) dispatch(ctx context.Context, c *client, cmd Command) error {
	userID := c.actor.UserID
	switch cmd.Type {
	case CmdAcknowledgeDelivered:
		if cmd.MessageID == 0 {
			return fmt.Errorf("%w: messageId is required", services.ErrInvalid)
		}
		_, err := h.delivery.MarkDelivered(ctx, cmd.MessageID, userID)
		return err
	case CmdMarkMessageRead:
		if cmd.MessageID == 0 {
			return fmt.Errorf("%w: messageId is required", services.ErrInvalid)
		}
		_, err := h.delivery.MarkRead(ctx, cmd.MessageID, userID)
		return err
	case CmdMarkRoomRead:
		if cmd.RoomID == 0 {
			return fmt.Errorf("%w: roomId is required", services.ErrInvalid)
		}
		_, err := h.delivery.MarkRoomRead(ctx, cmd.RoomID, userID)
		return err
	case CmdSetActiveRoom:
		if cmd.RoomID == 0 {
			h.presence.ClearActiveRoom(c.id)
			return nil
		}
		if err := h.rooms.RequireMember(ctx, cmd.RoomID, userID); err != nil {
			return err
		}
		h.presence.SetActiveRoom(c.id, cmd.RoomID)
		return nil
	case CmdClearActiveRoom:
		h.presence.ClearActiveRoom(c.id)
		return nil
	case CmdTyping:
		if cmd.RoomID == 0 {
			return fmt.Errorf("%w: roomId is required", services.ErrInvalid)
		}
		return h.rooms.SetTyping(ctx, cmd.RoomID, userID, cmd.IsTyping)
	case CmdHeartbeat:
		if c.actor.Role == services.RoleAgent && h.heartbeats != nil {
			_, err := h.heartbeats.TouchUser(ctx, userID)
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", services.ErrInvalid, cmd.Type)
	}
}
