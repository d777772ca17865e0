package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names a realtime event pushed to clients.
type Type string

// List of supported event types
const (
	// Messages and delivery state
	MessageReceived   Type = "MessageReceived"
	MessageDelivered  Type = "MessageDelivered"
	MessageRead       Type = "MessageRead"
	UnreadCountUpdate Type = "UnreadCountUpdate"

	// Room activity
	TypingStatus      Type = "TypingStatus"
	RoomSummaryUpdate Type = "RoomSummaryUpdate"

	// Ticket routing
	TicketAssigned    Type = "TicketAssigned"
	TicketTransferred Type = "TicketTransferred"
)

var supportedEventTypes = []Type{
	MessageReceived,
	MessageDelivered,
	MessageRead,
	UnreadCountUpdate,
	TypingStatus,
	RoomSummaryUpdate,
	TicketAssigned,
	TicketTransferred,
}

// Map for quick validation
var eventTypeMap map[Type]bool

func init() {
	eventTypeMap = make(map[Type]bool, len(supportedEventTypes))
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

// IsValidEventType reports whether name is a supported event type.
func IsValidEventType(name string) bool {
	return eventTypeMap[Type(name)]
}

// SupportedTypes returns a copy of the supported event types.
func SupportedTypes() []Type {
	return append([]Type(nil), supportedEventTypes...)
}

// IsTicketEvent reports whether t belongs to the ticket lifecycle stream.
func IsTicketEvent(t Type) bool {
	return t == TicketAssigned || t == TicketTransferred
}

// Event is the wire shape of everything sent over the realtime bus.
type Event struct {
	Type    Type        `json:"type"`
	RoomID  uint        `json:"roomId"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// MessagePayload carries a new message.
type MessagePayload struct {
	ID        uint      `json:"id"`
	RoomID    uint      `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	ReplyToID *uint     `json:"replyToId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStatusPayload carries MessageDelivered and MessageRead.
type MessageStatusPayload struct {
	MessageID uint `json:"messageId"`
	RoomID    uint `json:"roomId"`
}

type UnreadCountPayload struct {
	RoomID uint `json:"roomId"`
	Count  int  `json:"count"`
}

type TypingPayload struct {
	RoomID   uint   `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// RoomSummaryPayload is what room lists render for the latest activity.
type RoomSummaryPayload struct {
	RoomID             uint      `json:"roomId"`
	LastMessageID      uint      `json:"lastMessageId"`
	LastSenderID       string    `json:"lastSenderId"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
}

type TicketAssignedPayload struct {
	TicketID    uint   `json:"ticketId"`
	AgentID     uint   `json:"agentId"`
	AgentUserID string `json:"agentUserId"`
	RoomID      uint   `json:"roomId"`
}

type TicketTransferredPayload struct {
	TicketID    uint `json:"ticketId"`
	FromAgentID uint `json:"fromAgentId"`
	ToAgentID   uint `json:"toAgentId"`
	RoomID      uint `json:"roomId"`
}

// Decode parses a serialized Event and types its payload.
func Decode(data []byte) (Event, error) {
	var raw struct {
		Type    Type            `json:"type"`
		RoomID  uint            `json:"roomId"`
		At      time.Time       `json:"at"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	var payload interface{}
	switch raw.Type {
	case MessageReceived:
		payload = &MessagePayload{}
	case MessageDelivered, MessageRead:
		payload = &MessageStatusPayload{}
	case UnreadCountUpdate:
		payload = &UnreadCountPayload{}
	case TypingStatus:
		payload = &TypingPayload{}
	case RoomSummaryUpdate:
		payload = &RoomSummaryPayload{}
	case TicketAssigned:
		payload = &TicketAssignedPayload{}
	case TicketTransferred:
		payload = &TicketTransferredPayload{}
	default:
		return Event{}, fmt.Errorf("unsupported event type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	return Event{Type: raw.Type, RoomID: raw.RoomID, At: raw.At, Payload: payload}, nil
}
