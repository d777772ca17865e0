package models

import (
	"time"
)

// AgentKind separates people from the always-available fallback bot.
// Capacity and eligibility rules differ by kind.
type AgentKind string

const (
	AgentKindHuman   AgentKind = "human"
	AgentKindVirtual AgentKind = "virtual"
)

// AgentStatus is the presence state an agent is routed by.
type AgentStatus string

const (
	AgentOffline    AgentStatus = "offline"
	AgentAvailable  AgentStatus = "available"
	AgentBusy       AgentStatus = "busy"
	AgentAwayManual AgentStatus = "away_manual"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOffline, AgentAvailable, AgentBusy, AgentAwayManual:
		return true
	}
	return false
}

// Agent is a human support agent or the virtual fallback agent.
type Agent struct {
	ID                 uint        `gorm:"primaryKey" json:"id"`
	UserID             string      `gorm:"size:64;uniqueIndex;not null;comment:Identity issued by the auth service; also the room member id" json:"userId"`
	DisplayName        string      `gorm:"size:128" json:"displayName"`
	Kind               AgentKind   `gorm:"size:16;index;not null;comment:human or virtual" json:"kind"`
	Active             bool        `gorm:"index;not null" json:"active"`
	Region             string      `gorm:"size:32;index;comment:Empty means the agent serves every region" json:"region"`
	Status             AgentStatus `gorm:"size:16;not null;comment:Last auto-detected status" json:"status"`
	ManualStatus       AgentStatus `gorm:"size:16;comment:Manual override, empty when none" json:"manualStatus,omitempty"`
	ManualStatusExpiry *time.Time  `gorm:"index;comment:When the manual override stops applying" json:"manualStatusExpiry,omitempty"`
	CurrentActiveChats int         `gorm:"not null;default:0" json:"currentActiveChats"`
	MaxConcurrentChats int         `gorm:"not null;default:0" json:"maxConcurrentChats"`
	LastActivityAt     time.Time   `gorm:"index" json:"lastActivityAt"`
	CreatedAt          time.Time   `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time   `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Agent) TableName() string { return "agents" }

// IsVirtual reports whether a is the fallback bot.
func (a *Agent) IsVirtual() bool { return a.Kind == AgentKindVirtual }

// HasCapacity reports whether another chat may be assigned. The virtual
// agent has no capacity limit.
func (a *Agent) HasCapacity() bool {
	if a.IsVirtual() {
		return true
	}
	return a.MaxConcurrentChats > 0 && a.CurrentActiveChats < a.MaxConcurrentChats
}

// LoadRatio is currentActiveChats/maxConcurrentChats, used to spread work.
func (a *Agent) LoadRatio() float64 {
	if a.IsVirtual() || a.MaxConcurrentChats <= 0 {
		return 0
	}
	return float64(a.CurrentActiveChats) / float64(a.MaxConcurrentChats)
}

// TicketStatus is the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketOpen        TicketStatus = "open"
	TicketInProgress  TicketStatus = "in_progress"
	TicketResolved    TicketStatus = "resolved"
	TicketClosed      TicketStatus = "closed"
	TicketTransferred TicketStatus = "transferred"
)

// ActiveTicketStatuses are the statuses that hold an agent and block a
// second ticket for the same requester.
var ActiveTicketStatuses = []TicketStatus{TicketOpen, TicketInProgress}

// IsActive reports whether s is Open or InProgress.
func (s TicketStatus) IsActive() bool {
	return s == TicketOpen || s == TicketInProgress
}

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketClosed, TicketTransferred:
		return true
	}
	return false
}

// RequesterKind says whether a requester is a signed-in user or a guest session.
type RequesterKind string

const (
	RequesterUser  RequesterKind = "user"
	RequesterGuest RequesterKind = "guest"
)

// Ticket is one support conversation between a requester and an agent.
type Ticket struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	RequesterKind   RequesterKind `gorm:"size:16;not null" json:"requesterKind"`
	RequesterID     string        `gorm:"size:64;not null;index:idx_ticket_requester;comment:User id or guest member id" json:"requesterId"`
	AssignedAgentID *uint         `gorm:"index" json:"assignedAgentId"`
	AssignedAgent   *Agent        `gorm:"foreignKey:AssignedAgentID" json:"assignedAgent,omitempty"`
	Region          string        `gorm:"size:32;index" json:"region"`
	Status          TicketStatus  `gorm:"size:16;not null;index;index:idx_ticket_requester" json:"status"`
	RoomID          uint          `gorm:"not null;uniqueIndex" json:"roomId"`
	ClosedAt        *time.Time    `json:"closedAt,omitempty"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Ticket) TableName() string { return "tickets" }

// RoomKind distinguishes support rooms from plain chats.
type RoomKind string

const (
	RoomSupport RoomKind = "support"
	RoomDirect  RoomKind = "direct"
	RoomGroup   RoomKind = "group"
)

// Room is a conversation container; message ordering is by message id.
type Room struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Kind          RoomKind  `gorm:"size:16;not null" json:"kind"`
	LastMessageID uint      `gorm:"not null;default:0" json:"lastMessageId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (Room) TableName() string { return "rooms" }

// Member roles.
const (
	RoleRequester = "requester"
	RoleAgent     = "agent"
	RoleMember    = "member"
)

// RoomMember is a user's membership in a room. LastReadMessageID only moves forward.
type RoomMember struct {
	RoomID            uint      `gorm:"primaryKey;autoIncrement:false" json:"roomId"`
	UserID            string    `gorm:"primaryKey;size:64;index" json:"userId"`
	Role              string    `gorm:"size:16;not null" json:"role"`
	LastReadMessageID uint      `gorm:"not null;default:0" json:"lastReadMessageId"`
	IsMuted           bool      `gorm:"not null" json:"isMuted"`
	JoinedAt          time.Time `json:"joinedAt"`
}

func (RoomMember) TableName() string { return "room_members" }

// MessageKind classifies who produced a message.
type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageSystem  MessageKind = "system"
	MessageHolding MessageKind = "holding"
)

// SystemSenderID is the sender of handoff and other system messages.
const SystemSenderID = "system"

// Message is one persisted message. Replies point at their parent by id
// only, so a thread is an index over this table rather than a pointer graph.
type Message struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	RoomID    uint        `gorm:"not null;index:idx_message_room_id" json:"roomId"`
	SenderID  string      `gorm:"size:64;not null;index" json:"senderId"`
	Kind      MessageKind `gorm:"size:16;not null" json:"kind"`
	Body      string      `gorm:"type:text" json:"body"`
	ReplyToID *uint       `gorm:"index;comment:Parent message id in the same room" json:"replyToId,omitempty"`
	CreatedAt time.Time   `gorm:"index:idx_message_room_id" json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

// MessageStatus is one recipient's delivery state for one message.
type MessageStatus struct {
	MessageID   uint           `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	RecipientID string         `gorm:"primaryKey;size:64;index:idx_status_recipient_room" json:"recipientId"`
	RoomID      uint           `gorm:"not null;index:idx_status_recipient_room;comment:Copied from the message for room-wide reads" json:"roomId"`
	Status      DeliveryStatus `gorm:"not null" json:"status"`
	StatusAt    time.Time      `json:"statusAt"`
}

func (MessageStatus) TableName() string { return "message_statuses" }

// GuestSession is written by the auth collaborator when an anonymous visitor
// opens the support widget. The core only reads it.
type GuestSession struct {
	ID          string    `gorm:"primaryKey;size:64;comment:Public id, safe to show to other room members" json:"id"`
	Token       string    `gorm:"size:128;not null;uniqueIndex" json:"-"`
	DisplayName string    `gorm:"size:128" json:"displayName"`
	Region      string    `gorm:"size:32" json:"region"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (GuestSession) TableName() string { return "guest_sessions" }

// MemberID is the room member id used for this guest.
func (g *GuestSession) MemberID() string { return "guest:" + g.ID }

// Device is a push registration owned by the notification collaborator.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;not null;index" json:"userId"`
	Token     string    `gorm:"size:255;not null;uniqueIndex" json:"-"`
	Platform  string    `gorm:"size:16" json:"platform"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Device) TableName() string { return "devices" }

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{
		&Agent{}, &Ticket{}, &Room{}, &RoomMember{}, &Message{},
		&MessageStatus{}, &GuestSession{}, &Device{},
	}
}

