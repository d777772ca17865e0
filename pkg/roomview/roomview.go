// Package roomview mirrors one room's realtime events into client state.
// Events arrive at least once and in any order; applying them is
// idempotent and delivery statuses never move backwards.
package roomview

import (
	"sort"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

// Message is one timeline entry.
type Message struct {
	events.MessagePayload
	Status models.DeliveryStatus
}

// Timeline is the state of a room as seen by one user. It is not safe for
// concurrent use.
type Timeline struct {
	roomID uint
	userID string

	messages map[uint]*Message
	// early holds statuses seen before their message arrived.
	early  map[uint]models.DeliveryStatus
	unread int
	typing map[string]bool
	ticket events.TicketAssignedPayload
}

// New returns an empty timeline of roomID for userID.
func New(roomID uint, userID string) *Timeline {
	return &Timeline{
		roomID:   roomID,
		userID:   userID,
		messages: make(map[uint]*Message),
		early:    make(map[uint]models.DeliveryStatus),
		typing:   make(map[string]bool),
	}
}

// ApplyJSON decodes a websocket frame and applies it.
func (t *Timeline) ApplyJSON(data []byte) (bool, error) {
	ev, err := events.Decode(data)
	if err != nil {
		return false, err
	}
	return t.Apply(ev), nil
}

// Apply folds ev into the timeline and reports whether anything changed.
// Events of other rooms are ignored.
func (t *Timeline) Apply(ev events.Event) bool {
	if ev.RoomID != 0 && ev.RoomID != t.roomID {
		return false
	}
	switch p := ev.Payload.(type) {
	case events.MessagePayload:
		return t.receive(p)
	case *events.MessagePayload:
		return t.receive(*p)
	case events.MessageStatusPayload:
		return t.advance(p.MessageID, statusOf(ev.Type))
	case *events.MessageStatusPayload:
		return t.advance(p.MessageID, statusOf(ev.Type))
	case events.UnreadCountPayload:
		return t.setUnread(p.Count)
	case *events.UnreadCountPayload:
		return t.setUnread(p.Count)
	case events.TypingPayload:
		return t.setTyping(p)
	case *events.TypingPayload:
		return t.setTyping(*p)
	case events.TicketAssignedPayload:
		return t.assign(p)
	case *events.TicketAssignedPayload:
		return t.assign(*p)
	case events.TicketTransferredPayload:
		return t.transfer(p)
	case *events.TicketTransferredPayload:
		return t.transfer(*p)
	}
	return false
}

func statusOf(typ events.Type) models.DeliveryStatus {
	switch typ {
	case events.MessageDelivered:
		return models.StatusDelivered
	case events.MessageRead:
		return models.StatusRead
	}
	return models.StatusUnknown
}

func (t *Timeline) receive(p events.MessagePayload) bool {
	if _, seen := t.messages[p.ID]; seen {
		return false
	}
	m := &Message{MessagePayload: p, Status: models.StatusSent}
	if early, ok := t.early[p.ID]; ok {
		m.Status, _ = m.Status.Advance(early)
		delete(t.early, p.ID)
	}
	t.messages[p.ID] = m
	// A message from someone ends their typing indicator.
	delete(t.typing, p.SenderID)
	return true
}

func (t *Timeline) advance(messageID uint, next models.DeliveryStatus) bool {
	if next == models.StatusUnknown {
		return false
	}
	m, ok := t.messages[messageID]
	if !ok {
		cur := t.early[messageID]
		updated, changed := cur.Advance(next)
		if changed {
			t.early[messageID] = updated
		}
		return changed
	}
	var changed bool
	m.Status, changed = m.Status.Advance(next)
	return changed
}

func (t *Timeline) setUnread(n int) bool {
	if n < 0 {
		n = 0
	}
	if t.unread == n {
		return false
	}
	t.unread = n
	return true
}

func (t *Timeline) setTyping(p events.TypingPayload) bool {
	if p.UserID == t.userID || t.typing[p.UserID] == p.IsTyping {
		return false
	}
	if p.IsTyping {
		t.typing[p.UserID] = true
	} else {
		delete(t.typing, p.UserID)
	}
	return true
}

func (t *Timeline) assign(p events.TicketAssignedPayload) bool {
	if t.ticket == p {
		return false
	}
	t.ticket = p
	return true
}

// transfer records the new assignee. Transfer events carry no user id, so
// the one from an earlier assignment is dropped.
func (t *Timeline) transfer(p events.TicketTransferredPayload) bool {
	return t.assign(events.TicketAssignedPayload{TicketID: p.TicketID, AgentID: p.ToAgentID, RoomID: p.RoomID})
}

// Messages returns the timeline oldest first.
func (t *Timeline) Messages() []Message {
	out := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the delivery status of a message in the timeline.
func (t *Timeline) Status(messageID uint) (models.DeliveryStatus, bool) {
	m, ok := t.messages[messageID]
	if !ok {
		return models.StatusUnknown, false
	}
	return m.Status, true
}

// Unread is the last unread count pushed by the server.
func (t *Timeline) Unread() int { return t.unread }

// Typing lists who is typing, sorted.
func (t *Timeline) Typing() []string {
	out := make([]string, 0, len(t.typing))
	for id := range t.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Assignment is the latest ticket assignment seen for the room.
func (t *Timeline) Assignment() (events.TicketAssignedPayload, bool) {
	return t.ticket, t.ticket.TicketID != 0
}
