package roomview

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
)

func msgEvent(id uint, sender string) events.Event {
	return events.Event{
		Type:   events.MessageReceived,
		RoomID: 7,
		Payload: events.MessagePayload{
			ID: id, RoomID: 7, SenderID: sender, Kind: "text", Body: "hi",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, int(id), 0, time.UTC),
		},
	}
}

func statusEvent(typ events.Type, id uint) events.Event {
	return events.Event{Type: typ, RoomID: 7, Payload: events.MessageStatusPayload{MessageID: id, RoomID: 7}}
}

func TestDuplicateMessagesAreIgnored(t *testing.T) {
	tl := New(7, "cust-1")
	if !tl.Apply(msgEvent(2, "cust-1")) {
		t.Fatalf("first delivery should change the timeline")
	}
	if tl.Apply(msgEvent(2, "cust-1")) {
		t.Fatalf("duplicate delivery changed the timeline")
	}
	tl.Apply(msgEvent(1, "agent-a"))

	msgs := tl.Messages()
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestStatusesOnlyMoveForward(t *testing.T) {
	tl := New(7, "cust-1")
	tl.Apply(msgEvent(1, "cust-1"))

	steps := []struct {
		ev      events.Event
		changed bool
		want    models.DeliveryStatus
	}{
		{statusEvent(events.MessageRead, 1), true, models.StatusRead},
		{statusEvent(events.MessageDelivered, 1), false, models.StatusRead},
		{statusEvent(events.MessageRead, 1), false, models.StatusRead},
	}
	for i, s := range steps {
		if got := tl.Apply(s.ev); got != s.changed {
			t.Fatalf("step %d changed = %v, want %v", i, got, s.changed)
		}
		if st, _ := tl.Status(1); st != s.want {
			t.Fatalf("step %d status = %s, want %s", i, st, s.want)
		}
	}
}

func TestStatusBeforeMessage(t *testing.T) {
	tl := New(7, "cust-1")
	tl.Apply(statusEvent(events.MessageDelivered, 3))
	if _, ok := tl.Status(3); ok {
		t.Fatalf("status without a message should not create one")
	}
	tl.Apply(msgEvent(3, "cust-1"))
	if st, _ := tl.Status(3); st != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", st)
	}
}

func TestOtherRoomsAndTyping(t *testing.T) {
	tl := New(7, "cust-1")
	other := msgEvent(9, "agent-a")
	other.RoomID = 8
	if tl.Apply(other) {
		t.Fatalf("event of another room applied")
	}

	tl.Apply(events.Event{Type: events.TypingStatus, RoomID: 7, Payload: &events.TypingPayload{RoomID: 7, UserID: "agent-a", IsTyping: true}})
	tl.Apply(events.Event{Type: events.TypingStatus, RoomID: 7, Payload: events.TypingPayload{RoomID: 7, UserID: "cust-1", IsTyping: true}})
	if typing := tl.Typing(); len(typing) != 1 || typing[0] != "agent-a" {
		t.Fatalf("typing = %v", typing)
	}
	tl.Apply(msgEvent(4, "agent-a"))
	if len(tl.Typing()) != 0 {
		t.Fatalf("message should end the typing indicator")
	}

	tl.Apply(events.Event{Type: events.UnreadCountUpdate, RoomID: 7, Payload: events.UnreadCountPayload{RoomID: 7, Count: 2}})
	if tl.Unread() != 2 {
		t.Fatalf("unread = %d", tl.Unread())
	}
}

func TestApplyJSON(t *testing.T) {
	tl := New(7, "cust-1")
	data, err := json.Marshal(events.Event{
		Type:    events.TicketAssigned,
		RoomID:  7,
		Payload: events.TicketAssignedPayload{TicketID: 5, AgentID: 2, AgentUserID: "agent-a", RoomID: 7},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if changed, err := tl.ApplyJSON(data); err != nil || !changed {
		t.Fatalf("ApplyJSON = %v, %v", changed, err)
	}
	if a, ok := tl.Assignment(); !ok || a.AgentUserID != "agent-a" {
		t.Fatalf("assignment = %+v", a)
	}
	if _, err := tl.ApplyJSON([]byte(`{"type":"Nope"}`)); err == nil {
		t.Fatalf("unknown event type accepted")
	}
}

func TestTransferReplacesAssignment(t *testing.T) {
	tl := New(7, "cust-1")
	tl.Apply(events.Event{Type: events.TicketAssigned, RoomID: 7, Payload: events.TicketAssignedPayload{TicketID: 5, AgentID: 2, AgentUserID: "agent-a", RoomID: 7}})

	moved := events.Event{Type: events.TicketTransferred, RoomID: 7, Payload: &events.TicketTransferredPayload{TicketID: 5, FromAgentID: 2, ToAgentID: 3, RoomID: 7}}
	if !tl.Apply(moved) {
		t.Fatalf("transfer did not change the timeline")
	}
	a, ok := tl.Assignment()
	if !ok || a.AgentID != 3 || a.AgentUserID != "" || a.TicketID != 5 {
		t.Fatalf("assignment = %+v, want agent 3 without the old user id", a)
	}
	if tl.Apply(moved) {
		t.Fatalf("repeated transfer changed the timeline")
	}
}
