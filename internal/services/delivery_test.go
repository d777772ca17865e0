package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
)

func statusOf(t *testing.T, h *harness, messageID uint, userID string) models.DeliveryStatus {
	t.Helper()
	var row models.MessageStatus
	if err := h.db.Where("message_id = ? AND recipient_id = ?", messageID, userID).First(&row).Error; err != nil {
		t.Fatalf("load status row: %v", err)
	}
	return row.Status
}

func TestStatusesNeverMoveBackward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")
	msgID := res.Messages[0].ID

	if got := statusOf(t, h, msgID, "agent-a"); got != models.StatusSent {
		t.Fatalf("seeded status = %s, want sent", got)
	}

	steps := []struct {
		mark    func(context.Context, uint, string) (bool, error)
		changed bool
		want    models.DeliveryStatus
	}{
		{h.delivery.MarkDelivered, true, models.StatusDelivered},
		{h.delivery.MarkDelivered, false, models.StatusDelivered},
		{h.delivery.MarkRead, true, models.StatusRead},
		{h.delivery.MarkDelivered, false, models.StatusRead},
		{h.delivery.MarkRead, false, models.StatusRead},
	}
	for i, step := range steps {
		changed, err := step.mark(ctx, msgID, "agent-a")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != step.changed {
			t.Fatalf("step %d changed = %v, want %v", i, changed, step.changed)
		}
		if got := statusOf(t, h, msgID, "agent-a"); got != step.want {
			t.Fatalf("step %d status = %s, want %s", i, got, step.want)
		}
	}
}

func TestAggregateForSenderAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")
	msgID := res.Messages[0].ID
	h.bus.Reset()

	agg, err := h.delivery.AggregateForSender(ctx, msgID, "cust-1")
	if err != nil || agg != models.StatusSent {
		t.Fatalf("aggregate = %s, %v; want sent", agg, err)
	}
	if _, err := h.delivery.AggregateForSender(ctx, msgID, "agent-a"); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("aggregate for non-sender err = %v, want ErrForbidden", err)
	}

	h.delivery.MarkDelivered(ctx, msgID, "agent-a")
	h.delivery.MarkDelivered(ctx, msgID, "agent-a")
	delivered := h.bus.OfType(events.MessageDelivered)
	if len(delivered) != 1 || delivered[0].Recipients[0] != "cust-1" {
		t.Fatalf("MessageDelivered envelopes = %+v, want one to the sender", delivered)
	}

	h.delivery.MarkRead(ctx, msgID, "agent-a")
	if agg, _ := h.delivery.AggregateForSender(ctx, msgID, "cust-1"); agg != models.StatusRead {
		t.Fatalf("aggregate = %s, want read", agg)
	}
	if got := len(h.bus.OfType(events.MessageRead)); got != 1 {
		t.Fatalf("MessageRead envelopes = %d, want 1", got)
	}
}

func TestAggregateIsAnyRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")

	// Put a second recipient in the room to make it a small group.
	if err := h.db.Create(&models.RoomMember{RoomID: res.RoomID, UserID: "supervisor", Role: models.RoleMember}).Error; err != nil {
		t.Fatalf("add member: %v", err)
	}
	msg, err := h.messages.Post(ctx, services.PostInput{RoomID: res.RoomID, SenderID: "cust-1", Body: "anyone?"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	h.delivery.MarkRead(ctx, msg.ID, "supervisor")
	if agg, _ := h.delivery.AggregateForSender(ctx, msg.ID, "cust-1"); agg != models.StatusRead {
		t.Fatalf("aggregate = %s, want read once any recipient read", agg)
	}

	receipts, err := h.delivery.Receipts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if len(receipts) != 2 || receipts[0].RecipientID != "agent-a" || receipts[0].Status != models.StatusSent || receipts[1].Status != models.StatusRead {
		t.Fatalf("receipts = %+v", receipts)
	}
}

func TestReceiptsForUnknownMessageAreEmpty(t *testing.T) {
	h := newHarness(t)
	receipts, err := h.delivery.Receipts(context.Background(), 999)
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if receipts == nil || len(receipts) != 0 {
		t.Fatalf("receipts = %#v, want empty list", receipts)
	}
}

func TestMarkRoomReadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "first")
	second, err := h.messages.Post(ctx, services.PostInput{RoomID: res.RoomID, SenderID: "cust-1", Body: "second"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if n, _ := h.delivery.UnreadCount(ctx, res.RoomID, "agent-a"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}
	h.bus.Reset()

	first, err := h.delivery.MarkRoomRead(ctx, res.RoomID, "agent-a")
	if err != nil {
		t.Fatalf("MarkRoomRead: %v", err)
	}
	if first.MessagesRead != 2 || first.LastReadMessageID != second.ID {
		t.Fatalf("first MarkRoomRead = %+v", first)
	}
	reads := h.bus.OfType(events.MessageRead)
	unread := h.bus.OfType(events.UnreadCountUpdate)
	if len(reads) != 2 || len(unread) != 1 {
		t.Fatalf("events after first read: %d MessageRead, %d UnreadCountUpdate", len(reads), len(unread))
	}
	if p := unread[0].Event.Payload.(events.UnreadCountPayload); p.Count != 0 {
		t.Fatalf("unread count payload = %+v, want 0", p)
	}

	h.bus.Reset()
	again, err := h.delivery.MarkRoomRead(ctx, res.RoomID, "agent-a")
	if err != nil {
		t.Fatalf("second MarkRoomRead: %v", err)
	}
	if again.MessagesRead != 0 || again.LastReadMessageID != first.LastReadMessageID {
		t.Fatalf("second MarkRoomRead = %+v", again)
	}
	if got := len(h.bus.Envelopes()); got != 0 {
		t.Fatalf("second MarkRoomRead published %d events, want 0", got)
	}
}

func TestMarkRoomReadRequiresMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.open(t, "cust-1", "", "hello")

	if _, err := h.delivery.MarkRoomRead(ctx, res.RoomID, "stranger"); !errors.Is(err, services.ErrForbidden) {
		t.Fatalf("stranger err = %v, want ErrForbidden", err)
	}
	if _, err := h.delivery.MarkRoomRead(ctx, 9999, "cust-1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown room err = %v, want ErrNotFound", err)
	}
}

func TestSeedIsRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.availableAgent(t, "agent-a", "", 5)
	res := h.open(t, "cust-1", "", "hello")
	msgID := res.Messages[0].ID
	h.delivery.MarkRead(ctx, msgID, "agent-a")

	if err := h.delivery.Seed(ctx, msgID, []string{"agent-a", "cust-1", "late-joiner"}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if got := statusOf(t, h, msgID, "agent-a"); got != models.StatusRead {
		t.Fatalf("reseeding reset status to %s", got)
	}
	if got := statusOf(t, h, msgID, "late-joiner"); got != models.StatusSent {
		t.Fatalf("new recipient status = %s, want sent", got)
	}
	var senderRows int64
	h.db.Model(&models.MessageStatus{}).Where("message_id = ? AND recipient_id = ?", msgID, "cust-1").Count(&senderRows)
	if senderRows != 0 {
		t.Fatalf("sender got a status row")
	}
}
