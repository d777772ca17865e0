package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestIsValidEventType(t *testing.T) {
	for _, name := range []string{"MessageReceived", "TicketTransferred", "UnreadCountUpdate"} {
		if !IsValidEventType(name) {
			t.Fatalf("%s should be valid", name)
		}
	}
	if IsValidEventType("QRCode") {
		t.Fatalf("QRCode should not be valid")
	}
}

func TestDecodeTypesPayload(t *testing.T) {
	original := Event{
		Type:    MessageRead,
		RoomID:  42,
		At:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: MessageStatusPayload{MessageID: 7, RoomID: 42},
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	payload, ok := decoded.Payload.(*MessageStatusPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *MessageStatusPayload", decoded.Payload)
	}
	if payload.MessageID != 7 || payload.RoomID != 42 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"Bogus","payload":{}}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestFanoutPublishesToEveryBus(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	bus := Fanout{a, nil, b}
	bus.Publish(context.Background(), Envelope{Recipients: []string{"u1"}, Event: Event{Type: TypingStatus}})
	if len(a.Envelopes()) != 1 || len(b.Envelopes()) != 1 {
		t.Fatalf("expected one envelope per bus, got %d and %d", len(a.Envelopes()), len(b.Envelopes()))
	}
}
