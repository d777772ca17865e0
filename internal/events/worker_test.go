package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWorkerDoesNotBlockPublisher(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []Type
	w := NewWorker("test", 2, func(_ context.Context, env Envelope) {
		<-release
		mu.Lock()
		got = append(got, env.Event.Type)
		mu.Unlock()
	})

	published := make(chan struct{})
	go func() {
		// One in flight, two buffered, the rest dropped.
		for _, typ := range []Type{MessageReceived, MessageRead, TicketAssigned, TicketTransferred, TypingStatus} {
			w.Publish(context.Background(), Envelope{Event: Event{Type: typ}})
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a stalled sink")
	}

	close(release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) < 2 || len(got) > 3 || got[0] != MessageReceived {
		t.Fatalf("delivered = %v, want the first event plus what fit in the buffer", got)
	}
}

func TestWorkerCloseDrainsQueue(t *testing.T) {
	var n int
	w := NewWorker("test", 10, func(_ context.Context, env Envelope) {
		time.Sleep(time.Millisecond)
		n++
	})
	for i := 0; i < 5; i++ {
		w.Publish(context.Background(), Envelope{Event: Event{Type: MessageReceived}})
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n != 5 {
		t.Fatalf("delivered %d events before Close returned, want 5", n)
	}

	w.Publish(context.Background(), Envelope{Event: Event{Type: MessageReceived}})
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n != 5 {
		t.Fatalf("event published after Close was delivered")
	}
}

func TestWorkerKeepsContextValuesPastCancel(t *testing.T) {
	type key struct{}
	seen := make(chan context.Context, 1)
	w := NewWorker("test", 1, func(ctx context.Context, _ Envelope) { seen <- ctx })

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "req-1"))
	cancel()
	w.Publish(ctx, Envelope{Event: Event{Type: MessageReceived}})
	_ = w.Close()

	got := <-seen
	if got.Err() != nil || got.Value(key{}) != "req-1" {
		t.Fatalf("delivery ctx err=%v value=%v", got.Err(), got.Value(key{}))
	}
}
