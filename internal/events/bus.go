package events

import (
	"context"
	"sync"
)

// Envelope addresses one event to a set of users. Delivery is at-least-once
// and unordered; clients dedupe by message id.
type Envelope struct {
	Recipients []string
	Event      Event
}

// Bus publishes events. Implementations must not block on slow consumers
// and must not return transport errors to the caller; they log instead.
type Bus interface {
	Publish(ctx context.Context, env Envelope)
}

// Fanout publishes every envelope to each bus in order.
type Fanout []Bus

func (f Fanout) Publish(ctx context.Context, env Envelope) {
	for _, b := range f {
		if b != nil {
			b.Publish(ctx, env)
		}
	}
}

// Recorder keeps published envelopes in memory. Tests use it as a bus.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (r *Recorder) Publish(_ context.Context, env Envelope) {
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()
}

// Envelopes returns a snapshot of everything published so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envelopes...)
}

// OfType returns the published envelopes whose event has type t.
func (r *Recorder) OfType(t Type) []Envelope {
	var out []Envelope
	for _, env := range r.Envelopes() {
		if env.Event.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.envelopes = nil
	r.mu.Unlock()
}
