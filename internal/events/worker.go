package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the worker queue size used when none is given.
const DefaultBuffer = 1024

// Worker hands envelopes to deliver on its own goroutine so a slow
// transport never stalls the publisher. Envelopes that arrive while the
// buffer is full, or after Close, are dropped and logged.
type Worker struct {
	name    string
	deliver func(context.Context, Envelope)

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

type queued struct {
	ctx context.Context
	env Envelope
}

// NewWorker starts a worker that calls deliver for each published envelope,
// one at a time and in publish order.
func NewWorker(name string, buffer int, deliver func(context.Context, Envelope)) *Worker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &Worker{
		name:    name,
		deliver: deliver,
		queue:   make(chan queued, buffer),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for q := range w.queue {
		w.deliver(q.ctx, q.env)
	}
}

// Publish implements Bus. It never blocks.
func (w *Worker) Publish(ctx context.Context, env Envelope) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		log.Warn().Str("sink", w.name).Str("eventType", string(env.Event.Type)).Msg("Event dropped, sink closed")
		return
	}
	// The request that published the event may end before delivery.
	select {
	case w.queue <- queued{ctx: context.WithoutCancel(ctx), env: env}:
	default:
		log.Warn().Str("sink", w.name).Str("eventType", string(env.Event.Type)).Int("buffer", cap(w.queue)).Msg("Event dropped, sink buffer full")
	}
}

// Close stops accepting events and waits until the queued ones are
// delivered. It is safe to call more than once.
func (w *Worker) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}
