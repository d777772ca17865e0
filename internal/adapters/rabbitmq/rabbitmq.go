package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
)

// Publisher writes JSON messages to durable RabbitMQ queues. Event types
// listed as specific get their own queue; everything else shares the
// default queue.
type Publisher struct {
	mu             sync.Mutex
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	queue          string
	prefix         string
	specificEvents map[string]bool
	declared       map[string]bool
}

// Dial connects to RabbitMQ and opens a channel.
func Dial(url, queue, prefix string, specificEvents []string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	p := &Publisher{
		conn:           conn,
		channel:        channel,
		queue:          queue,
		prefix:         prefix,
		specificEvents: make(map[string]bool, len(specificEvents)),
		declared:       make(map[string]bool),
	}
	for _, e := range specificEvents {
		p.specificEvents[strings.TrimSpace(e)] = true
	}
	if len(p.specificEvents) > 0 {
		log.Info().Interface("specificEvents", p.specificEvents).Msg("Specific RabbitMQ events configured")
	}
	log.Info().Str("queue", queue).Str("prefix", prefix).Msg("RabbitMQ connection established.")
	return p, nil
}

// QueueName returns the queue an event type is routed to.
func (p *Publisher) QueueName(eventType string) string {
	return queueName(p.prefix, p.queue, p.specificEvents, eventType)
}

func queueName(prefix, queue string, specific map[string]bool, eventType string) string {
	if specific[eventType] {
		return prefix + "_" + strings.ToLower(eventType)
	}
	return prefix + "_" + queue
}

// Publish declares the queue on first use and publishes data to it.
func (p *Publisher) Publish(ctx context.Context, queue string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queue] {
		_, err := p.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return err
		}
		p.declared[queue] = true
	}

	err := p.channel.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         data,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", queue).Msg("Published message to RabbitMQ")
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing RabbitMQ channel")
	}
	return p.conn.Close()
}

// EventSink forwards bus events to RabbitMQ so downstream consumers
// (reporting, CRM sync) see every room event with its recipients.
// Publishing happens on a background worker; Close flushes it.
type EventSink struct {
	target sinkTarget
	worker *events.Worker
}

type sinkTarget interface {
	QueueName(eventType string) string
	Publish(ctx context.Context, queue string, data []byte) error
}

// NewEventSink wraps a publisher as an events.Bus.
func NewEventSink(p *Publisher) *EventSink {
	return newEventSink(p, events.DefaultBuffer)
}

func newEventSink(target sinkTarget, buffer int) *EventSink {
	s := &EventSink{target: target}
	s.worker = events.NewWorker("rabbitmq", buffer, s.send)
	return s
}

type sinkMessage struct {
	Recipients []string     `json:"recipients"`
	Event      events.Event `json:"event"`
}

// Publish implements events.Bus. It never blocks; failures are logged.
func (s *EventSink) Publish(ctx context.Context, env events.Envelope) {
	s.worker.Publish(ctx, env)
}

// Close publishes what is queued. The publisher stays open.
func (s *EventSink) Close() error {
	return s.worker.Close()
}

func (s *EventSink) send(ctx context.Context, env events.Envelope) {
	data, err := json.Marshal(sinkMessage{Recipients: env.Recipients, Event: env.Event})
	if err != nil {
		log.Error().Err(err).Str("eventType", string(env.Event.Type)).Msg("Failed to marshal event for RabbitMQ")
		return
	}
	queue := s.target.QueueName(string(env.Event.Type))
	if err := s.target.Publish(ctx, queue, data); err != nil {
		log.Error().Err(err).
			Str("eventType", string(env.Event.Type)).
			Str("queue", queue).
			Uint("roomID", env.Event.RoomID).
			Msg("Failed to publish to RabbitMQ")
	}
}
