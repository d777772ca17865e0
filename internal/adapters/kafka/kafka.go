package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
)

// NewConfig returns the producer settings used for the ticket stream.
func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "support-core"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	// Keyed by ticket id so one ticket's history stays on one partition.
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// TicketStream writes ticket lifecycle events (assignment, transfer) to a
// Kafka topic for reporting consumers. Other events are ignored. Sends run
// on a background worker; Close flushes it.
type TicketStream struct {
	producer sarama.SyncProducer
	topic    string
	worker   *events.Worker
}

// Dial connects a synchronous producer to brokers.
func Dial(brokers []string, topic string) (*TicketStream, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, fmt.Errorf("could not create Kafka producer: %w", err)
	}
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Kafka producer connected")
	return NewTicketStream(producer, topic), nil
}

// NewTicketStream wraps an existing producer.
func NewTicketStream(producer sarama.SyncProducer, topic string) *TicketStream {
	s := &TicketStream{producer: producer, topic: topic}
	s.worker = events.NewWorker("kafka", events.DefaultBuffer, s.send)
	return s
}

type streamRecord struct {
	Type       events.Type  `json:"type"`
	Recipients []string     `json:"recipients"`
	Event      events.Event `json:"event"`
}

// Publish implements events.Bus. Failures are logged, never returned.
func (s *TicketStream) Publish(ctx context.Context, env events.Envelope) {
	if !events.IsTicketEvent(env.Event.Type) {
		return
	}
	s.worker.Publish(ctx, env)
}

func (s *TicketStream) send(_ context.Context, env events.Envelope) {
	value, err := json.Marshal(streamRecord{Type: env.Event.Type, Recipients: env.Recipients, Event: env.Event})
	if err != nil {
		log.Error().Err(err).Str("eventType", string(env.Event.Type)).Msg("Failed to marshal ticket event for Kafka")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(value),
	}
	if id := ticketID(env.Event.Payload); id != 0 {
		msg.Key = sarama.StringEncoder(strconv.FormatUint(uint64(id), 10))
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("eventType", string(env.Event.Type)).Str("topic", s.topic).Msg("Failed to send ticket event to Kafka")
		return
	}
	log.Debug().Str("eventType", string(env.Event.Type)).Int32("partition", partition).Int64("offset", offset).Msg("Ticket event sent to Kafka")
}

// Close sends what is queued and closes the producer.
func (s *TicketStream) Close() error {
	_ = s.worker.Close()
	return s.producer.Close()
}

func ticketID(payload interface{}) uint {
	switch p := payload.(type) {
	case events.TicketAssignedPayload:
		return p.TicketID
	case *events.TicketAssignedPayload:
		return p.TicketID
	case events.TicketTransferredPayload:
		return p.TicketID
	case *events.TicketTransferredPayload:
		return p.TicketID
	}
	return 0
}
