// Package events publishes flood-map lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

// Type names a lifecycle transition.
type Type string

const (
	FloodMapIngested Type = "flood_map.ingested"
	FloodMapRendered Type = "flood_map.rendered"
	FloodMapDeleted  Type = "flood_map.deleted"
)

// Event is the payload published for a flood map.
type Event struct {
	Type       Type           `json:"type"`
	ProjectID  string         `json:"project_id"`
	Scenario   string         `json:"scenario"`
	FloodMapID string         `json:"flood_map_id,omitempty"`
	FileName   string         `json:"file_name"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces JSON events to a Kafka topic, keyed by project so
// events of one project stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	clock  clockwork.Clock
}

// NewKafkaPublisher creates a producer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, clock clockwork.Clock) *KafkaPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newKafkaPublisher(w, clock)
}

func newKafkaPublisher(w messageWriter, clock clockwork.Clock) *KafkaPublisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KafkaPublisher{writer: w, clock: clock}
}

// Publish stamps e with the current time when unset and writes it.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.clock.Now().UTC()
	}
	msg, err := toMessage(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(e Event) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s event: %w", e.Type, err)
	}
	return kafkago.Message{
		Key:   []byte(e.ProjectID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "occurred_at", Value: []byte(e.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}
