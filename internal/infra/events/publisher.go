// Package events publishes task lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/segmentio/kafka-go"
)

// Ensure Publisher implements domain.EventPublisher interface.
var _ domain.EventPublisher = (*Publisher)(nil)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes lifecycle events as JSON messages keyed by task, so
// events of one task keep their order within a partition.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewPublisher creates a Publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewPublisherWithWriter creates a Publisher on an existing writer.
func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{writer: w, timeout: 5 * time.Second}
}

// Publish writes one event. The write is bounded so a broker outage never
// stalls a status transition for long.
func (p *Publisher) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := domain.TaskKey{Scope: ev.Scope, Name: ev.Name}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key.String()),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write event to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
