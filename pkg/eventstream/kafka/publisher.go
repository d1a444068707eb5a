// Package kafka provides a Kafka-backed eventstream publisher using
// segmentio/kafka-go. Events are JSON-encoded and keyed by job id so all
// chunks of one job land on the same partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/inkstonelab/koma/pkg/eventstream"
)

const defaultTopic = "koma.chunks"

// Config holds the Kafka publisher configuration.
type Config struct {
	// Brokers is the list of bootstrap broker addresses.
	Brokers []string

	// Topic is the destination topic (defaults to "koma.chunks").
	Topic string

	// BatchTimeout bounds how long the writer buffers before flushing.
	BatchTimeout time.Duration
}

// Publisher implements eventstream.Publisher on top of a kafka-go Writer.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher creates a Kafka publisher.
func NewPublisher(config Config) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}

	topic := config.Topic
	if topic == "" {
		topic = defaultTopic
	}

	batchTimeout := config.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(config.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafkago.RequireOne,
	}

	return &Publisher{writer: writer}, nil
}

// PublishChunk writes one chunk event, keyed by job id.
func (p *Publisher) PublishChunk(ctx context.Context, event *eventstream.ChunkEvent) error {
	if event == nil {
		return eventstream.ErrNilChunkEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding chunk event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(event.JobID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing chunk event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
