package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Header is an extra string header attached to a published message.
type Header struct {
	Key   string
	Value string
}

// Producer publishes messages to Kafka.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error
	Close() error
}

// ProducerOption tunes the underlying writer.
type ProducerOption func(*kafka.Writer)

// WithBatchTimeout sets how long the writer waits to fill a batch. Task
// events are rare, so the default is short to keep Publish latency low.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer) { w.BatchTimeout = d }
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer returns a synchronous producer. Keys are hashed, so all events
// of one task share a partition and stay ordered.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		BatchTimeout:           20 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte, headers ...Header) error {
	carrier := make(HeaderCarrier, 0, len(headers)+2)
	for _, h := range headers {
		carrier.Set(h.Key, h.Value)
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: carrier,
		Time:    time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s key=%s: %w", topic, key, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
