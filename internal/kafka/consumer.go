package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is the part of a Kafka record handlers see.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
}

// Header returns the value of the named header, or "".
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes one message. A nil return commits its offset. An
// error keeps the consumer on that message and hands it back after a
// backoff, so a later commit can never skip past it.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads one topic as a member of a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption tunes a consumer.
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	reader     kafka.ReaderConfig
	minBackoff time.Duration
	maxBackoff time.Duration
}

// WithRedeliveryBackoff bounds the wait between attempts at a failing
// message. Non-positive values keep the defaults.
func WithRedeliveryBackoff(minWait, maxWait time.Duration) ConsumerOption {
	return func(s *consumerSettings) {
		if minWait > 0 {
			s.minBackoff = minWait
		}
		if maxWait > 0 {
			s.maxBackoff = maxWait
		}
	}
}

type consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer joins groupID on topic. Offsets are committed explicitly after
// each handled message.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	s := consumerSettings{
		reader: kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			MaxWait:        time.Second,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &consumer{
		reader:     kafka.NewReader(s.reader),
		logger:     logger.With(slog.String("topic", topic), slog.String("group", groupID)),
		minBackoff: s.minBackoff,
		maxBackoff: s.maxBackoff,
	}
}

// Subscribe blocks until ctx is cancelled, which is not an error.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", c.reader.Config().Topic, err)
		}

		if !c.deliver(ctx, m, handler) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("commit failed",
				slog.Int("partition", m.Partition),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver runs handler until it accepts m. It reports false when ctx ends
// first, leaving m uncommitted.
func (c *consumer) deliver(ctx context.Context, m kafka.Message, handler HandlerFunc) bool {
	carrier := HeaderCarrier(m.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   m.Headers,
	}

	wait := c.minBackoff
	for attempt := 1; ; attempt++ {
		err := handler(msgCtx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("handler rejected message, redelivering",
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
