package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader builds a consumer-group reader with explicit commits.
func NewKafkaReader(brokers []string, topic, groupID string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}), nil
}

// KafkaConsumer feeds topic records to a Handler, committing each offset only
// after the record was applied or dropped as poison.
type KafkaConsumer struct {
	reader MessageReader
	handle Handler
	policy RetryPolicy
	logger zerolog.Logger
}

func NewKafkaConsumer(reader MessageReader, h Handler, policy RetryPolicy, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: reader,
		handle: h,
		policy: policy,
		logger: logger.With().Str("transport", "kafka").Logger(),
	}
}

// Run consumes until ctx is cancelled. A nil return means clean shutdown.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	defer c.logger.Info().Msg("consumer stopped")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		log := c.logger.With().
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Logger()

		ack, err := deliver(ctx, c.handle, msg.Value, c.policy, log)
		if !ack {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka offset %d: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// KafkaPublisher writes notifications to a topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// Publish keys the record by key so one purchase stays on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
