package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PayloadField is the stream entry field carrying the notification.
const PayloadField = "payload"

// StreamClient is the part of *redis.Client the stream consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// StreamConsumer reads a Redis stream through a consumer group. Entries left
// pending by a previous run are replayed before new ones are read.
type StreamConsumer struct {
	client   StreamClient
	stream   string
	group    string
	consumer string
	handle   Handler
	policy   RetryPolicy
	block    time.Duration
	batch    int64
	logger   zerolog.Logger
}

func NewStreamConsumer(client StreamClient, stream, group, consumer string, h Handler, policy RetryPolicy, logger zerolog.Logger) *StreamConsumer {
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handle:   h,
		policy:   policy,
		block:    5 * time.Second,
		batch:    16,
		logger:   logger.With().Str("transport", "redis").Str("stream", stream).Logger(),
	}
}

// Run consumes until ctx is cancelled. A nil return means clean shutdown.
func (c *StreamConsumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	c.logger.Info().Str("group", c.group).Str("consumer", c.consumer).Msg("consumer started")
	defer c.logger.Info().Msg("consumer stopped")

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		block := c.block
		if cursor == "0" {
			block = -1
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, cursor},
			Count:    c.batch,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				n++
				if err := c.process(ctx, msg); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
		if cursor == "0" && n == 0 {
			cursor = ">"
		}
	}
}

func (c *StreamConsumer) process(ctx context.Context, msg redis.XMessage) error {
	log := c.logger.With().Str("entry_id", msg.ID).Logger()

	raw, ok := msg.Values[PayloadField].(string)
	ack := true
	if !ok {
		log.Error().Msg("dropping entry without payload field")
	} else {
		var err error
		ack, err = deliver(ctx, c.handle, []byte(raw), c.policy, log)
		if !ack {
			return fmt.Errorf("stream entry %s: %w", msg.ID, err)
		}
	}
	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msg.ID, err)
	}
	return nil
}

// StreamPublisher appends notifications to a stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{PayloadField: string(payload), "key": key},
	}).Err()
}
