package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/metrics"
)

const (
	dataField     = "data"
	claimMinIdle  = time.Minute
	readBlockTime = 5 * time.Second
	readBatchSize = 10
)

// StreamPublisher publishes milestone events to Redis Streams, one stream
// per event type under the configured prefix.
type StreamPublisher struct {
	client *Client
	prefix string
	maxLen int64
}

// NewStreamPublisher creates a publisher writing to <prefix>:<EventType>.
func NewStreamPublisher(client *Client, prefix string, maxLen int64) *StreamPublisher {
	if prefix == "" {
		prefix = "exception_events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &StreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

func (p *StreamPublisher) streamName(eventType string) string {
	return fmt.Sprintf("%s:%s", p.prefix, eventType)
}

// Publish appends the envelope to the stream for its event type.
func (p *StreamPublisher) Publish(ctx context.Context, event *domain.Envelope) error {
	raw, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(event.EventType, "error").Inc()
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	err = p.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName(event.EventType),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{dataField: raw},
	}).Err()
	if err != nil {
		metrics.EventsPublished.WithLabelValues(event.EventType, "error").Inc()
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}

	metrics.EventsPublished.WithLabelValues(event.EventType, "success").Inc()
	slog.Debug("Published milestone event",
		"event_type", event.EventType,
		"event_id", event.EventID,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

// Close is a no-op; the underlying client is shared and closed by its owner.
func (p *StreamPublisher) Close() error { return nil }

// StreamHandler processes one inbound message. Returning nil acknowledges
// the message. Returning an error wrapping domain.ErrMalformedEvent also
// acknowledges it (poison messages are dropped, not redelivered). Any other
// error leaves the message pending for redelivery.
type StreamHandler func(ctx context.Context, stream string, data []byte) error

// Consumer reads inbound failure events from Redis Streams using a
// consumer group, with periodic reclaim of stalled pending messages.
type Consumer struct {
	client   *Client
	streams  []string
	group    string
	consumer string
	handler  StreamHandler
}

// NewConsumer creates a consumer-group reader over the given streams.
func NewConsumer(client *Client, streams []string, group, consumer string, handler StreamHandler) *Consumer {
	return &Consumer{
		client:   client,
		streams:  streams,
		group:    group,
		consumer: consumer,
		handler:  handler,
	}
}

// Start creates the consumer groups and runs the read loop until the
// context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.rdb.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", c.group, stream, err)
		}
	}

	go c.reclaimLoop(ctx)

	slog.Info("Starting event consumer", "streams", c.streams, "group", c.group)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.readOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("Failed to read from streams", "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (c *Consumer) readOnce(ctx context.Context) error {
	// XReadGroup wants each stream name followed by its cursor.
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	results, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    readBatchSize,
		Block:    readBlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, result := range results {
		for _, msg := range result.Messages {
			c.handleMessage(ctx, result.Stream, msg)
		}
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, stream string, msg redis.XMessage) {
	data, ok := msg.Values[dataField].(string)
	if !ok {
		slog.Warn("Dropping message without data field", "stream", stream, "id", msg.ID)
		metrics.EventsConsumed.WithLabelValues(stream, "malformed").Inc()
		c.ack(ctx, stream, msg.ID)
		return
	}

	err := c.handler(ctx, stream, []byte(data))
	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(stream, "success").Inc()
		c.ack(ctx, stream, msg.ID)
	case errors.Is(err, domain.ErrMalformedEvent):
		// Poison message: acknowledge so the broker never redelivers it.
		slog.Warn("Dropping malformed event", "stream", stream, "id", msg.ID, "error", err)
		metrics.EventsConsumed.WithLabelValues(stream, "malformed").Inc()
		c.ack(ctx, stream, msg.ID)
	default:
		// Transient failure: leave pending so the reclaim loop redelivers it.
		slog.Error("Failed to process event, leaving for redelivery",
			"stream", stream, "id", msg.ID, "error", err)
		metrics.EventsConsumed.WithLabelValues(stream, "error").Inc()
	}
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.rdb.XAck(ctx, stream, c.group, id).Err(); err != nil {
		slog.Error("Failed to ack message", "stream", stream, "id", id, "error", err)
	}
}

// reclaimLoop periodically claims messages stuck in other consumers'
// pending lists and re-runs them through the handler.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(claimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.streams {
				c.reclaim(ctx, stream)
			}
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context, stream string) {
	msgs, _, err := c.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    readBatchSize,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to claim pending messages", "stream", stream, "error", err)
		}
		return
	}
	for _, msg := range msgs {
		c.handleMessage(ctx, stream, msg)
	}
}
