package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"conveyor/internal/orders"
)

// RedisStreamClient is the minimal client surface used by RedisStreamPublisher.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamPublisher appends order events to a Redis stream for
// downstream consumers.
type RedisStreamPublisher struct {
	client RedisStreamClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher constructs a Redis-backed event publisher.
func NewRedisStreamPublisher(client RedisStreamClient, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish appends the event to the stream.
func (r *RedisStreamPublisher) Publish(ctx context.Context, event orders.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"event_id":  event.ID,
			"order_id":  event.OrderID,
			"type":      event.Type,
			"payload":   string(payload),
			"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	return r.client.XAdd(ctx, args).Err()
}
