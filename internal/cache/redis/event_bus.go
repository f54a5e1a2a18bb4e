package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// streamMaxLen is the approximate cap applied on every XADD.
const streamMaxLen int64 = 10000

// StreamMessage is one entry read back from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus implements domain.EventBus. Each event goes out on Pub/Sub for
// live listeners and is appended to a capped stream for history.
type EventBus struct {
	c   *Client
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c, rdb: c.Underlying()}
}

// Publish broadcasts payload on channel and appends it to the channel's
// stream.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.c.Key("events", channel), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.c.Key("stream", channel),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams live payloads from channel until ctx is cancelled, at
// which point the returned channel is closed.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, b.c.Key("events", channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to count of the newest events on channel, newest first.
func (b *EventBus) Recent(ctx context.Context, channel string, count int64) ([]StreamMessage, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.c.Key("stream", channel), "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: recent %s: %w", channel, err)
	}
	return decodeStream(msgs), nil
}

func decodeStream(msgs []redis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		var data []byte
		switch v := m.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		out = append(out, StreamMessage{ID: m.ID, Payload: data})
	}
	return out
}

var _ domain.EventBus = (*EventBus)(nil)
