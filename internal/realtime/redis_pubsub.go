package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the Redis channel every relay instance publishes to and listens on.
const EventsChannel = "relay:events"

// RedisBridge implements Broker using Redis pub/sub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBridge creates a Redis pub/sub bridge for relay deliveries.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, channel: EventsChannel, logger: logger}
}

// Publish sends one emit's deliveries as a single message so their order survives the hop.
func (b *RedisBridge) Publish(ctx context.Context, deliveries []Delivery) error {
	body, err := encodeDeliveries(deliveries)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, body).Err()
}

// Subscribe listens on the events channel until ctx is cancelled.
func (b *RedisBridge) Subscribe(ctx context.Context, handler func([]Delivery)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliveries, err := decodeDeliveries([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("discarding malformed relay message", zap.Error(err))
					continue
				}
				handler(deliveries)
			}
		}
	}()
	return nil
}
