package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel balance notices are published on.
const DefaultChannel = "seller-ledger:notices"

// RedisNotifier publishes messages as JSON on a Redis channel for the real-time
// fan-out service to pick up.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier builds a publisher on the given channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Send publishes the message.
func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.client == nil {
		return fmt.Errorf("redis notifier not initialized")
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}
