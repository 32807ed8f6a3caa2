package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "boardroom:events:"

// RedisPublisher forwards notifications to Redis pub/sub so that a process running decision
// workflows can reach subscribers connected to another process.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+n.DecisionID, body).Err(); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.DecisionID, err)
	}
	return nil
}

// RedisBridge feeds notifications received from Redis pub/sub into a local Manager.
type RedisBridge struct {
	client    *redis.Client
	prefix    string
	manager   *Manager
	logger    *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisBridge(client *redis.Client, prefix string, manager *Manager, logger *slog.Logger) *RedisBridge {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:  client,
		prefix:  prefix,
		manager: manager,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the pattern subscription is confirmed by Redis.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run relays messages until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	pattern := b.prefix + "*"
	sub := b.client.PSubscribe(ctx, pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("Relaying notifications from Redis", "pattern", pattern)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				b.logger.Warn("Skipping malformed notification", "channel", msg.Channel, "error", err)
				continue
			}
			if err := b.manager.Publish(ctx, n); err != nil {
				b.logger.Warn("Failed to relay notification", "decision_id", n.DecisionID, "error", err)
			}
		}
	}
}
