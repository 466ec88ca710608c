package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus cross-instance-fans-out DomainEvents over Redis Pub/Sub,
// grounded on the teacher's internal/fabric/redis_event_bus.go: local
// subscribers are always notified first (so a single-instance deployment
// works without Redis), then the event is published for other instances.
// If the Redis publish fails, delivery silently degrades to local-only —
// spec §4.12's "publish attempts log-and-drop until reconnection succeeds."
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	local  *LocalBus

	mu        sync.Mutex
	cancelers map[string]func()
}

func NewRedisBus(rdb *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "platform:events:"
	}
	return &RedisBus{
		rdb:       rdb,
		prefix:    channelPrefix,
		local:     NewLocalBus(),
		cancelers: make(map[string]func()),
	}
}

func (b *RedisBus) channel(topic string) string { return b.prefix + topic }

func (b *RedisBus) Publish(ctx context.Context, topic string, event DomainEvent) error {
	// Always deliver locally first.
	_ = b.local.Publish(ctx, topic, event)

	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		slog.Warn("eventbus: redis publish failed, degraded to local-only", "topic", topic, "error", err)
		return nil
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, handler Handler) func() {
	unsubLocal := b.local.Subscribe(topic, handler)

	b.mu.Lock()
	if _, ok := b.cancelers[topic]; ok {
		b.mu.Unlock()
		return unsubLocal
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelers[topic] = cancel
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, b.channel(topic))
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event DomainEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("eventbus: dropping malformed event", "topic", topic, "error", err)
					continue
				}
				_ = b.local.Publish(ctx, topic, event)
			}
		}
	}()

	return func() {
		unsubLocal()
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancelers {
		cancel()
	}
	return nil
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("eventbus: redis ping: %w", err)
	}
	return nil
}
