package eventbus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// NewFromBackend picks the durable Event Bus Adapter backend a composition
// root should construct: "pubsub" for the GCP Pub/Sub-backed PubSubBus, or
// anything else (including "") for the default RedisBus. A "pubsub" backend
// with no projectID, or a Pub/Sub client that fails to connect, falls back
// to RedisBus with a warning rather than failing startup.
func NewFromBackend(ctx context.Context, backend, gcpProjectID string, rdb *redis.Client, channelPrefix string) Bus {
	if backend != "pubsub" {
		return NewRedisBus(rdb, channelPrefix)
	}
	if gcpProjectID == "" {
		slog.Warn("eventbus: pubsub backend selected but gcp_project_id is empty, falling back to redis")
		return NewRedisBus(rdb, channelPrefix)
	}
	bus, err := NewPubSubBus(ctx, gcpProjectID)
	if err != nil {
		slog.Warn("eventbus: pubsub backend unavailable, falling back to redis", "error", err)
		return NewRedisBus(rdb, channelPrefix)
	}
	return bus
}
