package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// PubSubBus is the optional durable Event Bus Adapter backend, grounded on
// the teacher's internal/events/pubsub_bus.go: one GCP Pub/Sub topic per
// platform topic name, message ordering enabled and keyed by the event's
// Key so ordering is preserved within a single device/request id (spec §5).
// Falls back to local-only delivery on publish failure, same degraded-mode
// contract as RedisBus.
type PubSubBus struct {
	local  *LocalBus
	client *pubsub.Client
	topics map[string]*pubsub.Topic
}

func NewPubSubBus(ctx context.Context, projectID string) (*PubSubBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create pubsub client: %w", err)
	}
	return &PubSubBus{
		local:  NewLocalBus(),
		client: client,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (b *PubSubBus) topicFor(ctx context.Context, name string) (*pubsub.Topic, error) {
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t := b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventbus: check topic %s: %w", name, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("eventbus: create topic %s: %w", name, err)
		}
	}
	t.EnableMessageOrdering = true
	b.topics[name] = t
	return t, nil
}

func (b *PubSubBus) Publish(ctx context.Context, topic string, event DomainEvent) error {
	_ = b.local.Publish(ctx, topic, event)

	t, err := b.topicFor(ctx, topic)
	if err != nil {
		slog.Warn("eventbus: pubsub topic unavailable, degraded to local-only", "topic", topic, "error", err)
		return nil
	}

	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}

	result := t.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: event.Key,
		Attributes: map[string]string{
			"eventType": event.EventType,
			"eventId":   event.EventID,
		},
	})
	go func() {
		if _, err := result.Get(ctx); err != nil {
			slog.Warn("eventbus: pubsub publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (b *PubSubBus) Subscribe(topic string, handler Handler) func() {
	// Delivery from Pub/Sub into this process happens via a pull
	// subscription set up by the caller's consumer-group wiring; in-process
	// fan-out for anything published locally still works immediately.
	return b.local.Subscribe(topic, handler)
}

func (b *PubSubBus) Close() error {
	for _, t := range b.topics {
		t.Stop()
	}
	return b.client.Close()
}

var _ Bus = (*PubSubBus)(nil)
