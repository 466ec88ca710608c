// Package eventbus implements the Event Bus Adapter (C12): publish of
// DomainEvents to topics, with degraded mode when the bus is unreachable
// (spec §4.12/§7). The Redis backend uses Redis pub/sub, which keeps no
// log: a subscriber that is not connected when an event is published never
// receives it.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics used across the platform (spec §6).
const (
	TopicDeviceEvents    = "device-events"
	TopicLLMEvents       = "llm-events"
	TopicWorkflowUpdates = "workflow:updates"
	TopicMetricsUpdates  = "metrics:updates"
	TopicDeviceStatus    = "device:status"
	TopicChatResponses   = "chat:responses"
	TopicSystemAlerts    = "system:alerts"
)

// DomainEvent is the uniform event envelope (spec §3/§6).
type DomainEvent struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload"`
	Metadata  EventMetadata  `json:"metadata"`
}

type EventMetadata struct {
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

func NewDomainEvent(eventType, key, source string, payload map[string]any) DomainEvent {
	id, _ := uuid.NewRandom()
	return DomainEvent{
		EventID:   id.String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Key:       key,
		Payload:   payload,
		Metadata:  EventMetadata{Source: source},
	}
}

// Handler processes a delivered event. Returning an error only logs; the
// bus never retries delivery to a single handler within a process.
type Handler func(ctx context.Context, event DomainEvent) error

// Bus is the Publish/Subscribe contract. Delivery order is not guaranteed,
// not even for events with the same Key: in-process delivery starts one
// goroutine per handler per event. PubSubBus sets the event Key as the
// Pub/Sub ordering key on publish.
type Bus interface {
	Publish(ctx context.Context, topic string, event DomainEvent) error
	Subscribe(topic string, handler Handler) (unsubscribe func())
	Close() error
}

// LocalBus is a pure in-process pub/sub, grounded on the teacher's
// internal/fabric/event_bus.go LocalEventBus: a goroutine-per-handler
// dispatch with no external dependency, used by tests and as the fallback
// layer every other Bus implementation degrades to.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextID      uint64
}

type subscriberEntry struct {
	id      uint64
	handler Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[string][]subscriberEntry)}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, event DomainEvent) error {
	b.mu.RLock()
	handlers := append([]subscriberEntry(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("eventbus: local handler failed", "topic", topic, "error", err)
			}
		}()
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[topic] = append(b.subscribers[topic], subscriberEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subscribers[topic]
		for i, e := range entries {
			if e.id == id {
				b.subscribers[topic] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

func (b *LocalBus) Close() error { return nil }

var _ Bus = (*LocalBus)(nil)

// marshalEvent is shared by the Redis and Pub/Sub backends.
func marshalEvent(event DomainEvent) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal event: %w", err)
	}
	return b, nil
}
