package realtime

import (
	"context"

	"github.com/fleetops/platform/internal/eventbus"
)

// BridgeFrom subscribes the hub to every realtime fan-in topic on bus and
// forwards each DomainEvent as a room broadcast, translating the bus's
// durable envelope into the Hub's lightweight wire Message. Returns an
// unsubscribe-all func for graceful shutdown.
func BridgeFrom(bus eventbus.Bus, hub *Hub) (unsubscribeAll func()) {
	var unsubs []func()
	register := func(topic string, roomOf func(eventbus.DomainEvent) string) {
		unsub := bus.Subscribe(topic, func(ctx context.Context, event eventbus.DomainEvent) error {
			room := roomOf(event)
			if room == "" {
				return nil
			}
			hub.Broadcast(room, Message{
				Type:      event.EventType,
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
				Metadata:  Metadata{CorrelationID: event.Metadata.CorrelationID, Version: "1"},
			}, priorityFor(topic))
			return nil
		})
		unsubs = append(unsubs, unsub)
	}

	register(eventbus.TopicWorkflowUpdates, func(e eventbus.DomainEvent) string { return "workflow:" + e.Key })
	register(eventbus.TopicMetricsUpdates, func(e eventbus.DomainEvent) string { return "metrics" })
	register(eventbus.TopicDeviceStatus, func(e eventbus.DomainEvent) string { return "device:" + e.Key })
	register(eventbus.TopicChatResponses, func(e eventbus.DomainEvent) string {
		if e.Metadata.UserID == "" {
			return ""
		}
		return "user:" + e.Metadata.UserID
	})
	register(eventbus.TopicSystemAlerts, func(e eventbus.DomainEvent) string { return "alerts" })

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func priorityFor(topic string) Priority {
	switch topic {
	case eventbus.TopicSystemAlerts:
		return PriorityHigh
	case eventbus.TopicMetricsUpdates:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
