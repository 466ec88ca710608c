package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	var mu sync.Mutex
	var received []DomainEvent

	unsub := bus.Subscribe(TopicDeviceEvents, func(ctx context.Context, e DomainEvent) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	defer unsub()

	event := NewDomainEvent("DeviceCreated", "device-1", "device-facade", map[string]any{"id": "device-1"})
	require.NoError(t, bus.Publish(context.Background(), TopicDeviceEvents, event))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	var count int
	var mu sync.Mutex

	unsub := bus.Subscribe(TopicLLMEvents, func(ctx context.Context, e DomainEvent) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	unsub()

	event := NewDomainEvent("LLMRequestStarted", "req-1", "dispatcher", nil)
	require.NoError(t, bus.Publish(context.Background(), TopicLLMEvents, event))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}
