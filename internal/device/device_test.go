package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/catalogclient"
	"github.com/fleetops/platform/internal/eventbus"
)

func TestListCachesResultsUntilInvalidated(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"d1","name":"dev1"}]`))
	}))
	defer srv.Close()

	facade := New(catalogclient.New(srv.URL, 0), eventbus.NewLocalBus())

	devices, err := facade.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, devices, 1)

	_, err = facade.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	facade.invalidateCache()
	_, err = facade.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHeartbeatEmitsStatusChangedOnlyOnDiff(t *testing.T) {
	bus := eventbus.NewLocalBus()
	events := make(chan eventbus.DomainEvent, 8)
	bus.Subscribe(eventbus.TopicDeviceEvents, func(ctx context.Context, e eventbus.DomainEvent) error {
		events <- e
		return nil
	})

	facade := New(catalogclient.New("http://unused", 0), bus)

	res := facade.Heartbeat(context.Background(), "d1", HeartbeatRequest{Status: StatusActive})
	require.True(t, res.Success)

	first := <-events
	require.Equal(t, "DeviceStatusChanged", first.EventType)

	res2 := facade.Heartbeat(context.Background(), "d1", HeartbeatRequest{Status: StatusActive})
	require.True(t, res2.Success)

	select {
	case e := <-events:
		t.Fatalf("unexpected second event for unchanged status: %+v", e)
	default:
	}
}

func TestSetAdminStatusRejectsError(t *testing.T) {
	facade := New(catalogclient.New("http://unused", 0), nil)
	_, err := facade.SetAdminStatus(context.Background(), "d1", StatusError)
	require.Error(t, err)
}
