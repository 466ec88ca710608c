package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/eventbus"
)

func TestProbeUnsupportedProtocol(t *testing.T) {
	e := New(4, nil)
	res := e.Probe(context.Background(), "", ConnectionInfo{Protocol: "telnet", Host: "127.0.0.1"})
	require.False(t, res.Success)
	require.Equal(t, ErrUnsupportedProtocol, res.ErrorCode)
}

func TestProbeHTTPSuccessAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "test-server")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	bus := eventbus.NewLocalBus()
	received := make(chan eventbus.DomainEvent, 1)
	bus.Subscribe(eventbus.TopicDeviceEvents, func(ctx context.Context, e eventbus.DomainEvent) error {
		received <- e
		return nil
	})

	e := New(4, bus)
	res := e.Probe(context.Background(), "device-1", ConnectionInfo{
		Protocol: ProtocolHTTP,
		Host:     u.Hostname(),
		Port:     port,
	})

	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.Details["statusCode"])

	event := <-received
	require.Equal(t, "DeviceHealthCheck", event.EventType)
	require.Equal(t, "device-1", event.Key)
}

func TestProbeSSHRejectsMissingCredentials(t *testing.T) {
	e := New(4, nil)
	res := e.Probe(context.Background(), "", ConnectionInfo{Protocol: ProtocolSSH, Host: "127.0.0.1", Port: 22})
	require.False(t, res.Success)
	require.Equal(t, ErrSSHAuthFailed, res.ErrorCode)
}
