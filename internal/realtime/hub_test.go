package realtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHandleUpgradeJoinsUserRoomAndSendsConnected(t *testing.T) {
	hub := NewHub()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.HandleUpgrade(w, r, "conn-1", "user-1"))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "connected")

	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversToRoomMembers(t *testing.T) {
	hub := NewHub()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.HandleUpgrade(w, r, "conn-a", "user-a"))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // drain connection_status
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("user:user-a", Message{Type: "alert", Timestamp: time.Now().UTC()}, PriorityHigh)

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "alert")
}
