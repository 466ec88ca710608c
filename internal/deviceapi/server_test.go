package deviceapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/catalogclient"
	"github.com/fleetops/platform/internal/device"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/probe"
)

func newTestServer(t *testing.T, catalogHandler http.HandlerFunc) (*Server, *device.Facade) {
	t.Helper()
	ts := httptest.NewServer(catalogHandler)
	t.Cleanup(ts.Close)

	catalog := catalogclient.New(ts.URL, 2*time.Second)
	facade := device.New(catalog, eventbus.NewLocalBus())
	probes := probe.New(4, nil)
	return New(facade, probes, nil), facade
}

func TestHandleListReturnsPaginatedEnvelope(t *testing.T) {
	devices := []device.Device{{ID: "d1", Name: "sw-1", Type: "switch"}, {ID: "d2", Name: "sw-2", Type: "switch"}}
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/devices", strings.Split(r.URL.String(), "?")[0])
		_ = json.NewEncoder(w).Encode(devices)
	})

	req := httptest.NewRequest(http.MethodGet, "/devices?limit=1&offset=0", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "d1", resp.Items[0].ID)
}

func TestHandleCreateRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("catalog should not be called for an invalid request")
	})

	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(`{"name":""}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateSucceeds(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(device.Device{ID: "d1", Name: "sw-1", Type: "switch"})
	})

	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(`{"name":"sw-1","type":"switch"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var out device.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "d1", out.ID)
}

func TestHandleDeleteReturnsNoContent(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodDelete, "/devices/d1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleUpdateRejectsErrorStatusAsAdminTransition(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("catalog should not be called when the admin transition is rejected")
	})

	req := httptest.NewRequest(http.MethodPut, "/devices/d1", strings.NewReader(`{"status":"error"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHeartbeatAlwaysSucceeds(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("heartbeat never calls the catalog store")
	})

	req := httptest.NewRequest(http.MethodPost, "/devices/d1/status", strings.NewReader(`{"status":"active"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var result device.HeartbeatResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, "d1", result.DeviceID)
}

func TestHandleTestConnectionRejectsMissingHost(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/devices/d1/test-connection", strings.NewReader(`{"protocol":"http"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTestConnectionUnsupportedProtocol(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/devices/d1/test-connection", strings.NewReader(`{"protocol":"telnet","host":"127.0.0.1"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var result probe.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.False(t, result.Success)
	require.Equal(t, probe.ErrUnsupportedProtocol, result.ErrorCode)
}

func TestHandleHealthWithoutAggregator(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
