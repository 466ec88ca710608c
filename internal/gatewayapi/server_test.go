package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/identity"
	"github.com/fleetops/platform/internal/mcpregistry"
	"github.com/fleetops/platform/internal/proxy"
	"github.com/fleetops/platform/internal/ratelimit"
	"github.com/fleetops/platform/internal/realtime"
	"github.com/fleetops/platform/internal/token"
)

type fakeTokens struct {
	loginResult  *token.LoginResult
	loginErr     error
	principal    *identity.Principal
	verifyErr    error
	loggedOut    []string
	loggedOutAll []string
}

func (f *fakeTokens) Login(ctx context.Context, username, password, clientIP, userAgent string) (*token.LoginResult, error) {
	return f.loginResult, f.loginErr
}

func (f *fakeTokens) Refresh(ctx context.Context, refresh string) (string, int, error) {
	if refresh != "good-refresh" {
		return "", 0, apperr.InvalidToken()
	}
	return "new-access", 3600, nil
}

func (f *fakeTokens) Verify(ctx context.Context, access string) (*identity.Principal, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if access != "good-access" {
		return nil, apperr.InvalidToken()
	}
	return f.principal, nil
}

func (f *fakeTokens) Logout(ctx context.Context, refreshID string) error {
	f.loggedOut = append(f.loggedOut, refreshID)
	return nil
}

func (f *fakeTokens) LogoutAll(ctx context.Context, userID string) error {
	f.loggedOutAll = append(f.loggedOutAll, userID)
	return nil
}

func (f *fakeTokens) RefreshIDOf(refresh string) (string, error) {
	if refresh != "good-refresh" {
		return "", apperr.InvalidToken()
	}
	return "refresh-id-1", nil
}

func newTestServer(t *testing.T, tokens TokenVerifier) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := ratelimit.New(rdb, "test:")
	prx := proxy.New(nil)
	hub := realtime.NewHub()
	aggregator := health.New()
	mcp := mcpregistry.New()

	return New(tokens, limiter, prx, hub, aggregator, mcp, []string{"*"}, time.Minute, 1000)
}

func TestHandleLoginSuccess(t *testing.T) {
	ft := &fakeTokens{loginResult: &token.LoginResult{
		Access: "good-access", Refresh: "good-refresh", ExpiresIn: 3600,
		Principal: identity.Principal{ID: "u1", Username: "alice"},
	}}
	s := newTestServer(t, ft)

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "good-access", resp.AccessToken)
	require.Equal(t, "Bearer", resp.TokenType)
}

func TestHandleLoginRejectsMissingFields(t *testing.T) {
	s := newTestServer(t, &fakeTokens{})
	body, _ := json.Marshal(loginRequest{Username: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyRequiresBearer(t *testing.T) {
	s := newTestServer(t, &fakeTokens{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleVerifyWithBearer(t *testing.T) {
	ft := &fakeTokens{principal: &identity.Principal{ID: "u1", Username: "alice"}}
	s := newTestServer(t, ft)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer good-access")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleLogoutWithRefreshTokenRevokesSession(t *testing.T) {
	ft := &fakeTokens{principal: &identity.Principal{ID: "u1", Username: "alice"}}
	s := newTestServer(t, ft)
	body, _ := json.Marshal(logoutRequest{RefreshToken: "good-refresh"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-access")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"refresh-id-1"}, ft.loggedOut)
	require.Empty(t, ft.loggedOutAll)
}

func TestHandleLogoutWithoutRefreshTokenRevokesAllSessions(t *testing.T) {
	ft := &fakeTokens{principal: &identity.Principal{ID: "u1", Username: "alice"}}
	s := newTestServer(t, ft)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer good-access")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"u1"}, ft.loggedOutAll)
}

func TestHandleRefresh(t *testing.T) {
	s := newTestServer(t, &fakeTokens{})
	body, _ := json.Marshal(refreshRequest{RefreshToken: "good-refresh"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp refreshResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "new-access", resp.AccessToken)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &fakeTokens{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSystemHealth(t *testing.T) {
	s := newTestServer(t, &fakeTokens{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProxyRouteNotFoundWithoutConfiguredRoutes(t *testing.T) {
	ft := &fakeTokens{principal: &identity.Principal{ID: "u1"}}
	s := newTestServer(t, ft)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/x", nil)
	req.Header.Set("Authorization", "Bearer good-access")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMCPEndpointsListsRegisteredEndpoints(t *testing.T) {
	ft := &fakeTokens{principal: &identity.Principal{ID: "u1"}}
	s := newTestServer(t, ft)
	s.mcp.Replace([]mcpregistry.Endpoint{{ID: "e1", Name: "filesystem", Transport: mcpregistry.TransportStdio, Tools: []string{"read_file"}}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mcp/endpoints", nil)
	req.Header.Set("Authorization", "Bearer good-access")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out []mcpregistry.Endpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "filesystem", out[0].Name)
}

func TestLoginGuardRateLimitsAfterThreshold(t *testing.T) {
	ft := &fakeTokens{loginErr: apperr.AuthenticationError("bad credentials")}
	s := newTestServer(t, ft)

	body, _ := json.Marshal(loginRequest{Username: "x", Password: "y"})
	var lastCode int
	for i := 0; i < ratelimit.LoginGuardPreset.Limit+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.5:1234"
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		lastCode = w.Code
	}
	require.Equal(t, http.StatusTooManyRequests, lastCode)
}

// TestAuthedRouteRateLimitsAfterThreshold exercises spec §8's sliding-window
// property (W, N=3 → {200,200,200,429,429}) against an authenticated route,
// confirming the general IP-basic preset now guards authed/proxied routes
// and not just login.
func TestAuthedRouteRateLimitsAfterThreshold(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ft := &fakeTokens{principal: &identity.Principal{ID: "u1", Username: "alice"}}
	limiter := ratelimit.New(rdb, "test:")
	prx := proxy.New(nil)
	hub := realtime.NewHub()
	aggregator := health.New()
	mcp := mcpregistry.New()
	s := New(ft, limiter, prx, hub, aggregator, mcp, []string{"*"}, time.Minute, 3)

	var codes []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set("Authorization", "Bearer good-access")
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	require.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}
