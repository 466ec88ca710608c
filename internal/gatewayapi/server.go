// Package gatewayapi wires the Gateway's terminated routes (auth, health,
// realtime handshake) and the proxied downstream routes onto a single
// gorilla/mux router, grounded on the teacher's internal/api/server.go
// APIServer (mux construction, inline CORS, json.NewEncoder(w).Encode
// response style).
package gatewayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/identity"
	"github.com/fleetops/platform/internal/mcpregistry"
	"github.com/fleetops/platform/internal/metrics"
	"github.com/fleetops/platform/internal/proxy"
	"github.com/fleetops/platform/internal/ratelimit"
	"github.com/fleetops/platform/internal/realtime"
	"github.com/fleetops/platform/internal/token"
)

const serviceVersion = "1.0.0"

// TokenVerifier is the subset of *token.Service the auth middleware and
// handshake handler need.
type TokenVerifier interface {
	Login(ctx context.Context, username, password, clientIP, userAgent string) (*token.LoginResult, error)
	Refresh(ctx context.Context, refresh string) (string, int, error)
	Verify(ctx context.Context, access string) (*identity.Principal, error)
	Logout(ctx context.Context, refreshID string) error
	LogoutAll(ctx context.Context, userID string) error
	RefreshIDOf(refresh string) (string, error)
}

// Server holds every collaborator the Gateway's HTTP surface depends on.
type Server struct {
	tokens          TokenVerifier
	limiter         *ratelimit.Limiter
	proxy           *proxy.Proxy
	hub             *realtime.Hub
	aggregator      *health.Aggregator
	mcp             *mcpregistry.Registry
	corsOrigins     []string
	rateLimitWindow time.Duration
	rateLimitMax    int
}

func New(tokens TokenVerifier, limiter *ratelimit.Limiter, prx *proxy.Proxy, hub *realtime.Hub, aggregator *health.Aggregator, mcp *mcpregistry.Registry, corsOrigins []string, rateLimitWindow time.Duration, rateLimitMax int) *Server {
	return &Server{
		tokens: tokens, limiter: limiter, proxy: prx, hub: hub, aggregator: aggregator, mcp: mcp,
		corsOrigins: corsOrigins, rateLimitWindow: rateLimitWindow, rateLimitMax: rateLimitMax,
	}
}

// Router builds the full mux: public routes (health, login), rate-limited
// login, bearer-gated auth routes, and the proxied downstream routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(proxy.CORS(s.corsOrigins))
	r.Use(metrics.Middleware("gateway"))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/system/health", s.handleSystemHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/auth/login", s.withLoginGuard(s.handleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.withRateLimit)
	authed.Use(proxy.RequireBearer(s.tokens))
	authed.HandleFunc("/api/v1/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/auth/verify", s.handleVerify).Methods(http.MethodGet)
	authed.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	authed.HandleFunc("/api/v1/mcp/endpoints", s.handleMCPEndpoints).Methods(http.MethodGet)

	proxied := r.NewRoute().Subrouter()
	proxied.Use(s.withRateLimit)
	proxied.Use(proxy.RequireBearer(s.tokens))
	proxied.PathPrefix("/api/v1/").HandlerFunc(s.handleProxy)

	return r
}

func (s *Server) withLoginGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		denied, err := s.limiter.AllowRequest(r.Context(), ip, "", ratelimit.IPBasicPreset(time.Minute, 100), ratelimit.LoginGuardPreset)
		if err != nil {
			// fail open on rate-limit store unavailability (spec §7)
			next(w, r)
			return
		}
		if denied != nil {
			apperr.WriteJSON(w, apperr.RateLimited("too many login attempts, try again in 5 minutes"))
			return
		}
		next(w, r)
	}
}

// withRateLimit applies spec §4.2's general presets ahead of token
// verification: IP-basic always, plus per-principal once a bearer token is
// present. The principal key is read from the token's subject claim without
// signature verification — good enough for rate-limit bucketing, which
// only needs a stable key, not an authenticated identity; RequireBearer
// still performs the real verification downstream.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		principalKey := principalKeyFromRequest(r)

		presets := []ratelimit.Preset{ratelimit.IPBasicPreset(s.rateLimitWindow, s.rateLimitMax)}
		if principalKey != "" {
			presets = append(presets, ratelimit.PerPrincipalPreset(s.rateLimitWindow, s.rateLimitMax))
		}

		denied, err := s.limiter.AllowRequest(r.Context(), ip, principalKey, presets...)
		if err != nil {
			// fail open on rate-limit store unavailability (spec §7)
			next.ServeHTTP(w, r)
			return
		}
		if denied != nil {
			apperr.WriteJSON(w, apperr.RateLimited("too many requests, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// principalKeyFromRequest pulls the "sub" claim out of a bearer token
// without verifying its signature, solely to key the per-principal preset
// before RequireBearer has had a chance to verify it.
func principalKeyFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

type loginResponse struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	ExpiresIn    int                `json:"expiresIn"`
	TokenType    string             `json:"tokenType"`
	User         identity.Principal `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := proxy.DecodeBody(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		apperr.WriteJSON(w, apperr.Validation("username and password are required"))
		return
	}

	result, err := s.tokens.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  result.Access,
		RefreshToken: result.Refresh,
		ExpiresIn:    result.ExpiresIn,
		TokenType:    "Bearer",
		User:         result.Principal,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := proxy.DecodeBody(r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	access, expiresIn, err := s.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access, ExpiresIn: expiresIn, TokenType: "Bearer"})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	_ = proxy.DecodeBody(r, &req) // body is optional for logout

	principal, _ := identity.FromContext(r.Context())

	if req.RefreshToken != "" {
		if refreshID, err := s.tokens.RefreshIDOf(req.RefreshToken); err == nil {
			_ = s.tokens.Logout(r.Context(), refreshID)
		}
	} else if principal != nil {
		_ = s.tokens.LogoutAll(r.Context(), principal.ID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.InvalidToken())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": principal})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   serviceVersion,
		"service":   "gateway",
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "healthy": 0, "total": 0, "services": []any{}})
		return
	}
	report := s.aggregator.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleProxy matches the request path against the static routing table
// and forwards it; unmatched paths 404 (spec §4.4's routes are explicit).
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	route, ok := s.proxy.Match(r.URL.Path)
	if !ok {
		apperr.WriteJSON(w, apperr.NotFound("route"))
		return
	}
	s.proxy.Handler(route)(w, r)
}

// handleWebSocket upgrades to the Realtime Hub after verifying the initial
// handshake credential (spec §4.5/§6 — Sec-WebSocket-Protocol header or
// first-frame auth; bearer middleware already covers the header-based
// variant since this route sits behind RequireBearer).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.WriteJSON(w, apperr.MissingToken())
		return
	}
	connID := newConnID()
	if err := s.hub.HandleUpgrade(w, r, connID, principal.ID); err != nil {
		apperr.WriteJSON(w, apperr.Internal("websocket upgrade failed", err))
	}
}

// handleMCPEndpoints serves the MCP Integration registry contract (spec
// §1): the Gateway exposes whatever discovery snapshot was last pulled from
// the MCP subsystem, rather than proxying discovery calls downstream.
func (s *Server) handleMCPEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeJSON(w, http.StatusOK, []mcpregistry.Endpoint{})
		return
	}
	writeJSON(w, http.StatusOK, s.mcp.List())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func newConnID() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}
