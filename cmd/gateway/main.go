// Command gateway is the Gateway service's composition root (C1-C5, C13):
// wires config, Redis-backed session/rate-limit stores, the catalog client,
// the token service, the reverse proxy, the realtime hub, and the health
// aggregator onto gorilla/mux, then serves HTTP with graceful shutdown.
// Grounded on the teacher's cmd/server/main.go assembly order and
// internal/api/server.go's Start/Shutdown shape.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetops/platform/internal/catalogclient"
	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/config"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/gatewayapi"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/identity"
	"github.com/fleetops/platform/internal/mcpregistry"
	"github.com/fleetops/platform/internal/proxy"
	"github.com/fleetops/platform/internal/ratelimit"
	"github.com/fleetops/platform/internal/realtime"
	"github.com/fleetops/platform/internal/session"
	"github.com/fleetops/platform/internal/token"
)

const mcpDiscoveryInterval = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus := eventbus.NewFromBackend(context.Background(), cfg.EventBus.Backend, cfg.EventBus.GCPProjectID, rdb, cfg.Redis.KeyPrefix+"events:")

	sessions := session.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	limiter := ratelimit.New(rdb, cfg.Redis.KeyPrefix)

	breakers := circuitbreaker.NewPlatformBreakers()
	catalog := catalogclient.New(cfg.Gateway.StorageServiceURL, 10*time.Second).WithBreaker(breakers.CatalogStore)

	accessSecret := secretOrGenerated(cfg.Gateway.JWTAccessSecret)
	refreshSecret := secretOrGenerated(cfg.Gateway.JWTRefreshSecret)
	tokens, err := token.New(token.Config{
		AccessSecret:   accessSecret,
		RefreshSecret:  refreshSecret,
		AccessExpires:  cfg.Gateway.JWTAccessExpires,
		RefreshExpires: cfg.Gateway.JWTRefreshExpires,
		Issuer:         cfg.Gateway.JWTIssuer,
		Audience:       "platform",
	}, catalog, sessions)
	if err != nil {
		slog.Error("init token service", "error", err)
		os.Exit(1)
	}

	routes := []proxy.Route{
		{ServiceName: "storage", PathPrefix: "/api/v1/storage", UpstreamURL: cfg.Gateway.StorageServiceURL},
		{ServiceName: "devices", PathPrefix: "/api/v1/devices", UpstreamURL: deviceServiceURL(cfg)},
		{ServiceName: "mcp", PathPrefix: "/api/v1/mcp", UpstreamURL: os.Getenv("MCP_SERVICE_URL")},
		{ServiceName: "llm", PathPrefix: "/api/v1/llm", UpstreamURL: llmServiceURL(cfg)},
		{ServiceName: "workflows", PathPrefix: "/api/v1/workflows", UpstreamURL: llmServiceURL(cfg)},
	}
	prx := proxy.New(routes)
	if cfg.Gateway.SpiffeSocketPath != "" {
		spiffeVerifier, err := identity.NewSPIFFEVerifier(cfg.Gateway.SpiffeSocketPath)
		if err != nil {
			slog.Warn("spiffe unavailable, proxying on default transport", "error", err)
		} else {
			defer spiffeVerifier.Close()
			prx.WithSPIFFE(spiffeVerifier)
		}
	}

	hub := realtime.NewHub()
	stopHeartbeat := make(chan struct{})
	hub.StartHeartbeat(stopHeartbeat)
	unsubscribeBridge := realtime.BridgeFrom(bus, hub)

	aggregator := health.New(
		health.Dependency{Name: "redis", Key: "redis", Run: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		health.Dependency{Name: "storage", Key: "storage", Run: func(ctx context.Context) error {
			_, err := catalog.GetPrincipal(ctx, "healthcheck")
			return err
		}},
	)

	mcp := mcpregistry.New()
	mcpDiscoveryCtx, stopMCPDiscovery := context.WithCancel(context.Background())
	go runMCPDiscoveryLoop(mcpDiscoveryCtx, mcp, os.Getenv("MCP_SERVICE_URL"))

	srv := gatewayapi.New(tokens, limiter, prx, hub, aggregator, mcp, cfg.Gateway.CORSOrigins,
		cfg.Gateway.RateLimitWindow, cfg.Gateway.RateLimitMax)
	router := srv.Router()

	addr := cfg.Gateway.Host + ":" + cfg.Gateway.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server stopped", "error", err)
		}
	}()

	waitForShutdown(httpServer, hub, bus)
	close(stopHeartbeat)
	unsubscribeBridge()
	stopMCPDiscovery()
}

// runMCPDiscoveryLoop periodically refreshes the MCP endpoint registry from
// the MCP subsystem's discovery feed (spec §1's "tool discovery"); a
// discovery failure just skips that cycle; last-known endpoints stay
// served.
func runMCPDiscoveryLoop(ctx context.Context, registry *mcpregistry.Registry, mcpServiceURL string) {
	if mcpServiceURL == "" {
		return
	}
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(mcpDiscoveryInterval)
	defer ticker.Stop()

	refresh := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mcpServiceURL+"/discover", nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("mcp discovery request failed", "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		var endpoints []mcpregistry.Endpoint
		if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
			slog.Warn("mcp discovery decode failed", "error", err)
			return
		}
		registry.Replace(endpoints)
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func waitForShutdown(srv *http.Server, hub *realtime.Hub, bus eventbus.Bus) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("gateway shutdown error", "error", err)
	}
	if err := bus.Close(); err != nil {
		slog.Warn("event bus close", "error", err)
	}
}

func deviceServiceURL(cfg *config.Config) string {
	if v := os.Getenv("DEVICE_SERVICE_URL"); v != "" {
		return v
	}
	return "http://localhost:" + cfg.Device.Port
}

func llmServiceURL(cfg *config.Config) string {
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		return v
	}
	return "http://localhost:" + cfg.LLM.Port
}

// secretOrGenerated returns secret if non-empty, otherwise a random 32-byte
// value — convenient for local development, never used when the env var is
// set in any real deployment.
func secretOrGenerated(secret string) []byte {
	if secret != "" {
		return []byte(secret)
	}
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	slog.Warn("no JWT secret configured, generated an ephemeral one — tokens will not survive a restart")
	return []byte(hex.EncodeToString(b))
}
