// Command llmd is the LLM Service's composition root (C8-C10): wires the
// Mongo-backed Provider Registry, the Redis-backed Response Cache, the
// circuit-breaker pool, and the Dispatcher onto the LLM HTTP surface.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/config"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/llmapi"
	"github.com/fleetops/platform/internal/llmcache"
	"github.com/fleetops/platform/internal/llmdispatch"
	"github.com/fleetops/platform/internal/llmlog"
	"github.com/fleetops/platform/internal/llmprovider"
	"github.com/fleetops/platform/internal/realtime"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBoot()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.LLM.MongoDBURL))
	if err != nil {
		slog.Error("connect mongo", "error", err)
		os.Exit(1)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	collection := mongoClient.Database("fleetops").Collection("llm_providers")
	if err := llmprovider.EnsureIndexes(ctx, collection); err != nil {
		slog.Error("ensure provider indexes", "error", err)
		os.Exit(1)
	}

	registry := llmprovider.New(collection, cfg.LLM.EncryptionKey)
	if err := bootstrapFromEnv(ctx, registry, cfg); err != nil {
		slog.Warn("bootstrap env provider", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus := eventbus.NewFromBackend(ctx, cfg.EventBus.Backend, cfg.EventBus.GCPProjectID, rdb, cfg.Redis.KeyPrefix+"events:")
	cache := llmcache.New(rdb, time.Hour)
	breakers := circuitbreaker.NewPlatformBreakers()
	hub := realtime.NewHub()

	requestLog, err := llmlog.Open(cfg.LLM.Postgres.DSN())
	var unsubscribeRequestLog func()
	if err != nil {
		slog.Warn("llm request log unavailable, continuing without durable logging", "error", err)
	} else {
		defer requestLog.Close()
		unsubscribeRequestLog = requestLog.SubscribeTo(bus)
	}

	dispatcher := llmdispatch.New(registry, cache, bus, breakers, hub, rdb)
	if envProvider := envChatProvider(cfg); envProvider != nil {
		dispatcher.SetEnvProvider(llmprovider.PurposeChat, envProvider)
		dispatcher.SetEnvProvider(llmprovider.PurposeWorkflow, envProvider)
	}

	reloadCtx, stopReload := context.WithCancel(context.Background())
	go dispatcher.RunReloadLoop(reloadCtx)

	aggregator := health.New(
		health.Dependency{Name: "mongo", Key: "mongo", Run: func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		}},
		health.Dependency{Name: "redis", Key: "redis", Run: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
	)

	srv := llmapi.New(registry, dispatcher, rdb, aggregator)
	httpServer := &http.Server{
		Addr:         ":" + cfg.LLM.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("llm service listening", "port", cfg.LLM.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("llm service stopped", "error", err)
		}
	}()

	waitForShutdown(httpServer, bus)
	stopReload()
	if unsubscribeRequestLog != nil {
		unsubscribeRequestLog()
	}
}

// envChatProvider builds a fallback provider from OPENAI_API_KEY/
// ANTHROPIC_API_KEY when one is set, so the dispatcher has somewhere to go
// before an operator has configured a provider through the API (spec §4.9
// selection step 3).
func envChatProvider(cfg *config.Config) *llmprovider.Provider {
	switch {
	case cfg.LLM.OpenAIAPIKey != "":
		return &llmprovider.Provider{
			ID: "env-openai", Name: "env-openai", Type: llmprovider.TypeOpenAI,
			Purpose: llmprovider.PurposeBoth, IsActive: true,
			Config: llmprovider.Config{APIKey: cfg.LLM.OpenAIAPIKey, BaseURL: "https://api.openai.com/v1"},
			Models: []string{"gpt-4o", "gpt-4o-mini"},
		}
	case cfg.LLM.AnthropicAPIKey != "":
		return &llmprovider.Provider{
			ID: "env-anthropic", Name: "env-anthropic", Type: llmprovider.TypeAnthropic,
			Purpose: llmprovider.PurposeBoth, IsActive: true,
			Config: llmprovider.Config{APIKey: cfg.LLM.AnthropicAPIKey, BaseURL: "https://api.anthropic.com"},
			Models: []string{"claude-3-5-sonnet", "claude-3-haiku"},
		}
	default:
		return nil
	}
}

// bootstrapFromEnv seeds the registry's first row from the same
// environment-provisioned credentials, so a fresh deployment has a durable
// default provider rather than relying solely on the in-memory env fallback.
func bootstrapFromEnv(ctx context.Context, registry *llmprovider.Registry, cfg *config.Config) error {
	seed := envChatProvider(cfg)
	if seed == nil {
		return nil
	}
	seed.Name = seed.Name + "-bootstrap"
	return registry.Bootstrap(ctx, seed)
}

func waitForShutdown(srv *http.Server, bus eventbus.Bus) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("llm service shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("llm service shutdown error", "error", err)
	}
	if err := bus.Close(); err != nil {
		slog.Warn("event bus close", "error", err)
	}
}
