// Command deviced is the Device Management service's composition root
// (C6-C7): wires the catalog client, event bus, Device Registry Facade, and
// Connection Probe Engine onto the device HTTP surface.
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

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/catalogclient"
	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/config"
	"github.com/fleetops/platform/internal/device"
	"github.com/fleetops/platform/internal/deviceapi"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/health"
	"github.com/fleetops/platform/internal/probe"
)

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
	breakers := circuitbreaker.NewPlatformBreakers()
	catalog := catalogclient.New(cfg.Device.StorageServiceURL, 10*time.Second).WithBreaker(breakers.CatalogStore)

	facade := device.New(catalog, bus)
	probes := probe.New(0, bus) // default concurrency cap

	aggregator := health.New(
		health.Dependency{Name: "catalog", Key: "catalog", Run: func(ctx context.Context) error {
			_, err := catalog.GetPrincipal(ctx, "healthcheck")
			if appErr := apperr.As(err); appErr != nil && appErr.Kind == apperr.KindUpstreamUnavailable {
				return err
			}
			return nil // a 404/validation response still proves the store is reachable
		}},
	)

	srv := deviceapi.New(facade, probes, aggregator)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Device.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("device management listening", "port", cfg.Device.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("device management server stopped", "error", err)
		}
	}()

	waitForShutdown(httpServer, bus)
}

func waitForShutdown(srv *http.Server, bus eventbus.Bus) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("device management shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("device management shutdown error", "error", err)
	}
	if err := bus.Close(); err != nil {
		slog.Warn("event bus close", "error", err)
	}
}
