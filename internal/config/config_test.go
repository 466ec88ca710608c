package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/config"
)

func TestLoadDefaultsEventBusToRedis(t *testing.T) {
	t.Setenv("EVENT_BUS_BACKEND", "")
	t.Setenv("EVENT_BUS_GCP_PROJECT_ID", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.EventBus.Backend)
	assert.Empty(t, cfg.EventBus.GCPProjectID)
}

func TestLoadEventBusOverrides(t *testing.T) {
	t.Setenv("EVENT_BUS_BACKEND", "pubsub")
	t.Setenv("EVENT_BUS_GCP_PROJECT_ID", "fleetops-prod")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "pubsub", cfg.EventBus.Backend)
	assert.Equal(t, "fleetops-prod", cfg.EventBus.GCPProjectID)
}
