// Package config loads service configuration from YAML with environment
// variable overrides. Each service's cmd/*/main.go calls Load once and
// threads the result explicitly through its composition root; nothing in
// the request-handling path reads a package-level singleton.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the union of all four services' settings. Each service only
// reads the sub-struct(s) it cares about; unused sections are harmless.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Device   DeviceConfig   `yaml:"device"`
	LLM      LLMConfig      `yaml:"llm"`
	Redis    RedisConfig    `yaml:"redis"`
	EventBus EventBusConfig `yaml:"event_bus"`
}

// EventBusConfig selects the Event Bus Adapter's (C12) durable backend.
// "redis" (default) uses Redis pub/sub; "pubsub" uses GCP Pub/Sub and
// requires GCPProjectID.
type EventBusConfig struct {
	Backend      string `yaml:"backend"`
	GCPProjectID string `yaml:"gcp_project_id"`
}

type GatewayConfig struct {
	Port              string        `yaml:"port"`
	Host              string        `yaml:"host"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	JWTAccessSecret   string        `yaml:"jwt_access_secret"`
	JWTRefreshSecret  string        `yaml:"jwt_refresh_secret"`
	JWTAccessExpires  time.Duration `yaml:"jwt_access_expires_in"`
	JWTRefreshExpires time.Duration `yaml:"jwt_refresh_expires_in"`
	JWTIssuer         string        `yaml:"jwt_issuer"`
	StorageServiceURL string        `yaml:"storage_service_url"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window_ms"`
	RateLimitMax      int           `yaml:"rate_limit_max_requests"`
	SpiffeSocketPath  string        `yaml:"spiffe_socket_path"`
}

type DeviceConfig struct {
	Port              string   `yaml:"port"`
	StorageServiceURL string   `yaml:"storage_service_url"`
	InfluxDBURL       string   `yaml:"influxdb_url"`
	InfluxDBToken     string   `yaml:"influxdb_token"`
	KafkaBrokers      []string `yaml:"kafka_brokers"`
}

type LLMConfig struct {
	Port            string         `yaml:"port"`
	OpenAIAPIKey    string         `yaml:"openai_api_key"`
	AnthropicAPIKey string         `yaml:"anthropic_api_key"`
	Postgres        PostgresConfig `yaml:"postgres"`
	MongoDBURL      string         `yaml:"mongodb_url"`
	KafkaBrokers    []string       `yaml:"kafka_brokers"`
	EncryptionKey   string         `yaml:"encryption_key"`
	ReloadInterval  time.Duration  `yaml:"reload_interval"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Load reads the YAML file at path (if it exists) and applies environment
// variable overrides on top of it. A missing file is not an error — the
// service runs entirely off env vars plus defaults, matching how these
// services are deployed as containers with env-injected secrets.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	slog.Info("config loaded", "gateway_port", cfg.Gateway.Port, "device_port", cfg.Device.Port, "llm_port", cfg.LLM.Port)
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	// Gateway
	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.Host = getEnv("GATEWAY_HOST", c.Gateway.Host)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		c.Gateway.CORSOrigins = splitCSV(origins)
	}
	c.Gateway.TrustProxy = getEnvBool("TRUST_PROXY", c.Gateway.TrustProxy)
	c.Gateway.JWTAccessSecret = getEnv("JWT_ACCESS_SECRET", c.Gateway.JWTAccessSecret)
	c.Gateway.JWTRefreshSecret = getEnv("JWT_REFRESH_SECRET", c.Gateway.JWTRefreshSecret)
	c.Gateway.JWTAccessExpires = getEnvDuration("JWT_ACCESS_EXPIRES_IN", c.Gateway.JWTAccessExpires)
	c.Gateway.JWTRefreshExpires = getEnvDuration("JWT_REFRESH_EXPIRES_IN", c.Gateway.JWTRefreshExpires)
	c.Gateway.JWTIssuer = getEnv("JWT_ISSUER", c.Gateway.JWTIssuer)
	c.Gateway.StorageServiceURL = getEnv("STORAGE_SERVICE_URL", c.Gateway.StorageServiceURL)
	if v := getEnvInt("RATE_LIMIT_WINDOW_MS", 0); v > 0 {
		c.Gateway.RateLimitWindow = time.Duration(v) * time.Millisecond
	}
	if v := getEnvInt("RATE_LIMIT_MAX_REQUESTS", 0); v > 0 {
		c.Gateway.RateLimitMax = v
	}
	c.Gateway.SpiffeSocketPath = getEnv("SPIFFE_SOCKET_PATH", c.Gateway.SpiffeSocketPath)

	// Device service
	c.Device.Port = getEnv("PORT", c.Device.Port)
	c.Device.StorageServiceURL = getEnv("STORAGE_SERVICE_URL", c.Device.StorageServiceURL)
	c.Device.InfluxDBURL = getEnv("INFLUXDB_URL", c.Device.InfluxDBURL)
	c.Device.InfluxDBToken = getEnv("INFLUXDB_TOKEN", c.Device.InfluxDBToken)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Device.KafkaBrokers = splitCSV(brokers)
	}

	// LLM service
	c.LLM.Port = getEnv("LLM_SERVICE_PORT", c.LLM.Port)
	c.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.Postgres.Host = getEnv("POSTGRES_HOST", c.LLM.Postgres.Host)
	c.LLM.Postgres.Port = getEnv("POSTGRES_PORT", c.LLM.Postgres.Port)
	c.LLM.Postgres.User = getEnv("POSTGRES_USER", c.LLM.Postgres.User)
	c.LLM.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.LLM.Postgres.Password)
	c.LLM.Postgres.Database = getEnv("POSTGRES_DB", c.LLM.Postgres.Database)
	c.LLM.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", c.LLM.Postgres.SSLMode)
	c.LLM.MongoDBURL = getEnv("MONGODB_URL", c.LLM.MongoDBURL)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.LLM.KafkaBrokers = splitCSV(brokers)
	}
	c.LLM.EncryptionKey = getEnv("ENCRYPTION_KEY", c.LLM.EncryptionKey)
	c.LLM.ReloadInterval = getEnvDuration("LLM_RELOAD_INTERVAL", c.LLM.ReloadInterval)

	// Redis (shared by rate limiter, session store, response cache, realtime hub fan-out)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	// Event Bus backend selection
	c.EventBus.Backend = getEnv("EVENT_BUS_BACKEND", c.EventBus.Backend)
	c.EventBus.GCPProjectID = getEnv("EVENT_BUS_GCP_PROJECT_ID", c.EventBus.GCPProjectID)
}

func (c *Config) applyDefaults() {
	if c.EventBus.Backend == "" {
		c.EventBus.Backend = "redis"
	}
	if c.Gateway.Port == "" {
		c.Gateway.Port = "8080"
	}
	if c.Gateway.JWTAccessExpires == 0 {
		c.Gateway.JWTAccessExpires = time.Hour
	}
	if c.Gateway.JWTRefreshExpires == 0 {
		c.Gateway.JWTRefreshExpires = 7 * 24 * time.Hour
	}
	if c.Gateway.JWTIssuer == "" {
		c.Gateway.JWTIssuer = "gateway"
	}
	if c.Gateway.RateLimitWindow == 0 {
		c.Gateway.RateLimitWindow = 60 * time.Second
	}
	if c.Gateway.RateLimitMax == 0 {
		c.Gateway.RateLimitMax = 100
	}
	if len(c.Gateway.CORSOrigins) == 0 {
		c.Gateway.CORSOrigins = []string{"*"}
	}
	if c.Device.Port == "" {
		c.Device.Port = "8101"
	}
	if c.LLM.Port == "" {
		c.LLM.Port = "8301"
	}
	if c.LLM.Postgres.SSLMode == "" {
		c.LLM.Postgres.SSLMode = "disable"
	}
	if c.LLM.ReloadInterval == 0 {
		c.LLM.ReloadInterval = 30 * time.Second
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "platform:"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	// Support bare day suffix like "7d" used by JWT_REFRESH_EXPIRES_IN.
	if strings.HasSuffix(val, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(val, "d")); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
