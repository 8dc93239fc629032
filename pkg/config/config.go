package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bosslabs/pulse/pkg/observability"
	"github.com/bosslabs/pulse/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Rollup and retention configuration
	Aggregation AggregationConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	CORSOrigins []string

	// Per-subscriber buffer for the real-time feed
	NotifierBuffer int
}

// AggregationConfig holds rollup schedules and the retention window
type AggregationConfig struct {
	HourlySchedule    string
	DailySchedule     string
	RetentionSchedule string
	RetentionDays     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Aggregation:   loadAggregationConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PULSE_HOST", "0.0.0.0"),
		Port:            getEnv("PULSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PULSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PULSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PULSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PULSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PULSE_HEALTH_PORT", "9090"),
		CORSOrigins:     strings.Split(getEnv("PULSE_CORS_ORIGINS", "*"), ","),
		NotifierBuffer:  getEnvInt("PULSE_NOTIFIER_BUFFER", 16),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if path := getEnv("PULSE_DB_PATH", ""); path != "" {
		cfg.Path = path
	}
	cfg.BusyTimeout = getEnvDuration("PULSE_DB_BUSY_TIMEOUT", cfg.BusyTimeout)

	cfg.CacheEnabled = getEnvBool("PULSE_CACHE_ENABLED", false)
	cfg.RedisAddr = getEnv("PULSE_REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("PULSE_REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("PULSE_REDIS_DB", 0)
	cfg.CacheTTL = getEnvDuration("PULSE_CACHE_TTL", cfg.CacheTTL)

	return cfg
}

// loadAggregationConfig loads rollup schedules from environment.
// Schedules use standard cron syntax.
func loadAggregationConfig() AggregationConfig {
	return AggregationConfig{
		HourlySchedule:    getEnv("PULSE_ROLLUP_HOURLY_SCHEDULE", "5 * * * *"),
		DailySchedule:     getEnv("PULSE_ROLLUP_DAILY_SCHEDULE", "15 0 * * *"),
		RetentionSchedule: getEnv("PULSE_RETENTION_SCHEDULE", "45 1 * * *"),
		RetentionDays:     getEnvInt("PULSE_RETENTION_DAYS", 90),
	}
}

// loadObservabilityConfig loads observability settings from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PULSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PULSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PULSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PULSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PULSE_OTEL_SERVICE_NAME", "pulse"),
		OTelServiceVersion: getEnv("PULSE_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("PULSE_OTEL_INSECURE", true),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Storage.CacheEnabled && c.Storage.RedisAddr == "" {
		return fmt.Errorf("redis address is required when the cache is enabled")
	}

	if c.Aggregation.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns the environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
