package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosslabs/pulse/pkg/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 16, cfg.Server.NotifierBuffer)

	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout)
	assert.False(t, cfg.Storage.CacheEnabled)

	assert.Equal(t, "5 * * * *", cfg.Aggregation.HourlySchedule)
	assert.Equal(t, 90, cfg.Aggregation.RetentionDays)

	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PULSE_PORT", "9000")
	t.Setenv("PULSE_DB_PATH", "/tmp/pulse-test.db")
	t.Setenv("PULSE_DB_BUSY_TIMEOUT", "2s")
	t.Setenv("PULSE_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("PULSE_RETENTION_DAYS", "30")
	t.Setenv("PULSE_LOG_LEVEL", "debug")
	t.Setenv("PULSE_CACHE_ENABLED", "true")
	t.Setenv("PULSE_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "/tmp/pulse-test.db", cfg.Storage.Path)
	assert.Equal(t, 2*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30, cfg.Aggregation.RetentionDays)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Storage.CacheEnabled)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PULSE_RETENTION_DAYS", "soon")
	t.Setenv("PULSE_READ_TIMEOUT", "fast")
	t.Setenv("PULSE_METRICS_ENABLED", "yep")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.Aggregation.RetentionDays)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Observability.MetricsEnabled)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:        loadServerConfig(),
			Storage:       loadStorageConfig(),
			Aggregation:   loadAggregationConfig(),
			Observability: loadObservabilityConfig(),
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Server.HealthPort = cfg.Server.Port
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.CacheEnabled = true
	cfg.Storage.RedisAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Aggregation.RetentionDays = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Observability.OTelEnabled = true
	cfg.Observability.OTelEndpoint = ""
	assert.Error(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, observability.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, observability.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, observability.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, observability.InfoLevel, parseLogLevel("whatever"))
}
