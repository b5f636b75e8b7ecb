package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patternd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"PATTERND_SERVER_PORT", "server.port"},
		{"PATTERND_SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"PATTERND_SERVER_RATE_LIMIT_RPS", "server.rate_limit.rps"},
		{"PATTERND_STORAGE_BACKEND", "storage.backend"},
		{"PATTERND_STORAGE_AUTO_MIGRATE", "storage.auto_migrate"},
		{"PATTERND_STORAGE_POSTGRES_DSN", "storage.postgres.dsn"},
		{"PATTERND_STORAGE_POSTGRES_MAX_CONNS", "storage.postgres.max_conns"},
		{"PATTERND_HISTORY_WINDOW_DAYS", "history.window_days"},
		{"PATTERND_HISTORY_SECRETS_ALLOWLIST_FILE", "history.secrets.allowlist_file"},
		{"PATTERND_LOGGING_LEVEL", "logging.level"},
		{"PATTERND_LOGGING_SAMPLING_ENABLED", "logging.sampling.enabled"},
		{"PATTERND_LOGGING_FIELDS_ENV", "logging.fields.env"},
		{"PATTERND_TELEMETRY_SERVICE_NAME", "telemetry.service_name"},
		{"PATTERND_TELEMETRY_METRICS_EXPORT_INTERVAL", "telemetry.metrics.export_interval"},
		{"PATTERND_NATS_TOKEN", "nats.token"},
		{"PATTERND_DEBUG", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9191
  shutdown_timeout: 3s
  rate_limit:
    rps: 10
    burst: 20
storage:
  backend: postgres
  postgres:
    dsn: postgres://patternd@localhost/patternd
    max_conns: 4
engine:
  timezone: Europe/Berlin
updater:
  retry_backoff: 20ms
history:
  window_days: 14
  retention: 60d
  secrets:
    enabled: false
cache:
  enabled: false
logging:
  level: debug
  format: console
  fields:
    env: staging
telemetry:
  sampling:
    rate: 0.25
  metrics:
    export_interval: 30s
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 10.0, cfg.Server.RateLimit.RPS)
	assert.Equal(t, 20, cfg.Server.RateLimit.Burst)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://patternd@localhost/patternd", cfg.Storage.Postgres.DSN)
	assert.Equal(t, int32(4), cfg.Storage.Postgres.MaxConns)
	assert.Equal(t, time.Hour, cfg.Storage.Postgres.MaxConnLifetime, "untouched defaults survive")
	assert.Equal(t, "Europe/Berlin", cfg.Engine.Timezone)
	assert.Equal(t, 20*time.Millisecond, cfg.Updater.RetryBackoff.Duration())
	assert.Equal(t, 5, cfg.Updater.MaxAttempts)
	assert.Equal(t, 14, cfg.History.WindowDays)
	assert.Equal(t, 60*24*time.Hour, cfg.History.Retention.Duration())
	assert.False(t, cfg.History.Secrets.Enabled)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "staging", cfg.Logging.Fields["env"])
	assert.Equal(t, "patternd", cfg.Logging.Fields["service"])
	assert.Equal(t, 0.25, cfg.Telemetry.Sampling.Rate)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.Metrics.ExportInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0o600)

	t.Setenv("PATTERND_SERVER_PORT", "7070")
	t.Setenv("PATTERND_STORAGE_BACKEND", "postgres")
	t.Setenv("PATTERND_STORAGE_POSTGRES_DSN", "postgres://env@db/patternd")
	t.Setenv("PATTERND_NATS_ENABLED", "true")
	t.Setenv("PATTERND_NATS_TOKEN", "s3cr3t")
	t.Setenv("PATTERND_HISTORY_RETENTION", "720h")
	t.Setenv("PATTERND_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://env@db/patternd", cfg.Storage.Postgres.DSN)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "s3cr3t", cfg.NATS.Token.Value())
	assert.Equal(t, 720*time.Hour, cfg.History.Retention.Duration())
	assert.Equal(t, zapcore.WarnLevel, cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open config file")
	})

	t.Run("world writable", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 9191\n", 0o666)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("too large", func(t *testing.T) {
		path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [port\n", 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config file")
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "updater:\n  retry_backoff: later\n", 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal")
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("PATTERND_STORAGE_BACKEND", "sqlite")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation failed")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
	})
}
