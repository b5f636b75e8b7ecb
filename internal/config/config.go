// Package config loads patternd configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// PATTERND_* environment variables. Every section validates itself.
package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // engine.timezone must resolve in minimal images

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/postgres"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the complete patternd configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Engine    EngineConfig     `koanf:"engine"`
	Updater   UpdaterConfig    `koanf:"updater"`
	History   HistoryConfig    `koanf:"history"`
	Cache     CacheConfig      `koanf:"cache"`
	NATS      NATSConfig       `koanf:"nats"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string          `koanf:"host"`
	Port            int             `koanf:"port"`
	ShutdownTimeout Duration        `koanf:"shutdown_timeout"`
	BodyLimit       string          `koanf:"body_limit"` // echo size string, e.g. "1M"
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig is a token bucket applied to the API routes.
// RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// StorageConfig selects where aggregates and history live.
type StorageConfig struct {
	Backend     string          `koanf:"backend"`
	AutoMigrate bool            `koanf:"auto_migrate"`
	Postgres    postgres.Config `koanf:"postgres"`
}

// EngineConfig holds dimension derivation settings.
type EngineConfig struct {
	// Timezone is the IANA zone used to bucket event timestamps into time
	// of day and weekday.
	Timezone string `koanf:"timezone"`
}

// Location resolves Timezone.
func (c EngineConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// UpdaterConfig bounds conflict retries.
type UpdaterConfig struct {
	MaxAttempts  int      `koanf:"max_attempts"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// HistoryConfig controls the raw outcome window.
type HistoryConfig struct {
	Retention     Duration `koanf:"retention"`
	WindowDays    int      `koanf:"window_days"`
	PruneInterval Duration `koanf:"prune_interval"`

	// Secrets controls redaction of credentials from stored feedback text.
	Secrets SecretsConfig `koanf:"secrets"`
}

// SecretsConfig controls Gitleaks redaction of stored feedback.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistFile string `koanf:"allowlist_file"` // optional TOML allowlist
}

// CacheConfig controls the insight cache.
type CacheConfig struct {
	Enabled bool     `koanf:"enabled"`
	MaxCost int64    `koanf:"max_cost"`
	TTL     Duration `koanf:"ttl"`
}

// NATSConfig controls the JetStream outcome consumer.
type NATSConfig struct {
	Enabled    bool     `koanf:"enabled"`
	URL        string   `koanf:"url"`
	Token      Secret   `koanf:"token"`
	Stream     string   `koanf:"stream"`
	Subject    string   `koanf:"subject"`
	Durable    string   `koanf:"durable"`
	AckWait    Duration `koanf:"ack_wait"`
	MaxDeliver int      `koanf:"max_deliver"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "1M",
			RateLimit:       RateLimitConfig{RPS: 50, Burst: 100},
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Postgres: postgres.Config{
				MaxConns:        10,
				MaxConnLifetime: time.Hour,
			},
		},
		Engine: EngineConfig{Timezone: "UTC"},
		Updater: UpdaterConfig{
			MaxAttempts:  5,
			RetryBackoff: Duration(5 * time.Millisecond),
		},
		History: HistoryConfig{
			Retention:     Duration(90 * 24 * time.Hour),
			WindowDays:    30,
			PruneInterval: Duration(time.Hour),
			Secrets:       SecretsConfig{Enabled: true},
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxCost: 64 << 20,
			TTL:     Duration(10 * time.Minute),
		},
		NATS: NATSConfig{
			URL:        "nats://127.0.0.1:4222",
			Stream:     "PATTERND_OUTCOMES",
			Subject:    "patternd.outcomes.>",
			Durable:    "patternd-updater",
			AckWait:    Duration(30 * time.Second),
			MaxDeliver: 5,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("server.rate_limit.rps must be >= 0"))
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("server.rate_limit.burst must be >= 1 when limiting"))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Storage.Postgres.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.postgres: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q",
			BackendMemory, BackendPostgres, c.Storage.Backend))
	}

	if _, err := c.Engine.Location(); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}

	if c.Updater.MaxAttempts < 1 {
		errs = append(errs, errors.New("updater.max_attempts must be >= 1"))
	}

	if c.History.WindowDays < 1 {
		errs = append(errs, errors.New("history.window_days must be >= 1"))
	}
	if c.History.Retention.Duration() < time.Duration(c.History.WindowDays)*24*time.Hour {
		errs = append(errs, errors.New("history.retention must cover history.window_days"))
	}
	if c.History.PruneInterval <= 0 {
		errs = append(errs, errors.New("history.prune_interval must be positive"))
	}

	if c.Cache.Enabled {
		if c.Cache.MaxCost <= 0 {
			errs = append(errs, errors.New("cache.max_cost must be positive when cache enabled"))
		}
		if c.Cache.TTL <= 0 {
			errs = append(errs, errors.New("cache.ttl must be positive when cache enabled"))
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "" || c.NATS.Durable == "" {
			errs = append(errs, errors.New("nats.url, nats.stream, nats.subject and nats.durable are required when nats enabled"))
		}
		if c.NATS.AckWait <= 0 {
			errs = append(errs, errors.New("nats.ack_wait must be positive"))
		}
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
