package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "PATTERND_"

const maxConfigFileSize = 1024 * 1024 // 1MB

// nestedSections are the koanf paths deeper than one level. The env
// transformer needs them to tell section separators from underscores that
// belong to field names.
var nestedSections = []string{
	"server.rate_limit",
	"storage.postgres",
	"history.secrets",
	"logging.sampling",
	"logging.redaction",
	"logging.fields",
	"telemetry.sampling",
	"telemetry.metrics",
	"telemetry.shutdown",
}

func init() {
	// Longest first so storage.postgres wins over storage.
	sort.Slice(nestedSections, func(i, j int) bool {
		return len(nestedSections[i]) > len(nestedSections[j])
	})
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), and PATTERND_* environment variables, in increasing
// precedence.
//
// Environment variables map to keys by section:
//
//	PATTERND_SERVER_PORT                 -> server.port
//	PATTERND_SERVER_RATE_LIMIT_RPS       -> server.rate_limit.rps
//	PATTERND_STORAGE_POSTGRES_DSN        -> storage.postgres.dsn
//	PATTERND_HISTORY_WINDOW_DAYS         -> history.window_days
//	PATTERND_TELEMETRY_METRICS_ENABLED   -> telemetry.metrics.enabled
//
// The file must be at most 1MB and not writable by group or others.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps PATTERND_SECTION_FIELD_NAME to section.field_name, honoring
// nestedSections.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	for _, section := range nestedSections {
		p := strings.ReplaceAll(section, ".", "_") + "_"
		if strings.HasPrefix(lower, p) {
			return section + "." + strings.TrimPrefix(lower, p)
		}
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens path once and validates the open descriptor, so
// the checked file is the one read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	// The file can carry the Postgres DSN and the NATS token.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
