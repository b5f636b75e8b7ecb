package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Duration is a non-negative time.Duration that decodes from Go duration
// strings ("250ms", "1h30m") and from whole days ("90d"), which is how
// history retention is usually written.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q is negative", text)
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}

// MarshalText writes whole days as "Nd" and everything else in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	v := d.Duration()
	if v >= day && v%day == 0 {
		return []byte(strconv.FormatInt(int64(v/day), 10) + "d"), nil
	}
	return []byte(v.String()), nil
}

// Duration converts to time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const redactedMarker = "[REDACTED]"

// Secret is a credential (NATS token, DSN password) that formats as
// [REDACTED] under %s, %v, %#v and JSON. Use Value to read it.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedMarker
}

func (s Secret) GoString() string {
	return "Secret(" + redactedMarker + ")"
}

// Value is the raw credential.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
