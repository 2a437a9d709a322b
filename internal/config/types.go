package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts Go duration syntax ("90s", "24h") or a bare count of
// seconds ("3600"), which is how cache TTLs usually arrive from env vars.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(secs) * time.Second
		if secs != 0 && parsed/time.Second != time.Duration(secs) {
			return fmt.Errorf("duration %q overflows", s)
		}
	} else {
		parsed, err = time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: want Go syntax or whole seconds: %w", s, err)
		}
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q is negative", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

const masked = "[REDACTED]"

// Secret is a credential loaded from config. Every printed or encoded form
// is masked; only Value exposes it.
type Secret string

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return masked
}

func (s Secret) GoString() string { return "config.Secret(" + strconv.Quote(s.String()) + ")" }

// MarshalText covers JSON and YAML encoders alike.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(strings.TrimSpace(string(text)))
	return nil
}
