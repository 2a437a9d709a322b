package logging

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config is the resolved logger setup. Build it with FromConfig or
// NewDefaultConfig rather than by hand.
type Config struct {
	Level  zapcore.Level
	Format string

	Stdout bool
	OTEL   bool
	Caller bool

	// Sampling is nil when every entry is kept.
	Sampling *Sampling

	// Redact holds field names whose values are masked on stdout.
	Redact []string

	// Service is stamped on every entry as "service".
	Service string
}

// Sampling keeps the first First entries per message in each Tick, then
// every Thereafter-th. Errors bypass it.
type Sampling struct {
	Tick       time.Duration
	First      int
	Thereafter int
}

// credentialFields are the config keys and headers that carry secrets in
// this service.
var credentialFields = []string{
	"api_key",
	"openai_api_key",
	"qdrant_api_key",
	"nats_token",
	"authorization",
	"password",
}

func NewDefaultConfig() *Config {
	return &Config{
		Level:    zapcore.InfoLevel,
		Format:   "json",
		Stdout:   true,
		Caller:   true,
		Sampling: &Sampling{Tick: time.Second, First: 100, Thereafter: 10},
		Redact:   append([]string(nil), credentialFields...),
		Service:  "discoverd",
	}
}

// FromConfig resolves the log section of the process config. Extra
// redacted names extend the built-in list.
func FromConfig(c config.LogConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if c.Level != "" {
		lvl, err := LevelFromString(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = lvl
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	if !c.Sample {
		cfg.Sampling = nil
	}
	cfg.Redact = append(cfg.Redact, c.Redact...)
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format %q: want json or console", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return errors.New("no log output enabled")
	}
	if s := c.Sampling; s != nil && (s.Tick <= 0 || s.First <= 0) {
		return fmt.Errorf("sampling needs a positive tick and first count, got %v/%d", s.Tick, s.First)
	}
	return nil
}
