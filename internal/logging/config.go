package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	// Stderr writes to stderr instead of stdout. The CLI prints results and
	// the stdio MCP transport speaks on stdout, so both log to stderr.
	Stderr bool

	// OTEL adds the OpenTelemetry bridge as a second output.
	OTEL bool

	// Service is attached to every entry.
	Service string

	Sampling SamplingConfig

	// Redact lists extra value patterns masked in string and error fields,
	// on top of DefaultRedactPatterns.
	Redact []string
}

// SamplingConfig bounds per-message volume below error level. A burst of
// identical "vector failed open" warnings under load is the usual case.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	First      int
	Thereafter int
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:   zapcore.InfoLevel,
		Format:  "json",
		Service: "immunity",
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			First:      100,
			Thereafter: 10,
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.First < 1 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling first must be >= 1 and thereafter >= 0")
		}
	}
	for _, p := range c.Redact {
		if len(p) > 200 {
			return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	return nil
}
