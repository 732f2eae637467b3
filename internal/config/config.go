// Package config loads the immunity daemon and CLI configuration.
//
// Values come from defaults, then the YAML file, then IMMUNITY_* environment
// variables. Sections mirror the packages they configure; cmd/immunityd maps
// each section onto its package's own config type.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete immunity configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Immunity   ImmunityConfig   `koanf:"immunity"`
	Doctrine   DoctrineConfig   `koanf:"doctrine"`
	Patterns   PatternsConfig   `koanf:"patterns"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Synthesis  SynthesisConfig  `koanf:"synthesis"`
	NATS       NATSConfig       `koanf:"nats"`
	Security   SecurityConfig   `koanf:"security"`
	Vectors    VectorsConfig    `koanf:"vectors"`
	Hooks      HooksConfig      `koanf:"hooks"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`

	// MCP mounts the streamable MCP transport at /mcp.
	MCP bool `koanf:"mcp"`
}

// ImmunityConfig holds coordinator timeouts and learning limits.
type ImmunityConfig struct {
	VectorTimeout       Duration `koanf:"vector_timeout"`
	StepTimeout         Duration `koanf:"step_timeout"`
	RepairTimeout       Duration `koanf:"repair_timeout"`
	LearningTimeout     Duration `koanf:"learning_timeout"`
	MaxContentBytes     int      `koanf:"max_content_bytes"`
	LearningConcurrency int64    `koanf:"learning_concurrency"`
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	TombstoneSkipAfter  int      `koanf:"tombstone_skip_after"`
}

// DoctrineConfig locates the per-project doctrine file.
type DoctrineConfig struct {
	// Path is empty to run every scope on the default doctrine.
	Path     string   `koanf:"path"`
	Watch    bool     `koanf:"watch"`
	Debounce Duration `koanf:"debounce"`
}

// PatternsConfig selects the pattern store backend.
type PatternsConfig struct {
	// Backend is "memory", "chromem" or "qdrant".
	Backend    string       `koanf:"backend"`
	Collection string       `koanf:"collection"`
	Path       string       `koanf:"path"`
	Compress   bool         `koanf:"compress"`
	Qdrant     QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds the Qdrant gRPC connection.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// EmbeddingsConfig selects the embedding provider for pattern similarity.
type EmbeddingsConfig struct {
	// Provider is "hash", "fastembed", "tei" or "openai".
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// SynthesisConfig selects patch synthesis.
type SynthesisConfig struct {
	// Provider is "rule", "llm" (rule first, then the model) or "none".
	Provider  string  `koanf:"provider"`
	Model     string  `koanf:"model"`
	BaseURL   string  `koanf:"base_url"`
	APIKey    Secret  `koanf:"api_key"`
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	MaxTokens int     `koanf:"max_tokens"`
}

// NATSConfig holds event publishing and the request/reply step source.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"prefix"`

	// Embedded starts an in-process server on EmbeddedPort and ignores URL.
	Embedded     bool `koanf:"embedded"`
	EmbeddedPort int  `koanf:"embedded_port"`

	// Serve answers process and pre-commit requests over NATS.
	Serve          bool     `koanf:"serve"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// SecurityConfig feeds the security and dependency vectors.
type SecurityConfig struct {
	AllowlistPath string   `koanf:"allowlist_path"`
	DeniedModules []string `koanf:"denied_modules"`
}

// VectorsConfig enables opt-in vectors.
type VectorsConfig struct {
	// Extended lists extended vector IDs enabled by default, or "all".
	Extended    []string `koanf:"extended"`
	TokenBudget int      `koanf:"token_budget"`
}

// HooksConfig sizes the outcome event queue.
type HooksConfig struct {
	QueueSize int `koanf:"queue_size"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string   `koanf:"level"`
	Format string   `koanf:"format"`
	OTEL   bool     `koanf:"otel"`
	Redact []string `koanf:"redact"`
}

// TelemetryConfig is the subset of OTEL settings exposed in the file.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	VectorSpans bool    `koanf:"vector_spans"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "2M"
	}

	im := &cfg.Immunity
	if im.VectorTimeout == 0 {
		im.VectorTimeout = Duration(40 * time.Millisecond)
	}
	if im.StepTimeout == 0 {
		im.StepTimeout = Duration(50 * time.Millisecond)
	}
	if im.RepairTimeout == 0 {
		im.RepairTimeout = Duration(2 * time.Second)
	}
	if im.LearningTimeout == 0 {
		im.LearningTimeout = Duration(5 * time.Second)
	}
	if im.MaxContentBytes == 0 {
		im.MaxContentBytes = 1 << 20
	}
	if im.LearningConcurrency == 0 {
		im.LearningConcurrency = 32
	}
	if im.SimilarityThreshold == 0 {
		im.SimilarityThreshold = 0.92
	}

	if cfg.Doctrine.Debounce == 0 {
		cfg.Doctrine.Debounce = Duration(250 * time.Millisecond)
	}

	if cfg.Patterns.Backend == "" {
		cfg.Patterns.Backend = "memory"
	}
	if cfg.Patterns.Backend == "chromem" && cfg.Patterns.Path == "" {
		cfg.Patterns.Path = "~/.config/immunity/patterns"
	}
	if cfg.Patterns.Qdrant.Host == "" {
		cfg.Patterns.Qdrant.Host = "localhost"
	}
	if cfg.Patterns.Qdrant.Port == 0 {
		cfg.Patterns.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}

	if cfg.Synthesis.Provider == "" {
		cfg.Synthesis.Provider = "rule"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = "immunity"
	}
	if cfg.NATS.EmbeddedPort == 0 {
		cfg.NATS.EmbeddedPort = 4222
	}
	if cfg.NATS.RequestTimeout == 0 {
		cfg.NATS.RequestTimeout = Duration(5 * time.Second)
	}

	if cfg.Vectors.TokenBudget == 0 {
		cfg.Vectors.TokenBudget = 8000
	}
	if cfg.Hooks.QueueSize == 0 {
		cfg.Hooks.QueueSize = 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	im := c.Immunity
	if im.VectorTimeout > im.StepTimeout {
		errs = append(errs, fmt.Errorf("immunity.vector_timeout %v exceeds step_timeout %v",
			im.VectorTimeout.Duration(), im.StepTimeout.Duration()))
	}
	if im.MaxContentBytes < 0 {
		errs = append(errs, errors.New("immunity.max_content_bytes must be positive"))
	}
	if im.LearningConcurrency < 0 {
		errs = append(errs, errors.New("immunity.learning_concurrency must be positive"))
	}
	if im.SimilarityThreshold <= 0 || im.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("immunity.similarity_threshold must be in (0, 1], got %v", im.SimilarityThreshold))
	}
	if im.TombstoneSkipAfter < 0 {
		errs = append(errs, errors.New("immunity.tombstone_skip_after cannot be negative"))
	}

	if c.Doctrine.Watch && c.Doctrine.Path == "" {
		errs = append(errs, errors.New("doctrine.watch requires doctrine.path"))
	}

	if err := oneOf("patterns.backend", c.Patterns.Backend, "memory", "chromem", "qdrant"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("embeddings.provider", c.Embeddings.Provider, "hash", "fastembed", "tei", "openai"); err != nil {
		errs = append(errs, err)
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() {
		errs = append(errs, errors.New("embeddings.api_key is required for the openai provider"))
	}
	if err := oneOf("synthesis.provider", c.Synthesis.Provider, "rule", "llm", "none"); err != nil {
		errs = append(errs, err)
	}
	if c.Synthesis.Provider == "llm" && !c.Synthesis.APIKey.IsSet() && c.Synthesis.BaseURL == "" {
		errs = append(errs, errors.New("synthesis.api_key or synthesis.base_url is required for the llm provider"))
	}
	if c.Synthesis.RateLimit < 0 {
		errs = append(errs, errors.New("synthesis.rate_limit cannot be negative"))
	}

	if c.NATS.Enabled && !c.NATS.Embedded && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		errs = append(errs, fmt.Errorf("nats.url must be a nats:// or tls:// URL, got %q", c.NATS.URL))
	}
	if c.NATS.Serve && !c.NATS.Enabled {
		errs = append(errs, errors.New("nats.serve requires nats.enabled"))
	}

	if c.Hooks.QueueSize < 1 || c.Hooks.QueueSize > 65536 {
		errs = append(errs, fmt.Errorf("hooks.queue_size must be between 1 and 65536, got %d", c.Hooks.QueueSize))
	}

	if err := oneOf("logging.format", c.Logging.Format, "json", "console"); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

func oneOf(field, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), got)
}
