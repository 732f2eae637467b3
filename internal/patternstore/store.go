// Package patternstore persists learned violation patterns in a vector
// database so similar violations can be matched across steps and sessions.
//
// Two backends are provided:
//   - chromem: embedded chromem-go, in-memory or persisted to gob files
//   - qdrant: a remote Qdrant instance over gRPC
//
// Both embed the fingerprint text with an embeddings.Provider and store the
// full pattern as JSON in the point metadata.
package patternstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/embeddings"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid pattern store configuration")

	// ErrInvalidPattern indicates a pattern that cannot be stored.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrCorruptPayload indicates a stored point whose pattern cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt pattern payload")
)

// DefaultCollection holds patterns unless configured otherwise.
const DefaultCollection = "immunity_patterns"

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Store is a closable immunity.PatternStore.
type Store interface {
	immunity.PatternStore
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "memory" (default), "chromem", or "qdrant".
	Backend string `koanf:"backend"`

	// Collection name, lowercase letters, digits and underscores.
	Collection string `koanf:"collection"`

	// Path is the chromem persistence directory. Empty keeps patterns in memory.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`

	Qdrant QdrantConfig `koanf:"qdrant"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, c.Collection)
	}
	switch c.Backend {
	case "memory", "chromem", "qdrant":
		return nil
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
}

// New creates the configured store.
func New(cfg Config, provider embeddings.Provider, logger *zap.Logger) (Store, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "qdrant":
		q := cfg.Qdrant
		q.Collection = cfg.Collection
		s, err := NewQdrantStore(q, provider, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "chromem":
		s, err := NewChromemStore(ChromemConfig{Path: cfg.Path, Compress: cfg.Compress, Collection: cfg.Collection}, provider, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewChromemStore(ChromemConfig{Collection: cfg.Collection}, provider, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Metadata keys shared by both backends.
const (
	metaID          = "id"
	metaKey         = "key"
	metaScope       = "scope"
	metaVectorID    = "vector_id"
	metaResolution  = "resolution"
	metaOccurrences = "occurrences"
	metaPattern     = "pattern"
)

func validatePattern(p immunity.Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}
	if p.Fingerprint.Key == "" || p.Fingerprint.Text == "" {
		return fmt.Errorf("%w: fingerprint key and text are required", ErrInvalidPattern)
	}
	return nil
}

func encodeMetadata(p immunity.Pattern) (map[string]string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding pattern %s: %w", p.ID, err)
	}
	return map[string]string{
		metaID:          p.ID,
		metaKey:         p.Fingerprint.Key,
		metaScope:       p.Scope,
		metaVectorID:    p.Fingerprint.VectorID,
		metaResolution:  string(p.Resolution),
		metaOccurrences: strconv.Itoa(p.Occurrences),
		metaPattern:     string(raw),
	}, nil
}

func decodePattern(raw string) (immunity.Pattern, error) {
	var p immunity.Pattern
	if raw == "" {
		return p, ErrCorruptPayload
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return p, nil
}

// mergeMatches puts exact-key hits first and drops duplicates by ID.
func mergeMatches(exact, similar []immunity.PatternMatch, limit int) []immunity.PatternMatch {
	out := make([]immunity.PatternMatch, 0, limit)
	seen := make(map[string]bool, limit)
	for _, group := range [][]immunity.PatternMatch{exact, similar} {
		for _, m := range group {
			if len(out) == limit {
				return out
			}
			if seen[m.Pattern.ID] {
				continue
			}
			seen[m.Pattern.ID] = true
			out = append(out, m)
		}
	}
	return out
}
