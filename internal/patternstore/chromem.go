package patternstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/embeddings"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

var chromemTracer = otel.Tracer("immunity.patternstore.chromem")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory; "~" is expanded. Empty means in-memory.
	Path     string
	Compress bool

	Collection string
}

// ChromemStore is a PatternStore backed by chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	provider   embeddings.Provider
	logger     *zap.Logger
}

// NewChromemStore opens or creates the pattern collection.
func NewChromemStore(cfg ChromemConfig, provider embeddings.Provider, logger *zap.Logger) (*ChromemStore, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if !collectionNamePattern.MatchString(cfg.Collection) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrInvalidConfig, cfg.Collection)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return provider.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem pattern store initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("patterns", collection.Count()),
	)
	return &ChromemStore{db: db, collection: collection, provider: provider, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Upsert replaces any stored pattern with the same ID.
func (s *ChromemStore) Upsert(ctx context.Context, p immunity.Pattern) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("pattern.id", p.ID), attribute.String("pattern.resolution", string(p.Resolution)))

	if err := validatePattern(p); err != nil {
		span.RecordError(err)
		return "", err
	}
	meta, err := encodeMetadata(p)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	vec, err := s.provider.EmbedQuery(ctx, p.Fingerprint.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("embedding fingerprint: %w", err)
	}

	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.Fingerprint.Text,
		Metadata:  meta,
		Embedding: vec,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("adding pattern %s: %w", p.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("pattern upserted",
		zap.String("id", p.ID),
		zap.String("key", p.Fingerprint.Key),
		zap.Int("occurrences", p.Occurrences),
	)
	return p.ID, nil
}

// FindSimilar returns exact fingerprint-key matches first, then the nearest
// neighbours by cosine similarity.
func (s *ChromemStore) FindSimilar(ctx context.Context, fp immunity.Fingerprint, limit int) ([]immunity.PatternMatch, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	count := s.collection.Count()
	if count == 0 || fp.Text == "" {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	vec, err := s.provider.EmbedQuery(ctx, fp.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding fingerprint: %w", err)
	}

	var exact []immunity.PatternMatch
	if fp.Key != "" {
		res, err := s.collection.QueryEmbedding(ctx, vec, 1, map[string]string{metaKey: fp.Key}, nil)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("querying by key: %w", err)
		}
		exact = s.toMatches(res, true)
	}

	res, err := s.collection.QueryEmbedding(ctx, vec, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	out := mergeMatches(exact, s.toMatches(res, false), limit)
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (s *ChromemStore) toMatches(results []chromem.Result, exact bool) []immunity.PatternMatch {
	out := make([]immunity.PatternMatch, 0, len(results))
	for _, r := range results {
		p, err := decodePattern(r.Metadata[metaPattern])
		if err != nil {
			s.logger.Warn("skipping undecodable pattern", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		sim := float64(r.Similarity)
		if exact {
			sim = 1
		}
		out = append(out, immunity.PatternMatch{Pattern: p, Similarity: sim})
	}
	return out
}

// Count returns the number of stored patterns.
func (s *ChromemStore) Count() int { return s.collection.Count() }

// Close is a no-op; persistent databases write through on every upsert.
func (s *ChromemStore) Close() error { return nil }
