package patternstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/immunity/internal/embeddings"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

var qdrantTracer = otel.Tracer("immunity.patternstore.qdrant")

// patternNamespace derives stable point IDs for pattern IDs that are not UUIDs.
var patternNamespace = uuid.MustParse("6f1c8a52-3b0e-4f6d-9a7e-1d2c5b8e4a90")

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	// Host default: "localhost"
	Host string `koanf:"host"`

	// Port is the gRPC port (default 6334), not the HTTP port.
	Port int `koanf:"port"`

	UseTLS bool   `koanf:"use_tls"`
	APIKey string `koanf:"api_key"`

	// Collection is filled from the parent Config.
	Collection string `koanf:"-"`

	// MaxRetries for transient failures (default: 3).
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff doubles per attempt (default: 200ms).
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxMessageSize in bytes (default: 16MB).
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: invalid collection name %q", ErrInvalidConfig, c.Collection)
	}
	return nil
}

// QdrantStore is a PatternStore backed by Qdrant.
type QdrantStore struct {
	client   *qdrant.Client
	provider embeddings.Provider
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantStore connects, health-checks, and creates the collection if missing.
func NewQdrantStore(cfg QdrantConfig, provider embeddings.Provider, logger *zap.Logger) (*QdrantStore, error) {
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
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, provider: provider, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant pattern store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.retry(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.provider.Dimension()),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.ResourceExhausted, grpccodes.Aborted:
		return true
	default:
		return false
	}
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(patternNamespace, []byte(id)).String())
}

// Upsert replaces any stored pattern with the same ID.
func (s *QdrantStore) Upsert(ctx context.Context, p immunity.Pattern) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("pattern.id", p.ID))

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

	payload := make(map[string]any, len(meta))
	for k, v := range meta {
		payload[k] = v
	}
	payload[metaOccurrences] = int64(p.Occurrences)

	wait := true
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           &wait,
			Points: []*qdrant.PointStruct{{
				Id:      pointID(p.ID),
				Vectors: qdrant.NewVectors(vec...),
				Payload: qdrant.NewValueMap(payload),
			}},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("upserting pattern %s: %w", p.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return p.ID, nil
}

// FindSimilar returns exact fingerprint-key matches first, then the nearest
// neighbours by cosine similarity.
func (s *QdrantStore) FindSimilar(ctx context.Context, fp immunity.Fingerprint, limit int) ([]immunity.PatternMatch, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if fp.Text == "" {
		return nil, nil
	}
	vec, err := s.provider.EmbedQuery(ctx, fp.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding fingerprint: %w", err)
	}

	var exact []immunity.PatternMatch
	if fp.Key != "" {
		points, err := s.query(ctx, vec, 1, &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(metaKey, fp.Key)},
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		exact = s.toMatches(points, true)
	}

	points, err := s.query(ctx, vec, limit, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := mergeMatches(exact, s.toMatches(points, false), limit)
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (s *QdrantStore) query(ctx context.Context, vec []float32, limit int, filter *qdrant.Filter) ([]*qdrant.ScoredPoint, error) {
	var points []*qdrant.ScoredPoint
	err := s.retry(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}
	return points, nil
}

func (s *QdrantStore) toMatches(points []*qdrant.ScoredPoint, exact bool) []immunity.PatternMatch {
	out := make([]immunity.PatternMatch, 0, len(points))
	for _, pt := range points {
		raw := ""
		if v, ok := pt.GetPayload()[metaPattern]; ok {
			raw = v.GetStringValue()
		}
		p, err := decodePattern(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable pattern", zap.String("point", pt.GetId().GetUuid()), zap.Error(err))
			continue
		}
		sim := float64(pt.GetScore())
		if exact {
			sim = 1
		}
		out = append(out, immunity.PatternMatch{Pattern: p, Similarity: sim})
	}
	return out
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
