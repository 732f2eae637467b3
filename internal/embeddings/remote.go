package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// RemoteConfig configures an OpenAI-compatible embeddings endpoint.
type RemoteConfig struct {
	// BaseURL is the endpoint, e.g. http://localhost:8080/v1 for TEI.
	BaseURL string

	// Model is the embedding model name (default: BAAI/bge-small-en-v1.5).
	Model string

	// APIKey is required for OpenAI and optional for TEI.
	APIKey string

	// Kind is "tei" or "openai".
	Kind string
}

// Validate validates the configuration.
func (c RemoteConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Kind == "openai" && c.APIKey == "" {
		return fmt.Errorf("%w: API key required for openai", ErrInvalidConfig)
	}
	return nil
}

// RemoteProvider generates embeddings through langchaingo's OpenAI client,
// which also speaks to TEI's OpenAI-compatible route.
type RemoteProvider struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
	metrics   *Metrics
}

// NewRemoteProvider creates a provider for an OpenAI-compatible endpoint.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-small-en-v1.5"
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token, use placeholder for TEI
		apiKey = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &RemoteProvider{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: detectDimensionFromModel(cfg.Model),
		metrics:   NewMetrics(zap.NewNop()),
	}, nil
}

func (p *RemoteProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		return nil, genErr
	}
	return vectors, nil
}

func (p *RemoteProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		return nil, genErr
	}
	return vector, nil
}

// Dimension returns the dimension inferred from the model name.
func (p *RemoteProvider) Dimension() int { return p.dimension }

// Close is a no-op since the client is HTTP.
func (p *RemoteProvider) Close() error { return nil }
