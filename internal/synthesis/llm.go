package synthesis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

const (
	SourceLLM = "llm"

	defaultLLMModel  = "gpt-4o-mini"
	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 4

	// secretKind is the security vector's violation kind for credentials.
	secretKind = "security.secret"
)

var (
	// ErrEmptyCompletion is returned when the model answers with no code.
	ErrEmptyCompletion = errors.New("model returned no content")

	// ErrMissingAPIKey is returned when no token is configured.
	ErrMissingAPIKey = errors.New("llm API key required")
)

var fencedBlock = regexp.MustCompile("(?s)```[\\w.+-]*\\n(.*?)\\n?```")

// LLMConfig configures the model-backed synthesizer.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible endpoint. Empty uses the OpenAI default.
	BaseURL string

	// Model name (default: gpt-4o-mini).
	Model string

	// APIKey for the endpoint.
	APIKey string

	// RateLimit caps requests per second (default: 2).
	RateLimit float64

	// Burst is the limiter's bucket size (default: 4).
	Burst int

	// MaxTokens bounds the completion (default: 4096).
	MaxTokens int
}

// LLMSynthesizer rewrites content with a language model. Detected secrets
// are redacted before the content leaves the process.
type LLMSynthesizer struct {
	model     llms.Model
	limiter   *rate.Limiter
	maxTokens int
	logger    *zap.Logger
}

// NewLLM creates a synthesizer backed by an OpenAI-compatible endpoint.
func NewLLM(cfg LLMConfig, logger *zap.Logger) (*LLMSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewLLMWithModel(llm, cfg, logger), nil
}

// NewLLMWithModel wraps an existing langchaingo model.
func NewLLMWithModel(model llms.Model, cfg LLMConfig, logger *zap.Logger) *LLMSynthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &LLMSynthesizer{
		model:     model,
		limiter:   rate.NewLimiter(rate.Limit(limit), burst),
		maxTokens: maxTokens,
		logger:    logger,
	}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, content string, candidates []immunity.RepairCandidate) (*immunity.PatchResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	redacted, secrets := redactSecrets(content, candidates)
	prompt := buildPrompt(redacted, candidates)

	start := time.Now()
	completion, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("generating patch: %w", err)
	}
	s.logger.Debug("llm patch generated",
		zap.Duration("duration", time.Since(start)),
		zap.Int("candidates", len(candidates)),
		zap.Int("secrets_redacted", secrets),
	)

	patched := extractCode(completion)
	if strings.TrimSpace(patched) == "" {
		return nil, ErrEmptyCompletion
	}
	if strings.HasSuffix(content, "\n") && !strings.HasSuffix(patched, "\n") {
		patched += "\n"
	}
	return &immunity.PatchResult{Content: patched, Source: SourceLLM}, nil
}

// redactSecrets applies the redaction replacements of secret candidates.
func redactSecrets(content string, candidates []immunity.RepairCandidate) (string, int) {
	var secrets []immunity.RepairCandidate
	for _, c := range candidates {
		if c.Violation.Kind == secretKind {
			secrets = append(secrets, c)
		}
	}
	return Apply(content, secrets)
}

func buildPrompt(content string, candidates []immunity.RepairCandidate) string {
	var b strings.Builder
	b.WriteString("Rewrite the content below so that every listed problem is fixed.\n")
	b.WriteString("Change nothing else. Reply with the complete corrected content in one fenced code block.\n\n")
	b.WriteString("Problems:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. [%s] %s (%s)", i+1, c.VectorID, c.Violation.Message, c.Violation.Kind)
		if loc := c.Violation.Location; loc != nil {
			fmt.Fprintf(&b, " at line %d", loc.Line)
		}
		fmt.Fprintf(&b, "\n   Suggested fix: %s\n", c.SuggestedFix)
		if c.KnownFix != "" {
			fmt.Fprintf(&b, "   Previously accepted fix: %s\n", c.KnownFix)
		}
	}
	b.WriteString("\nContent:\n```\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	return b.String()
}

// extractCode returns the first fenced block, or the whole reply when
// the model did not fence its answer.
func extractCode(completion string) string {
	if m := fencedBlock.FindStringSubmatch(completion); m != nil {
		return m[1]
	}
	return strings.TrimSpace(completion)
}
