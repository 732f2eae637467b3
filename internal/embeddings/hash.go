package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDimension = 384

// HashProvider embeds text by feature hashing unigrams and bigrams into a
// fixed-width, L2-normalized vector. It needs no model, so it is the
// default for tests and air-gapped installs. Similarity reflects shared
// vocabulary, which suits normalized fingerprint text.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash provider. dimension <= 0 uses 384.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := p.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vec := make([]float64, p.dimension)
	add := func(feature string, weight float64) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, p.dimension)
	if norm == 0 {
		// Every feature cancelled out; fall back to a unit vector.
		out[0] = 1
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) Close() error { return nil }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '<' && r != '>'
	})
}
