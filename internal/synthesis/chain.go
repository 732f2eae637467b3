package synthesis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// Chain tries synthesizers in order and returns the first patch. The
// dispatcher reads Stages and verifies each patch before falling through,
// so a rule patch that fails verification still reaches the LLM.
type Chain struct {
	synths []immunity.Synthesizer
	logger *zap.Logger
}

// NewChain builds a chain, skipping nil entries.
func NewChain(logger *zap.Logger, synths ...immunity.Synthesizer) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger}
	for _, s := range synths {
		if s != nil {
			c.synths = append(c.synths, s)
		}
	}
	return c
}

// Len returns the number of synthesizers in the chain.
func (c *Chain) Len() int { return len(c.synths) }

// Stages returns the synthesizers in order.
func (c *Chain) Stages() []immunity.Synthesizer {
	return append([]immunity.Synthesizer(nil), c.synths...)
}

var _ immunity.StagedSynthesizer = (*Chain)(nil)

func (c *Chain) Synthesize(ctx context.Context, content string, candidates []immunity.RepairCandidate) (*immunity.PatchResult, error) {
	var errs []error
	for i, s := range c.synths {
		patch, err := s.Synthesize(ctx, content, candidates)
		if err == nil && patch != nil && patch.Content != content {
			return patch, nil
		}
		if err == nil {
			err = errors.New("patch left content unchanged")
		}
		errs = append(errs, fmt.Errorf("synthesizer %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("synthesizer declined, trying next", zap.Int("index", i), zap.Error(err))
	}
	if len(errs) == 0 {
		return nil, ErrNoApplicableFix
	}
	return nil, errors.Join(errs...)
}
