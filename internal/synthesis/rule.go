// Package synthesis produces candidate patches for failing steps.
//
// RuleSynthesizer applies the exact replacements vectors attach to their
// violations. LLMSynthesizer asks a language model for a rewrite when no
// mechanical fix exists. Chain tries synthesizers in order. None of them
// commit anything: the immunity dispatcher re-scans every patch before
// surfacing it.
package synthesis

import (
	"context"
	"errors"
	"sort"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// SourceRule identifies patches produced by RuleSynthesizer.
const SourceRule = "rule"

// ErrNoApplicableFix is returned when no candidate carries a usable replacement.
var ErrNoApplicableFix = errors.New("no candidate carries an applicable replacement")

// RuleSynthesizer splices violation replacements into the content.
type RuleSynthesizer struct{}

// NewRule creates a rule-based synthesizer.
func NewRule() *RuleSynthesizer { return &RuleSynthesizer{} }

func (r *RuleSynthesizer) Synthesize(ctx context.Context, content string, candidates []immunity.RepairCandidate) (*immunity.PatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	patched, applied := Apply(content, candidates)
	if applied == 0 {
		return nil, ErrNoApplicableFix
	}
	return &immunity.PatchResult{Content: patched, Source: SourceRule}, nil
}

type edit struct {
	start, end  int
	replacement string
}

// Apply splices every candidate replacement whose span lies within content.
// Edits are applied back to front so earlier offsets stay valid; an edit
// overlapping one already applied is dropped. It returns the patched
// content and the number of edits applied.
func Apply(content string, candidates []immunity.RepairCandidate) (string, int) {
	edits := make([]edit, 0, len(candidates))
	for _, c := range candidates {
		v := c.Violation
		if v.Location == nil || v.Replacement == nil {
			continue
		}
		start, end := v.Location.StartOffset, v.Location.EndOffset
		if start < 0 || end > len(content) || start > end {
			continue
		}
		edits = append(edits, edit{start: start, end: end, replacement: *v.Replacement})
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start > edits[j].start
		}
		return edits[i].end > edits[j].end
	})

	applied := 0
	next := len(content)
	for _, e := range edits {
		if e.end > next {
			continue
		}
		content = content[:e.start] + e.replacement + content[e.end:]
		next = e.start
		applied++
	}
	return content, applied
}
