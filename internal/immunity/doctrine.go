package immunity

import (
	"fmt"
	"math"
	"regexp"
	"sort"
)

// DefaultConfidenceThreshold is used when a doctrine leaves the threshold unset.
const DefaultConfidenceThreshold = 0.7

var vectorIDPattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// DoctrineConfig is the per-project override set. It is read-only for the
// duration of an invocation; replacing it is an explicit reload.
type DoctrineConfig struct {
	// Scope names the project the doctrine applies to.
	Scope string `json:"scope,omitempty" koanf:"scope"`

	// Weights replaces vector default weights by identifier.
	Weights map[string]float64 `json:"weights,omitempty" koanf:"weights"`

	// Enabled overrides vector default enablement by identifier.
	Enabled map[string]bool `json:"enabled,omitempty" koanf:"enabled"`

	// ConfidenceThreshold gates both the verdict and repair eligibility.
	// Nil means DefaultConfidenceThreshold; an explicit 0 is kept.
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" koanf:"confidence_threshold"`
}

// ThresholdOf returns a pointer to v for DoctrineConfig.ConfidenceThreshold.
func ThresholdOf(v float64) *float64 { return &v }

// DefaultDoctrine returns a doctrine with no overrides.
func DefaultDoctrine() *DoctrineConfig {
	return &DoctrineConfig{ConfidenceThreshold: ThresholdOf(DefaultConfidenceThreshold)}
}

// Threshold returns the effective confidence threshold.
func (d *DoctrineConfig) Threshold() float64 {
	if d == nil || d.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *d.ConfidenceThreshold
}

// Validate checks ranges and identifier syntax.
func (d *DoctrineConfig) Validate() error {
	if d == nil {
		return nil
	}
	if t := d.ConfidenceThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return &ValidationError{Field: "confidence_threshold", Err: ErrInvalidThreshold}
	}
	for _, id := range sortedKeys(d.Weights) {
		if !vectorIDPattern.MatchString(id) {
			return &ValidationError{Field: "weights." + id, Err: ErrInvalidVectorID}
		}
		w := d.Weights[id]
		if math.IsNaN(w) || w < 0 || w > 1 {
			return &ValidationError{Field: "weights." + id, Err: fmt.Errorf("%w: got %v", ErrInvalidWeight, w)}
		}
	}
	for _, id := range sortedKeys(d.Enabled) {
		if !vectorIDPattern.MatchString(id) {
			return &ValidationError{Field: "enabled." + id, Err: ErrInvalidVectorID}
		}
	}
	return nil
}

// Merge returns a copy of base with the overrides of d applied on top.
func (d *DoctrineConfig) Merge(base *DoctrineConfig) *DoctrineConfig {
	out := &DoctrineConfig{
		Weights: make(map[string]float64),
		Enabled: make(map[string]bool),
	}
	for _, src := range []*DoctrineConfig{base, d} {
		if src == nil {
			continue
		}
		if src.Scope != "" {
			out.Scope = src.Scope
		}
		if src.ConfidenceThreshold != nil {
			out.ConfidenceThreshold = ThresholdOf(*src.ConfidenceThreshold)
		}
		for k, v := range src.Weights {
			out.Weights[k] = v
		}
		for k, v := range src.Enabled {
			out.Enabled[k] = v
		}
	}
	return out
}

// UnknownVectors lists override keys that the snapshot does not know.
func (d *DoctrineConfig) UnknownVectors(s *Snapshot) []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]bool)
	var unknown []string
	for _, ids := range [][]string{sortedKeys(d.Weights), sortedKeys(d.Enabled)} {
		for _, id := range ids {
			if _, ok := s.vectors[id]; !ok && !seen[id] {
				seen[id] = true
				unknown = append(unknown, id)
			}
		}
	}
	sort.Strings(unknown)
	return unknown
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
