package immunity

import (
	"context"
	"fmt"
	"math"
)

// Descriptor describes a registered health vector.
type Descriptor struct {
	// ID is unique within a registry.
	ID string `json:"id"`

	// Name is a display name.
	Name string `json:"name"`

	// DefaultWeight is in [0,1].
	DefaultWeight float64 `json:"default_weight"`

	// DefaultEnabled applies when a doctrine does not override enablement.
	DefaultEnabled bool `json:"default_enabled"`
}

// Validate checks the identifier syntax and weight range.
func (d Descriptor) Validate() error {
	if !vectorIDPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: %w: %q", ErrInvalidDescriptor, ErrInvalidVectorID, d.ID)
	}
	if math.IsNaN(d.DefaultWeight) || d.DefaultWeight < 0 || d.DefaultWeight > 1 {
		return fmt.Errorf("%w: %w: %v", ErrInvalidDescriptor, ErrInvalidWeight, d.DefaultWeight)
	}
	return nil
}

// HealthVector is a single, independent dimension of analysis.
//
// Analyze may block on I/O and must honor ctx. An analyzer that cannot
// complete returns an error; the coordinator converts it to a fail-open
// result. Vectors must not depend on each other.
type HealthVector interface {
	Descriptor() Descriptor
	Analyze(ctx context.Context, step *TrajectoryStep) (VectorResult, error)
}

// AnalyzeFunc adapts a function to the Analyze half of HealthVector.
type AnalyzeFunc func(ctx context.Context, step *TrajectoryStep) (VectorResult, error)

type funcVector struct {
	desc Descriptor
	fn   AnalyzeFunc
}

// NewVector builds a HealthVector from a descriptor and an analyze function.
func NewVector(desc Descriptor, fn AnalyzeFunc) HealthVector {
	return &funcVector{desc: desc, fn: fn}
}

func (v *funcVector) Descriptor() Descriptor { return v.desc }

func (v *funcVector) Analyze(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
	return v.fn(ctx, step)
}
