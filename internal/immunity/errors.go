package immunity

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrNilStep           = errors.New("step is required")
	ErrEmptyStepID       = errors.New("step id is required")
	ErrUnknownStepKind   = errors.New("unknown step kind")
	ErrEmptyContent      = errors.New("step content is required")
	ErrContentTooLarge   = errors.New("step content exceeds maximum size")
	ErrInvalidEncoding   = errors.New("step content is not valid UTF-8")
	ErrMalformedDiff     = errors.New("diff has no file header or hunk")
	ErrMalformedCommand  = errors.New("command contains NUL bytes")
	ErrInvalidThreshold  = errors.New("confidence threshold must be within [0,1]")
	ErrInvalidWeight     = errors.New("weight must be within [0,1]")
	ErrInvalidVectorID   = errors.New("vector id must match [a-z0-9_.-]+")
	ErrInvalidDescriptor = errors.New("invalid vector descriptor")
)

// Registry errors.
var (
	ErrVectorNotFound  = errors.New("vector not found")
	ErrOrphanedResult  = errors.New("result references an unknown or disabled vector")
	ErrDuplicateResult = errors.New("vector reported more than once")
)

// Coordinator lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)

// ValidationError rejects a malformed step or doctrine before analysis.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RegistryError is an internal defect: a vector identifier the registry
// does not know. It is fatal to the invocation that hit it.
type RegistryError struct {
	VectorID string
	Err      error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry error for vector %q: %v", e.VectorID, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// VectorFailure records a crashed or timed-out analyzer. It never leaves
// the coordinator; it is converted to a fail-open result.
type VectorFailure struct {
	VectorID string
	Reason   string
	Err      error
}

func (e *VectorFailure) Error() string {
	return fmt.Sprintf("vector %q failed open (%s): %v", e.VectorID, e.Reason, e.Err)
}

func (e *VectorFailure) Unwrap() error { return e.Err }

// SynthesisFailure records a patch that could not be produced or verified.
// It surfaces to callers only as an Unrepairable outcome.
type SynthesisFailure struct {
	Stage string // "synthesize" or "verify"
	Err   error
}

func (e *SynthesisFailure) Error() string {
	return fmt.Sprintf("synthesis failed during %s: %v", e.Stage, e.Err)
}

func (e *SynthesisFailure) Unwrap() error { return e.Err }

// StoreFailure records a pattern store error. It is logged and swallowed.
type StoreFailure struct {
	Op  string // "find_similar" or "upsert"
	Err error
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("pattern store %s failed: %v", e.Op, e.Err)
}

func (e *StoreFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRegistry reports whether err is a RegistryError.
func IsRegistry(err error) bool {
	var re *RegistryError
	return errors.As(err, &re)
}
