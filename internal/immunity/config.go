package immunity

import (
	"fmt"
	"time"
)

// Config holds coordinator timeouts and learning limits.
type Config struct {
	// VectorTimeout bounds a single vector's analysis (default: 40ms).
	VectorTimeout time.Duration

	// StepTimeout bounds the whole fan-out for one step (default: 50ms).
	StepTimeout time.Duration

	// RepairTimeout bounds patch synthesis (default: 2s).
	RepairTimeout time.Duration

	// LearningTimeout bounds one detached learning submission (default: 5s).
	LearningTimeout time.Duration

	// MaxContentBytes rejects oversized steps (default: 1MB).
	MaxContentBytes int

	// LearningConcurrency caps in-flight learning submissions (default: 32).
	LearningConcurrency int64

	// SimilarityThreshold decides when two fingerprints are the same class (default: 0.92).
	SimilarityThreshold float64

	// TombstoneSkipAfter skips synthesis for classes tombstoned this many times (default: 3, 0 disables).
	TombstoneSkipAfter int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		VectorTimeout:       40 * time.Millisecond,
		StepTimeout:         50 * time.Millisecond,
		RepairTimeout:       2 * time.Second,
		LearningTimeout:     5 * time.Second,
		MaxContentBytes:     1 << 20,
		LearningConcurrency: 32,
		SimilarityThreshold: 0.92,
		TombstoneSkipAfter:  3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.VectorTimeout <= 0 {
		return fmt.Errorf("vector timeout must be positive")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive")
	}
	if c.VectorTimeout > c.StepTimeout {
		return fmt.Errorf("vector timeout %v exceeds step timeout %v", c.VectorTimeout, c.StepTimeout)
	}
	if c.RepairTimeout <= 0 {
		return fmt.Errorf("repair timeout must be positive")
	}
	if c.LearningTimeout <= 0 {
		return fmt.Errorf("learning timeout must be positive")
	}
	if c.MaxContentBytes <= 0 {
		return fmt.Errorf("max content bytes must be positive")
	}
	if c.LearningConcurrency <= 0 {
		return fmt.Errorf("learning concurrency must be positive")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be within (0,1], got %v", c.SimilarityThreshold)
	}
	if c.TombstoneSkipAfter < 0 {
		return fmt.Errorf("tombstone skip count must be >= 0")
	}
	return nil
}
