package immunity

import (
	"context"
	"time"
)

// EventType names an outcome event.
type EventType string

const (
	EventStepAnalyzed     EventType = "step.analyzed"
	EventStepRepaired     EventType = "step.repaired"
	EventStepUnrepairable EventType = "step.unrepairable"
	EventPatternRecorded  EventType = "pattern.recorded"
	EventPatternPromoted  EventType = "pattern.promoted"
	EventLearningDropped  EventType = "learning.dropped"
	EventDoctrineReloaded EventType = "doctrine.reloaded"
	EventVectorRegistered EventType = "vector.registered"
)

// Event is an outcome notification. Events carry identifiers and verdicts,
// never step content.
type Event struct {
	Type      EventType `json:"type"`
	Scope     string    `json:"scope,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Verdict   Verdict   `json:"verdict,omitempty"`
	Score     float64   `json:"score,omitempty"`
	VectorID  string    `json:"vector_id,omitempty"`
	PatternID string    `json:"pattern_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventEmitter receives outcome events. Implementations must not block.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}
