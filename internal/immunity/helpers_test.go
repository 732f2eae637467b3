package immunity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// fixedVector returns the same result for every step.
func fixedVector(id string, weight float64, res VectorResult) HealthVector {
	return NewVector(Descriptor{ID: id, Name: id, DefaultWeight: weight, DefaultEnabled: true},
		func(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
			out := res
			out.VectorID = id
			return out, nil
		})
}

func passingVector(id string, weight, confidence float64) HealthVector {
	return fixedVector(id, weight, VectorResult{Passed: true, Confidence: confidence})
}

// markerVector fails with a fixable violation while content contains marker.
func markerVector(id, marker string, confidence float64) HealthVector {
	return NewVector(Descriptor{ID: id, Name: id, DefaultWeight: 1, DefaultEnabled: true},
		func(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
			idx := strings.Index(step.Content, marker)
			if idx < 0 {
				return VectorResult{VectorID: id, Passed: true, Confidence: 1}, nil
			}
			empty := ""
			return VectorResult{
				VectorID:   id,
				Passed:     false,
				Confidence: confidence,
				Violations: []Violation{{
					Kind:        id + ".marker",
					Message:     "found " + marker,
					Severity:    SeverityCritical,
					Location:    &Location{StartOffset: idx, EndOffset: idx + len(marker)},
					Replacement: &empty,
				}},
				SuggestedFix: "remove " + marker,
			}, nil
		})
}

func sleepyVector(id string, d time.Duration) HealthVector {
	return NewVector(Descriptor{ID: id, Name: id, DefaultWeight: 1, DefaultEnabled: true},
		func(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
			select {
			case <-time.After(d):
				return VectorResult{VectorID: id, Passed: true, Confidence: 1}, nil
			case <-ctx.Done():
				return VectorResult{}, ctx.Err()
			}
		})
}

// hungVector ignores ctx and blocks until release is closed. started, when
// non-nil, is closed on the first call.
func hungVector(id string, started chan struct{}, release <-chan struct{}) HealthVector {
	var once sync.Once
	return NewVector(Descriptor{ID: id, Name: id, DefaultWeight: 1, DefaultEnabled: true},
		func(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
			if started != nil {
				once.Do(func() { close(started) })
			}
			<-release
			return VectorResult{VectorID: id, Passed: true, Confidence: 1}, nil
		})
}

func newStep(id, content string) *TrajectoryStep {
	return &TrajectoryStep{
		ID:        id,
		SessionID: "sess_001",
		Kind:      StepKindFileWrite,
		Path:      "main.go",
		Content:   content,
		Intent:    "add handler",
		Sequence:  1,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// MockSynthesizer is a test implementation of Synthesizer.
type MockSynthesizer struct {
	SynthesizeFunc func(ctx context.Context, content string, candidates []RepairCandidate) (*PatchResult, error)

	mu    sync.Mutex
	calls int
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, content string, candidates []RepairCandidate) (*PatchResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, content, candidates)
	}
	return &PatchResult{Content: content, Source: "mock"}, nil
}

func (m *MockSynthesizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// stripSynth removes a marker from content.
func stripSynth(marker string) *MockSynthesizer {
	return &MockSynthesizer{
		SynthesizeFunc: func(ctx context.Context, content string, candidates []RepairCandidate) (*PatchResult, error) {
			return &PatchResult{Content: strings.ReplaceAll(content, marker, ""), Source: "strip"}, nil
		},
	}
}

// stagedSynth exposes its stages to the dispatcher.
type stagedSynth struct {
	stages []Synthesizer
}

func (s *stagedSynth) Synthesize(ctx context.Context, content string, candidates []RepairCandidate) (*PatchResult, error) {
	return s.stages[0].Synthesize(ctx, content, candidates)
}

func (s *stagedSynth) Stages() []Synthesizer { return s.stages }

// memoryStore is an exact-key PatternStore for tests.
type memoryStore struct {
	mu       sync.Mutex
	patterns map[string]Pattern
	findErr  error
	upErr    error
	finds    int
	upserts  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{patterns: make(map[string]Pattern)}
}

func (s *memoryStore) FindSimilar(ctx context.Context, fp Fingerprint, limit int) ([]PatternMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []PatternMatch
	for _, p := range s.patterns {
		if p.Fingerprint.Key == fp.Key {
			out = append(out, PatternMatch{Pattern: p, Similarity: 1})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Upsert(ctx context.Context, p Pattern) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upErr != nil {
		return "", s.upErr
	}
	s.patterns[p.ID] = p
	return p.ID, nil
}

func (s *memoryStore) all() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint.Text < out[j].Fingerprint.Text })
	return out
}

// recordingEmitter captures events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
