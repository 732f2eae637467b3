package immunity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctrineConfig_Threshold(t *testing.T) {
	var nilDoctrine *DoctrineConfig
	assert.Equal(t, DefaultConfidenceThreshold, nilDoctrine.Threshold())
	assert.Equal(t, DefaultConfidenceThreshold, (&DoctrineConfig{}).Threshold())
	assert.Equal(t, 0.9, (&DoctrineConfig{ConfidenceThreshold: ThresholdOf(0.9)}).Threshold())
	assert.Equal(t, 0.0, (&DoctrineConfig{ConfidenceThreshold: ThresholdOf(0)}).Threshold(), "explicit zero is not unset")
}

func TestDoctrineConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		doctrine  *DoctrineConfig
		wantErr   error
		wantField string
	}{
		{"nil", nil, nil, ""},
		{"default", DefaultDoctrine(), nil, ""},
		{"threshold above one", &DoctrineConfig{ConfidenceThreshold: ThresholdOf(1.01)}, ErrInvalidThreshold, "confidence_threshold"},
		{"threshold nan", &DoctrineConfig{ConfidenceThreshold: ThresholdOf(math.NaN())}, ErrInvalidThreshold, "confidence_threshold"},
		{"zero threshold", &DoctrineConfig{ConfidenceThreshold: ThresholdOf(0)}, nil, ""},
		{"threshold below zero", &DoctrineConfig{ConfidenceThreshold: ThresholdOf(-0.1)}, ErrInvalidThreshold, "confidence_threshold"},
		{"negative weight", &DoctrineConfig{Weights: map[string]float64{"security": -1}}, ErrInvalidWeight, "weights.security"},
		{"bad weight key", &DoctrineConfig{Weights: map[string]float64{"Security!": 0.5}}, ErrInvalidVectorID, "weights.Security!"},
		{"bad enabled key", &DoctrineConfig{Enabled: map[string]bool{"a b": true}}, ErrInvalidVectorID, "enabled.a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doctrine.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestDoctrineConfig_Merge(t *testing.T) {
	base := &DoctrineConfig{
		ConfidenceThreshold: ThresholdOf(0.7),
		Weights:             map[string]float64{"security": 1, "performance": 0.5},
		Enabled:             map[string]bool{"cost": false},
	}
	project := &DoctrineConfig{
		Scope:   "api",
		Weights: map[string]float64{"performance": 0.2},
		Enabled: map[string]bool{"cost": true},
	}

	merged := project.Merge(base)
	assert.Equal(t, "api", merged.Scope)
	assert.Equal(t, 0.7, merged.Threshold())
	assert.Equal(t, map[string]float64{"security": 1, "performance": 0.2}, merged.Weights)
	assert.Equal(t, map[string]bool{"cost": true}, merged.Enabled)

	// Inputs are untouched.
	assert.Equal(t, 0.5, base.Weights["performance"])

	// A project may lower an inherited threshold to zero.
	strict := &DoctrineConfig{ConfidenceThreshold: ThresholdOf(0)}
	merged = strict.Merge(base)
	assert.Equal(t, 0.0, merged.Threshold())
	*merged.ConfidenceThreshold = 0.5
	assert.Equal(t, 0.0, *strict.ConfidenceThreshold, "merge copies the threshold")
}

func TestDoctrineConfig_UnknownVectors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(passingVector("security", 1, 1)))

	d := &DoctrineConfig{
		Weights: map[string]float64{"security": 0.5, "zeta": 0.1},
		Enabled: map[string]bool{"alpha": true, "zeta": false},
	}
	assert.Equal(t, []string{"alpha", "zeta"}, d.UnknownVectors(r.Snapshot()))
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateSensing.CanTransitionTo(StateAnalyzing))
	assert.False(t, StateSensing.CanTransitionTo(StateNeutralizing))
	assert.True(t, StateAnalyzing.CanTransitionTo(StateLearning))
	assert.False(t, StateLearning.CanTransitionTo(StateNeutralizing))
	assert.False(t, StateDone.CanTransitionTo(StateFailed))
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())

	for _, s := range []State{StateSensing, StateAnalyzing, StateNeutralizing, StateLearning} {
		assert.True(t, s.CanTransitionTo(StateFailed), "failed is reachable from %s", s)
		assert.False(t, s.IsTerminal())
	}

	lc := newLifecycle()
	require.NoError(t, lc.advance(StateAnalyzing))
	err := lc.advance(StateDone)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	lc.fail()
	lc.fail()
	assert.Equal(t, []State{StateSensing, StateAnalyzing, StateFailed}, lc.states())
}

func TestSeverity_Text(t *testing.T) {
	b, err := SeverityCritical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(b))

	var s Severity
	require.NoError(t, s.UnmarshalText([]byte("Warning")))
	assert.Equal(t, SeverityWarning, s)
	assert.Error(t, s.UnmarshalText([]byte("fatal")))
	assert.True(t, SeverityInfo < SeverityWarning && SeverityWarning < SeverityCritical)
}

func TestTrajectoryStep_AddedLines(t *testing.T) {
	step := &TrajectoryStep{Kind: StepKindDiff, Content: "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n context"}
	assert.Equal(t, []string{"new"}, step.AddedLines())

	write := &TrajectoryStep{Kind: StepKindFileWrite, Content: "a\nb"}
	assert.Equal(t, []string{"a", "b"}, write.AddedLines())
}
