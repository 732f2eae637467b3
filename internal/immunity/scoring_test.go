package immunity

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_WeightedAverage(t *testing.T) {
	results := []VectorResult{
		{VectorID: "a", Passed: true, Confidence: 1.0},
		{VectorID: "b", Passed: true, Confidence: 0.5},
		{VectorID: "c", Passed: false, Confidence: 0.9},
	}
	weights := map[string]float64{"a": 1, "b": 0.5, "c": 0.5}

	report, err := Aggregate("step", results, weights, 0.5)
	require.NoError(t, err)

	// (1*1 + 0.5*0.5 + 0) / 2 = 0.625
	assert.InDelta(t, 0.625, report.Score, 1e-9)
	assert.Equal(t, VerdictPass, report.Verdict)
}

func TestAggregate_CriticalOverridesScore(t *testing.T) {
	results := []VectorResult{
		{
			VectorID:   "security",
			Passed:     true,
			Confidence: 0.9,
			Violations: []Violation{{Kind: "security.secret", Message: "hardcoded key", Severity: SeverityCritical}},
		},
		{VectorID: "performance", Passed: true, Confidence: 1},
		{VectorID: "dependency", Passed: true, Confidence: 1},
		{VectorID: "coherence", Passed: true, Confidence: 1},
		{VectorID: "truthfulness", Passed: true, Confidence: 1},
	}
	weights := map[string]float64{"security": 0.1, "performance": 1, "dependency": 1, "coherence": 1, "truthfulness": 1}

	report, err := Aggregate("step", results, weights, DefaultConfidenceThreshold)
	require.NoError(t, err)

	assert.Greater(t, report.Score, DefaultConfidenceThreshold, "score alone would pass")
	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, []string{"security"}, report.Diagnostics.Critical)

	sec, ok := report.Result("security")
	require.True(t, ok)
	assert.False(t, sec.Passed, "critical violation forces passed=false")
}

func TestAggregate_EmptyRegistry(t *testing.T) {
	report, err := Aggregate("step", nil, map[string]float64{}, DefaultConfidenceThreshold)
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Equal(t, 1.0, report.Score)
	assert.True(t, report.Diagnostics.EmptyRegistry)
}

func TestAggregate_AllFailOpen(t *testing.T) {
	results := []VectorResult{FailOpen("a", ReasonTimeout), FailOpen("b", ReasonTimeout)}
	weights := map[string]float64{"a": 1, "b": 1}

	report, err := Aggregate("step", results, weights, DefaultConfidenceThreshold)
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, 0.0, report.Score)
	assert.Equal(t, []string{"a", "b"}, report.Diagnostics.Crashed)
	assert.False(t, report.Diagnostics.EmptyRegistry)
}

func TestAggregate_FailOpenExcludedFromDenominator(t *testing.T) {
	results := []VectorResult{
		{VectorID: "a", Passed: true, Confidence: 0.8},
		FailOpen("b", ReasonPanic),
	}
	weights := map[string]float64{"a": 1, "b": 1}

	report, err := Aggregate("step", results, weights, DefaultConfidenceThreshold)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, report.Score, 1e-9)
	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Equal(t, []string{"b"}, report.Diagnostics.Crashed)
}

func TestAggregate_ZeroWeight(t *testing.T) {
	results := []VectorResult{{VectorID: "a", Passed: true, Confidence: 1}}
	report, err := Aggregate("step", results, map[string]float64{"a": 0}, DefaultConfidenceThreshold)
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
	assert.True(t, report.Diagnostics.ZeroWeight)
}

func TestAggregate_RegistryErrors(t *testing.T) {
	t.Run("orphaned", func(t *testing.T) {
		_, err := Aggregate("step", []VectorResult{{VectorID: "ghost", Passed: true, Confidence: 1}},
			map[string]float64{"a": 1}, 0.7)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOrphanedResult)
		assert.True(t, IsRegistry(err))
	})
	t.Run("duplicate", func(t *testing.T) {
		_, err := Aggregate("step", []VectorResult{
			{VectorID: "a", Passed: true, Confidence: 1},
			{VectorID: "a", Passed: true, Confidence: 1},
		}, map[string]float64{"a": 1}, 0.7)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateResult)
	})
}

func TestAggregate_LowConfidence(t *testing.T) {
	results := []VectorResult{
		{VectorID: "a", Passed: true, Confidence: 1},
		{VectorID: "b", Passed: true, Confidence: 0.7},
		{VectorID: "c", Passed: true, Confidence: 0.69},
	}
	report, err := Aggregate("step", results, map[string]float64{"a": 1, "b": 1, "c": 1}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, report.LowConfidence, "confidence equal to threshold is not low")
}

func TestAggregate_Deterministic(t *testing.T) {
	results := []VectorResult{
		{VectorID: "a", Passed: true, Confidence: 0.9},
		{VectorID: "b", Passed: false, Confidence: 0.8, Violations: []Violation{{Kind: "k", Message: "m", Severity: SeverityWarning}}},
		FailOpen("c", ReasonError),
	}
	weights := map[string]float64{"a": 0.7, "b": 0.3, "c": 1}

	first, err := Aggregate("step", results, weights, 0.5)
	require.NoError(t, err)
	second, err := Aggregate("step", results, weights, 0.5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// Disabling a vector only removes it from the average: scaling the
// remaining weights uniformly never changes the score.
func TestAggregate_NormalizationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e"}

	for iter := 0; iter < 200; iter++ {
		var results []VectorResult
		weights := map[string]float64{}
		for _, id := range ids {
			results = append(results, VectorResult{
				VectorID:   id,
				Passed:     rng.Intn(3) > 0,
				Confidence: rng.Float64(),
			})
			weights[id] = 0.05 + rng.Float64()*0.95
		}

		// Dropping "e" (disabled) vs keeping it with a scaled weight set.
		kept := results[:4]
		keptWeights := map[string]float64{}
		scaled := map[string]float64{}
		for _, id := range ids[:4] {
			keptWeights[id] = weights[id]
			scaled[id] = weights[id] * 0.5
		}

		base, err := Aggregate("s", kept, keptWeights, 0.5)
		require.NoError(t, err)
		other, err := Aggregate("s", kept, scaled, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, base.Score, other.Score, 1e-9)
	}
}

func TestAggregate_CriticalAlwaysFails(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(5)
		results := make([]VectorResult, 0, n)
		weights := map[string]float64{}
		critical := rng.Intn(n)
		for i := 0; i < n; i++ {
			id := string(rune('a' + i))
			res := VectorResult{VectorID: id, Passed: true, Confidence: rng.Float64()}
			if i == critical {
				res.Violations = []Violation{{Kind: "x", Message: "x", Severity: SeverityCritical}}
			}
			results = append(results, res)
			weights[id] = rng.Float64()
		}
		report, err := Aggregate("s", results, weights, rng.Float64())
		require.NoError(t, err)
		assert.Equal(t, VerdictFail, report.Verdict)
	}
}
