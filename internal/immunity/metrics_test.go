package immunity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.True(t, m.initialized)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordStep(ctx, VerdictPass, 1, 0)
	m.RecordVector(ctx, "a", ReasonTimeout, 0)
	m.RecordRepair(ctx, OutcomeRepaired)
	m.RecordLearning(ctx, ActionCreated)
	m.RecordLearningDropped(ctx)
}

func TestMetrics_Pipeline(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter(InstrumentationName))
	require.NoError(t, err)

	panics := NewVector(Descriptor{ID: "panics", DefaultWeight: 1, DefaultEnabled: true},
		func(ctx context.Context, step *TrajectoryStep) (VectorResult, error) {
			panic("boom")
		})
	c := newTestCoordinator(t, []HealthVector{markerVector("security", "SECRET", 0.95), panics},
		WithMetrics(metrics), WithSynthesizer(stripSynth("SECRET")))

	_, err = c.Process(context.Background(), newStep("s1", "ok"), nil)
	require.NoError(t, err)
	_, err = c.Process(context.Background(), newStep("s2", "SECRET"), nil)
	require.NoError(t, err)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["immunity.steps.processed_total"])
	// One panic per original scan plus one during verification.
	assert.Equal(t, int64(3), sums["immunity.vector.failures_total"])
	assert.Equal(t, int64(1), sums["immunity.repair.outcomes_total"])
}
