package immunity

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/immunity/internal/immunity"

// VectorSpanName names the per-vector child span of a scan.
const VectorSpanName = "immunity.vector"

// Metrics provides OpenTelemetry metrics for the scan pipeline.
type Metrics struct {
	stepsProcessed  metric.Int64Counter
	vectorFailures  metric.Int64Counter
	repairOutcomes  metric.Int64Counter
	learningActions metric.Int64Counter
	learningDropped metric.Int64Counter

	learningInFlight metric.Int64UpDownCounter

	stepDuration   metric.Float64Histogram
	vectorDuration metric.Float64Histogram
	stepScore      metric.Float64Histogram

	initialized bool
}

// NewMetrics creates the pipeline instruments. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.stepsProcessed, err = meter.Int64Counter(
		"immunity.steps.processed_total",
		metric.WithDescription("Trajectory steps processed, labeled by verdict"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.vectorFailures, err = meter.Int64Counter(
		"immunity.vector.failures_total",
		metric.WithDescription("Vector analyses that failed open, labeled by vector and reason"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, err
	}

	m.repairOutcomes, err = meter.Int64Counter(
		"immunity.repair.outcomes_total",
		metric.WithDescription("Repair dispatch outcomes"),
		metric.WithUnit("{repair}"),
	)
	if err != nil {
		return nil, err
	}

	m.learningActions, err = meter.Int64Counter(
		"immunity.learning.submissions_total",
		metric.WithDescription("Pattern store submissions, labeled by action (created, incremented, promoted, failed)"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		return nil, err
	}

	m.learningDropped, err = meter.Int64Counter(
		"immunity.learning.dropped_total",
		metric.WithDescription("Learning submissions dropped because the in-flight limit was reached"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	m.learningInFlight, err = meter.Int64UpDownCounter(
		"immunity.learning.in_flight",
		metric.WithDescription("Detached learning submissions currently running"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"immunity.step.duration_seconds",
		metric.WithDescription("Time to reach a verdict for one step, excluding learning"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.vectorDuration, err = meter.Float64Histogram(
		"immunity.vector.duration_seconds",
		metric.WithDescription("Per-vector analysis latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return nil, err
	}

	m.stepScore, err = meter.Float64Histogram(
		"immunity.step.score",
		metric.WithDescription("Aggregate immunity score per step"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordStep records a completed verdict.
func (m *Metrics) RecordStep(ctx context.Context, verdict Verdict, score float64, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("verdict", string(verdict)))
	m.stepsProcessed.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
	m.stepScore.Record(ctx, score)
}

// RecordVector records one vector analysis. reason is empty for success.
func (m *Metrics) RecordVector(ctx context.Context, vectorID, reason string, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.vectorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("vector", vectorID)))
	if reason != "" {
		m.vectorFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("vector", vectorID),
			attribute.String("reason", reason),
		))
	}
}

// RecordRepair records a repair outcome.
func (m *Metrics) RecordRepair(ctx context.Context, kind OutcomeKind) {
	if m == nil || !m.initialized {
		return
	}
	m.repairOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(kind))))
}

// RecordLearning records a pattern store action.
func (m *Metrics) RecordLearning(ctx context.Context, action string) {
	if m == nil || !m.initialized {
		return
	}
	m.learningActions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordLearningDropped records a submission rejected by backpressure.
func (m *Metrics) RecordLearningDropped(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.learningDropped.Add(ctx, 1)
}

func (m *Metrics) learningStarted(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.learningInFlight.Add(ctx, 1)
}

func (m *Metrics) learningFinished(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.learningInFlight.Add(ctx, -1)
}
