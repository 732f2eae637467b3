package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// PrometheusSink counts outcome events.
//
// Metrics:
//   - immunity_steps_total{scope,verdict}
//   - immunity_step_score
//   - immunity_repairs_total{outcome}
//   - immunity_patterns_total{action}
//   - immunity_learning_dropped_total
//   - immunity_doctrine_reloads_total
//   - immunity_vectors_registered_total
type PrometheusSink struct {
	steps      *prometheus.CounterVec
	score      prometheus.Histogram
	repairs    *prometheus.CounterVec
	patterns   *prometheus.CounterVec
	dropped    prometheus.Counter
	reloads    prometheus.Counter
	registered prometheus.Counter
}

// NewPrometheusSink registers the sink's collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	f := promauto.With(reg)
	return &PrometheusSink{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "immunity_steps_total",
			Help: "Steps analyzed, by project scope and verdict",
		}, []string{"scope", "verdict"}),
		score: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "immunity_step_score",
			Help:    "Aggregate health score of analyzed steps",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "immunity_repairs_total",
			Help: "Repair outcomes for failing steps",
		}, []string{"outcome"}),
		patterns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "immunity_patterns_total",
			Help: "Pattern store writes, by action",
		}, []string{"action"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "immunity_learning_dropped_total",
			Help: "Learning submissions dropped under backpressure",
		}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Name: "immunity_doctrine_reloads_total",
			Help: "Successful doctrine reloads",
		}),
		registered: f.NewCounter(prometheus.CounterOpts{
			Name: "immunity_vectors_registered_total",
			Help: "Vectors registered or replaced at runtime",
		}),
	}
}

// Emit implements immunity.EventEmitter.
func (s *PrometheusSink) Emit(_ context.Context, e immunity.Event) {
	switch e.Type {
	case immunity.EventStepAnalyzed:
		s.steps.WithLabelValues(Token(e.Scope), string(e.Verdict)).Inc()
		s.score.Observe(e.Score)
	case immunity.EventStepRepaired:
		s.repairs.WithLabelValues(string(immunity.OutcomeRepaired)).Inc()
	case immunity.EventStepUnrepairable:
		s.repairs.WithLabelValues(string(immunity.OutcomeUnrepairable)).Inc()
	case immunity.EventPatternRecorded, immunity.EventPatternPromoted:
		action := e.Detail
		if action == "" {
			action = "unknown"
		}
		s.patterns.WithLabelValues(action).Inc()
	case immunity.EventLearningDropped:
		s.dropped.Inc()
	case immunity.EventDoctrineReloaded:
		s.reloads.Inc()
	case immunity.EventVectorRegistered:
		s.registered.Inc()
	}
}

// Handle adapts the sink to a hooks handler.
func (s *PrometheusSink) Handle(ctx context.Context, e immunity.Event) error {
	s.Emit(ctx, e)
	return nil
}
