package immunity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/immunity/internal/logging"
)

// Learning actions, used as metric labels and in LearningSummary.
const (
	ActionCreated     = "created"
	ActionIncremented = "incremented"
	ActionPromoted    = "promoted"
	ActionFailed      = "failed"
)

// LearningSummary reports what one Record call did to the store.
type LearningSummary struct {
	Created     int
	Incremented int
	Promoted    int
	Failed      int
}

// Learner turns resolved and unresolved violations into patterns.
//
// Store errors never propagate: they are logged, counted, and the
// remaining candidates are still attempted.
type Learner struct {
	store      PatternStore
	emitter    EventEmitter
	logger     *zap.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	similarity float64
	timeout    time.Duration
	now        func() time.Time

	sem    *semaphore.Weighted
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewLearner creates a learner over store.
func NewLearner(store PatternStore, cfg *Config, emitter EventEmitter, logger *zap.Logger, metrics *Metrics) *Learner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		store:      store,
		emitter:    emitter,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer(InstrumentationName),
		similarity: cfg.SimilarityThreshold,
		timeout:    cfg.LearningTimeout,
		now:        time.Now,
		sem:        semaphore.NewWeighted(cfg.LearningConcurrency),
	}
}

// candidate is a pattern waiting to be matched against the store.
type candidate struct {
	fp         Fingerprint
	resolution Resolution
	fix        string
}

// candidatesFor derives pattern candidates from a finished step.
func candidatesFor(step *TrajectoryStep, report *ImmunityReport, outcome *RepairOutcome) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	add := func(c candidate) {
		if seen[c.fp.Key] {
			return
		}
		seen[c.fp.Key] = true
		out = append(out, c)
	}

	if report.Verdict == VerdictPass {
		for _, res := range report.Results {
			if res.FailedOpen {
				continue
			}
			for _, v := range res.Violations {
				add(candidate{fp: FingerprintViolation(res.VectorID, v), resolution: ResolutionAccepted})
			}
		}
		if len(out) == 0 && !report.Diagnostics.EmptyRegistry {
			add(candidate{fp: FingerprintClean(step), resolution: ResolutionClean})
		}
		return out
	}

	repaired := outcome != nil && outcome.Kind == OutcomeRepaired
	for _, res := range report.Results {
		if res.FailedOpen || res.Passed {
			continue
		}
		for _, v := range res.Violations {
			if v.Severity == SeverityInfo {
				continue
			}
			c := candidate{fp: FingerprintViolation(res.VectorID, v), resolution: ResolutionTombstone}
			if repaired {
				c.resolution = ResolutionRepaired
				c.fix = fixFor(v, res.SuggestedFix)
			}
			add(c)
		}
	}
	return out
}

// fixFor prefers the violation's literal replacement over prose.
func fixFor(v Violation, suggested string) string {
	if v.Replacement != nil {
		return *v.Replacement
	}
	return suggested
}

// Record matches each candidate against the store. A near-duplicate has
// its occurrence count incremented; otherwise a new pattern is created.
func (l *Learner) Record(ctx context.Context, scope string, step *TrajectoryStep, report *ImmunityReport, outcome *RepairOutcome) LearningSummary {
	ctx, span := l.tracer.Start(ctx, "immunity.learn")
	defer span.End()
	span.SetAttributes(attribute.String("step.id", step.ID))
	ctx = logging.WithStep(logging.WithScope(ctx, scope), step.SessionID, step.ID)

	var summary LearningSummary
	for _, c := range candidatesFor(step, report, outcome) {
		action, id, err := l.record(ctx, scope, c)
		l.metrics.RecordLearning(ctx, action)
		if err != nil {
			summary.Failed++
			span.RecordError(err)
			logging.For(ctx, l.logger).Warn("pattern submission failed",
				zap.String("fingerprint", c.fp.Key),
				zap.Error(err),
			)
			continue
		}

		event := Event{
			Type:      EventPatternRecorded,
			Scope:     scope,
			StepID:    step.ID,
			SessionID: step.SessionID,
			VectorID:  c.fp.VectorID,
			PatternID: id,
			Detail:    action,
			Timestamp: l.now(),
		}
		switch action {
		case ActionCreated:
			summary.Created++
		case ActionIncremented:
			summary.Incremented++
		case ActionPromoted:
			summary.Promoted++
			event.Type = EventPatternPromoted
		}
		l.emitter.Emit(ctx, event)
	}

	span.SetAttributes(
		attribute.Int("learning.created", summary.Created),
		attribute.Int("learning.incremented", summary.Incremented),
		attribute.Int("learning.promoted", summary.Promoted),
		attribute.Int("learning.failed", summary.Failed),
	)
	return summary
}

func (l *Learner) record(ctx context.Context, scope string, c candidate) (string, string, error) {
	now := l.now()

	match, err := l.nearest(ctx, c.fp)
	if err != nil {
		return ActionFailed, "", err
	}

	if match == nil {
		p := Pattern{
			ID:          uuid.NewString(),
			Scope:       scope,
			Fingerprint: c.fp,
			Resolution:  c.resolution,
			Fix:         c.fix,
			Occurrences: 1,
			FirstSeen:   now,
			LastSeen:    now,
		}
		id, err := l.store.Upsert(ctx, p)
		if err != nil {
			return ActionFailed, "", &StoreFailure{Op: "upsert", Err: err}
		}
		return ActionCreated, id, nil
	}

	p := match.Pattern
	p.Occurrences++
	p.LastSeen = now
	action := ActionIncremented
	if c.resolution == ResolutionRepaired && p.Resolution != ResolutionRepaired {
		p.Resolution = ResolutionRepaired
		p.Fix = c.fix
		action = ActionPromoted
	}
	id, err := l.store.Upsert(ctx, p)
	if err != nil {
		return ActionFailed, "", &StoreFailure{Op: "upsert", Err: err}
	}
	return action, id, nil
}

// nearest returns the closest stored pattern that counts as the same class.
func (l *Learner) nearest(ctx context.Context, fp Fingerprint) (*PatternMatch, error) {
	matches, err := l.store.FindSimilar(ctx, fp, 1)
	if err != nil {
		return nil, &StoreFailure{Op: "find_similar", Err: err}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	m := matches[0]
	if m.Pattern.Fingerprint.Key == fp.Key || m.Similarity >= l.similarity {
		return &m, nil
	}
	return nil, nil
}

// KnownResolution returns the stored pattern for a fingerprint's class, if any.
func (l *Learner) KnownResolution(ctx context.Context, fp Fingerprint) (*PatternMatch, error) {
	return l.nearest(ctx, fp)
}

// Submit records in the background, detached from ctx cancellation but
// bounded by the learning timeout. It returns false when the submission
// was dropped because the learner is saturated or closed.
func (l *Learner) Submit(ctx context.Context, scope string, step *TrajectoryStep, report *ImmunityReport, outcome *RepairOutcome) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if !l.sem.TryAcquire(1) {
		l.mu.Unlock()
		l.metrics.RecordLearningDropped(ctx)
		logging.For(logging.WithStep(ctx, step.SessionID, step.ID), l.logger).Warn("learning submission dropped",
			zap.String("reason", "in-flight limit reached"),
		)
		l.emitter.Emit(ctx, Event{
			Type:      EventLearningDropped,
			Scope:     scope,
			StepID:    step.ID,
			SessionID: step.SessionID,
			Timestamp: l.now(),
		})
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	l.metrics.learningStarted(detached)
	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		defer l.metrics.learningFinished(detached)

		ctx, cancel := context.WithTimeout(detached, l.timeout)
		defer cancel()
		l.Record(ctx, scope, step, report, outcome)
	}()
	return true
}

// Close stops accepting submissions and waits for in-flight ones to finish
// or for ctx to expire.
func (l *Learner) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
