package immunity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/immunity/internal/logging"
)

// Fail-open reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonPanic         = "panic"
	ReasonError         = "error"
	ReasonInvalidResult = "invalid_result"
)

// StepResult is the final payload of one Process call.
type StepResult struct {
	StepID  string          `json:"step_id"`
	Scope   string          `json:"scope,omitempty"`
	Verdict Verdict         `json:"verdict"`
	Report  *ImmunityReport `json:"report"`

	// PatchedContent is set when a verified repair is available.
	PatchedContent string `json:"patched_content,omitempty"`

	// Repair is nil when the verdict passed.
	Repair *RepairOutcome `json:"repair,omitempty"`

	// States lists the stages the invocation passed through.
	States []State `json:"states"`
}

// Repaired reports whether a verified patch is attached.
func (r *StepResult) Repaired() bool {
	return r.Repair != nil && r.Repair.Kind == OutcomeRepaired
}

// CommitDecision is the pre-commit gate result.
type CommitDecision struct {
	Allowed bool          `json:"allowed"`
	Results []*StepResult `json:"results"`

	// Blocked lists the IDs of steps that did not pass.
	Blocked []string `json:"blocked,omitempty"`
}

// Coordinator runs the Sensing, Analyzing, Neutralizing and Learning stages
// for trajectory steps. It is safe for concurrent use; invocations share
// only the registry snapshot and the doctrine they are given.
type Coordinator struct {
	registry   *Registry
	cfg        *Config
	logger     *zap.Logger
	metrics    *Metrics
	emitter    EventEmitter
	tracer     trace.Tracer
	synth      Synthesizer
	store      PatternStore
	dispatcher *Dispatcher
	learner    *Learner
	closed     atomic.Bool
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEmitter sets the outcome event sink.
func WithEmitter(e EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithSynthesizer sets the patch synthesis capability. Without one,
// failing steps are always Unrepairable.
func WithSynthesizer(s Synthesizer) Option {
	return func(c *Coordinator) { c.synth = s }
}

// WithPatternStore enables learning and known-pattern consultation.
func WithPatternStore(s PatternStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// NewCoordinator creates a coordinator over registry.
func NewCoordinator(registry *Registry, cfg *Config, opts ...Option) (*Coordinator, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	c := &Coordinator{
		registry: registry,
		cfg:      cfg,
		tracer:   otel.Tracer(InstrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.emitter == nil {
		c.emitter = nopEmitter{}
	}

	var known KnownResolver
	if c.store != nil {
		c.learner = NewLearner(c.store, cfg, c.emitter, c.logger, c.metrics)
		known = c.learner
	}
	c.dispatcher = NewDispatcher(c.synth, c, known, cfg, c.logger, c.metrics)
	return c, nil
}

// Registry returns the coordinator's vector registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// RegisterVector adds or replaces a vector and announces it.
func (c *Coordinator) RegisterVector(ctx context.Context, v HealthVector) error {
	if err := c.registry.Register(v); err != nil {
		return fmt.Errorf("failed to register vector: %w", err)
	}
	desc := v.Descriptor()
	c.logger.Info("vector registered",
		zap.String("vector_id", desc.ID),
		zap.Float64("default_weight", desc.DefaultWeight),
		zap.Bool("default_enabled", desc.DefaultEnabled),
	)
	c.emitter.Emit(ctx, Event{
		Type:      EventVectorRegistered,
		VectorID:  desc.ID,
		Timestamp: c.now(),
	})
	return nil
}

// Process evaluates one step. Only ValidationError and RegistryError are
// returned; every validated step otherwise yields a verdict.
func (c *Coordinator) Process(ctx context.Context, step *TrajectoryStep, doctrine *DoctrineConfig) (*StepResult, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "immunity.process")
	defer span.End()

	lc := newLifecycle()
	fail := func(err error) (*StepResult, error) {
		lc.fail()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Sensing
	if err := ValidateStep(step, c.cfg.MaxContentBytes); err != nil {
		return fail(err)
	}
	if err := doctrine.Validate(); err != nil {
		return fail(err)
	}
	if doctrine == nil {
		doctrine = DefaultDoctrine()
	}
	ctx = logging.WithStep(logging.WithScope(ctx, doctrine.Scope), step.SessionID, step.ID)
	log := logging.For(ctx, c.logger)
	span.SetAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
		attribute.String("project.scope", doctrine.Scope),
	)

	snap := c.registry.Snapshot()
	if unknown := doctrine.UnknownVectors(snap); len(unknown) > 0 {
		log.Warn("doctrine references unknown vectors",
			zap.Strings("vector_ids", unknown),
		)
	}

	if err := lc.advance(StateAnalyzing); err != nil {
		return fail(err)
	}
	report, err := c.Scan(ctx, step, snap, doctrine)
	if err != nil {
		log.Error("step analysis aborted", zap.Error(err))
		return fail(err)
	}

	result := &StepResult{
		StepID:  step.ID,
		Scope:   doctrine.Scope,
		Verdict: report.Verdict,
		Report:  report,
	}

	if report.Verdict == VerdictFail {
		if err := lc.advance(StateNeutralizing); err != nil {
			return fail(err)
		}
		result.Repair = c.dispatcher.Dispatch(ctx, report, step, snap, doctrine)
		if result.Repaired() {
			result.PatchedContent = result.Repair.PatchedContent
		}
	}

	if err := lc.advance(StateLearning); err != nil {
		return fail(err)
	}
	elapsed := time.Since(start)
	c.metrics.RecordStep(ctx, report.Verdict, report.Score, elapsed)
	c.emitOutcome(ctx, doctrine.Scope, step, result)
	if c.learner != nil {
		c.learner.Submit(ctx, doctrine.Scope, step, report, result.Repair)
	}

	if err := lc.advance(StateDone); err != nil {
		return fail(err)
	}
	result.States = lc.states()

	span.SetAttributes(
		attribute.String("verdict", string(report.Verdict)),
		attribute.Float64("score", report.Score),
	)
	log.Debug("step processed",
		zap.String("verdict", string(report.Verdict)),
		zap.Float64("score", report.Score),
		zap.String("content_digest", logging.Digest(step.Content)),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (c *Coordinator) emitOutcome(ctx context.Context, scope string, step *TrajectoryStep, result *StepResult) {
	event := Event{
		Type:      EventStepAnalyzed,
		Scope:     scope,
		StepID:    step.ID,
		SessionID: step.SessionID,
		Verdict:   result.Verdict,
		Score:     result.Report.Score,
		Timestamp: c.now(),
	}
	c.emitter.Emit(ctx, event)

	if result.Repair == nil {
		return
	}
	switch result.Repair.Kind {
	case OutcomeRepaired:
		event.Type = EventStepRepaired
		event.Detail = result.Repair.Source
	case OutcomeUnrepairable:
		event.Type = EventStepUnrepairable
		event.Detail = result.Repair.Reason
	default:
		return
	}
	c.emitter.Emit(ctx, event)
}

// Scan fans out to every vector enabled under doctrine and aggregates the
// results. It returns only after every vector has completed or been timed
// out; results are ordered by registry order.
func (c *Coordinator) Scan(ctx context.Context, step *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig) (*ImmunityReport, error) {
	ctx, span := c.tracer.Start(ctx, "immunity.scan")
	defer span.End()

	enabled := snap.ResolveEnabled(doctrine)
	weights := snap.Weights(doctrine)
	span.SetAttributes(attribute.Int("vectors.enabled", len(enabled)))

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	type indexed struct {
		i   int
		res VectorResult
	}
	ch := make(chan indexed, len(enabled))
	for i, v := range enabled {
		go func(i int, v HealthVector) {
			ch <- indexed{i: i, res: c.analyze(stepCtx, v, step)}
		}(i, v)
	}

	results := make([]VectorResult, len(enabled))
	received := make([]bool, len(enabled))
collect:
	for n := 0; n < len(enabled); n++ {
		select {
		case r := <-ch:
			results[r.i] = r.res
			received[r.i] = true
		case <-stepCtx.Done():
			break collect
		}
	}
	// Keep results that arrived alongside the deadline.
drain:
	for {
		select {
		case r := <-ch:
			results[r.i] = r.res
			received[r.i] = true
		default:
			break drain
		}
	}
	for i, ok := range received {
		if !ok {
			id := enabled[i].Descriptor().ID
			c.recordFailure(ctx, &VectorFailure{VectorID: id, Reason: ReasonTimeout, Err: stepCtx.Err()}, 0)
			results[i] = FailOpen(id, ReasonTimeout)
		}
	}

	report, err := Aggregate(step.ID, results, weights, doctrine.Threshold())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(report.Diagnostics.Crashed) > 0 {
		span.SetAttributes(attribute.StringSlice("vectors.crashed", report.Diagnostics.Crashed))
	}
	return report, nil
}

type analysis struct {
	res VectorResult
	err error
}

// analyze runs one vector under the per-vector timeout and converts every
// failure mode into a fail-open result.
func (c *Coordinator) analyze(ctx context.Context, v HealthVector, step *TrajectoryStep) VectorResult {
	id := v.Descriptor().ID
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, VectorSpanName, trace.WithAttributes(attribute.String("vector.id", id)))
	defer span.End()

	vctx, cancel := context.WithTimeout(ctx, c.cfg.VectorTimeout)
	defer cancel()

	done := make(chan analysis, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analysis{err: &VectorFailure{VectorID: id, Reason: ReasonPanic, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		res, err := v.Analyze(vctx, step)
		done <- analysis{res: res, err: err}
	}()

	var a analysis
	select {
	case a = <-done:
	case <-vctx.Done():
		a.err = &VectorFailure{VectorID: id, Reason: ReasonTimeout, Err: vctx.Err()}
	}

	res, failure := normalizeResult(id, a)
	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		c.recordFailure(ctx, failure, time.Since(start))
		return FailOpen(id, failure.Reason)
	}
	c.metrics.RecordVector(ctx, id, "", time.Since(start))
	return res
}

func (c *Coordinator) recordFailure(ctx context.Context, f *VectorFailure, d time.Duration) {
	c.metrics.RecordVector(ctx, f.VectorID, f.Reason, d)
	logging.For(ctx, c.logger).Warn("vector failed open",
		zap.String("vector_id", f.VectorID),
		zap.String("reason", f.Reason),
		zap.Error(f.Err),
	)
}

// normalizeResult enforces the result contract for vector id.
func normalizeResult(id string, a analysis) (VectorResult, *VectorFailure) {
	if a.err != nil {
		var vf *VectorFailure
		if errors.As(a.err, &vf) {
			return VectorResult{}, vf
		}
		return VectorResult{}, &VectorFailure{VectorID: id, Reason: ReasonError, Err: a.err}
	}

	res := a.res
	if res.VectorID == "" {
		res.VectorID = id
	}
	if res.FailedOpen {
		reason := res.FailureReason
		if reason == "" {
			reason = ReasonError
		}
		return VectorResult{}, &VectorFailure{VectorID: id, Reason: reason, Err: fmt.Errorf("vector reported failure")}
	}
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return VectorResult{}, &VectorFailure{VectorID: id, Reason: ReasonInvalidResult, Err: fmt.Errorf("confidence %v outside [0,1]", res.Confidence)}
	}
	if res.HasCritical() {
		res.Passed = false
	}
	return res, nil
}

// PreCommit processes staged steps concurrently and blocks until every
// verdict is in. The commit is allowed only if every step passes; a
// repaired step still blocks, carrying its patch for the caller to apply.
func (c *Coordinator) PreCommit(ctx context.Context, steps []*TrajectoryStep, doctrine *DoctrineConfig) (*CommitDecision, error) {
	ctx, span := c.tracer.Start(ctx, "immunity.precommit")
	defer span.End()
	span.SetAttributes(attribute.Int("steps", len(steps)))

	results := make([]*StepResult, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		g.Go(func() error {
			res, err := c.Process(gctx, step, doctrine)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision := &CommitDecision{Allowed: true, Results: results}
	for _, res := range results {
		if res.Verdict != VerdictPass {
			decision.Allowed = false
			decision.Blocked = append(decision.Blocked, res.StepID)
		}
	}
	span.SetAttributes(attribute.Bool("allowed", decision.Allowed))
	return decision, nil
}

// Close rejects new steps and drains in-flight learning submissions.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closed.Store(true)
	if c.learner == nil {
		return nil
	}
	return c.learner.Close(ctx)
}
