package immunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/logging"
)

// OutcomeKind classifies a repair dispatch.
type OutcomeKind string

const (
	OutcomeSkipped      OutcomeKind = "skipped"
	OutcomeRepaired     OutcomeKind = "repaired"
	OutcomeUnrepairable OutcomeKind = "unrepairable"
)

// Unrepairable reasons.
const (
	ReasonNoCandidates      = "no_candidates"
	ReasonKnownUnrepairable = "known_unrepairable"
	ReasonSynthesisFailed   = "synthesis_failed"
	ReasonSynthesisTimeout  = "synthesis_timeout"
	ReasonVerificationFail  = "verification_failed"
	ReasonNoSynthesizer     = "no_synthesizer"
)

// RepairOutcome is the result of RepairDispatcher.Dispatch.
type RepairOutcome struct {
	Kind OutcomeKind `json:"kind"`

	// PatchedContent is set only for Repaired.
	PatchedContent string `json:"patched_content,omitempty"`

	// Report is the report that motivated the repair.
	Report *ImmunityReport `json:"report,omitempty"`

	// Verification is the re-scan of the patched content, when one ran.
	Verification *ImmunityReport `json:"verification,omitempty"`

	// Candidates lists the violations submitted for synthesis.
	Candidates []RepairCandidate `json:"candidates,omitempty"`

	// Source names the synthesizer that produced the patch.
	Source string `json:"source,omitempty"`

	// Reason explains an Unrepairable outcome.
	Reason string `json:"reason,omitempty"`
}

// RepairCandidate is a violation eligible for automated repair.
type RepairCandidate struct {
	VectorID     string    `json:"vector_id"`
	Violation    Violation `json:"violation"`
	SuggestedFix string    `json:"suggested_fix"`

	// KnownFix is the stored fix of a near-duplicate repaired pattern.
	KnownFix string `json:"known_fix,omitempty"`
}

// PatchResult is a candidate patch returned by synthesis.
type PatchResult struct {
	Content string
	Source  string
}

// Synthesizer produces a candidate patch. It must not commit anything.
type Synthesizer interface {
	Synthesize(ctx context.Context, content string, candidates []RepairCandidate) (*PatchResult, error)
}

// StagedSynthesizer is a Synthesizer built from fallbacks. The dispatcher
// verifies each stage's patch in turn and moves to the next stage when
// synthesis or verification fails.
type StagedSynthesizer interface {
	Synthesizer
	Stages() []Synthesizer
}

// Scanner re-analyzes a step against a fixed registry snapshot and doctrine.
type Scanner interface {
	Scan(ctx context.Context, step *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig) (*ImmunityReport, error)
}

// KnownResolver answers whether a violation class has been seen before.
type KnownResolver interface {
	KnownResolution(ctx context.Context, fp Fingerprint) (*PatternMatch, error)
}

// Dispatcher decides whether to repair a failing step and verifies any
// patch before surfacing it.
type Dispatcher struct {
	synth   Synthesizer
	scanner Scanner
	known   KnownResolver
	timeout time.Duration
	skipAt  int
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// NewDispatcher creates a dispatcher. synth and known may be nil.
func NewDispatcher(synth Synthesizer, scanner Scanner, known KnownResolver, cfg *Config, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		synth:   synth,
		scanner: scanner,
		known:   known,
		timeout: cfg.RepairTimeout,
		skipAt:  cfg.TombstoneSkipAfter,
		logger:  logger,
		tracer:  otel.Tracer(InstrumentationName),
		metrics: metrics,
	}
}

// Candidates selects violations from vectors whose confidence meets the
// threshold and which carry a suggested fix.
func Candidates(report *ImmunityReport) []RepairCandidate {
	var out []RepairCandidate
	for _, res := range report.Results {
		if res.FailedOpen || res.Passed || res.SuggestedFix == "" {
			continue
		}
		if res.Confidence < report.Threshold {
			continue
		}
		for _, v := range res.Violations {
			if v.Severity == SeverityInfo {
				continue
			}
			out = append(out, RepairCandidate{
				VectorID:     res.VectorID,
				Violation:    v,
				SuggestedFix: res.SuggestedFix,
			})
		}
	}
	return out
}

// Dispatch returns Skipped for passing reports. For failing reports it
// synthesizes a patch under the repair timeout, re-scans it, and returns
// Repaired only when the re-scan proves the patch clears the failure.
func (d *Dispatcher) Dispatch(ctx context.Context, report *ImmunityReport, step *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig) *RepairOutcome {
	if report.Verdict == VerdictPass {
		return &RepairOutcome{Kind: OutcomeSkipped, Report: report}
	}

	ctx, span := d.tracer.Start(ctx, "immunity.repair")
	defer span.End()
	span.SetAttributes(attribute.String("step.id", step.ID))
	ctx = logging.WithStep(ctx, step.SessionID, step.ID)

	outcome := d.dispatch(ctx, report, step, snap, doctrine)
	span.SetAttributes(
		attribute.String("repair.outcome", string(outcome.Kind)),
		attribute.String("repair.reason", outcome.Reason),
		attribute.Int("repair.candidates", len(outcome.Candidates)),
	)
	d.metrics.RecordRepair(ctx, outcome.Kind)
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, report *ImmunityReport, step *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig) *RepairOutcome {
	unrepairable := func(reason string, candidates []RepairCandidate) *RepairOutcome {
		return &RepairOutcome{Kind: OutcomeUnrepairable, Report: report, Reason: reason, Candidates: candidates}
	}

	candidates := Candidates(report)
	if len(candidates) == 0 {
		return unrepairable(ReasonNoCandidates, nil)
	}
	if d.synth == nil {
		return unrepairable(ReasonNoSynthesizer, candidates)
	}

	if d.consultKnown(ctx, candidates) {
		logging.For(ctx, d.logger).Debug("skipping synthesis for known unrepairable violations",
			zap.Int("candidates", len(candidates)),
		)
		return unrepairable(ReasonKnownUnrepairable, candidates)
	}

	stages := []Synthesizer{d.synth}
	if staged, ok := d.synth.(StagedSynthesizer); ok {
		stages = staged.Stages()
	}
	if len(stages) == 0 {
		return unrepairable(ReasonNoSynthesizer, candidates)
	}

	// One repair budget covers every stage; verification runs on ctx.
	deadline := time.Now().Add(d.timeout)
	var rejected *RepairOutcome
	var last *RepairOutcome
	for i, synth := range stages {
		out := d.attempt(ctx, deadline, synth, report, step, snap, doctrine, candidates)
		if out.Kind == OutcomeRepaired {
			return out
		}
		if out.Reason == ReasonVerificationFail && rejected == nil {
			rejected = out
		}
		last = out
		if out.Reason == ReasonSynthesisTimeout || ctx.Err() != nil {
			break
		}
		if i < len(stages)-1 {
			logging.For(ctx, d.logger).Debug("repair stage failed, trying next",
				zap.Int("stage", i),
				zap.String("reason", out.Reason),
			)
		}
	}
	if rejected != nil {
		return rejected
	}
	return last
}

// attempt runs one synthesizer under the repair deadline and verifies its patch.
func (d *Dispatcher) attempt(ctx context.Context, deadline time.Time, synth Synthesizer, report *ImmunityReport, step *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig, candidates []RepairCandidate) *RepairOutcome {
	unrepairable := func(reason string) *RepairOutcome {
		return &RepairOutcome{Kind: OutcomeUnrepairable, Report: report, Reason: reason, Candidates: candidates}
	}

	synthCtx, cancel := context.WithDeadline(ctx, deadline)
	patch, err := d.synthesize(synthCtx, synth, step.Content, candidates)
	timedOut := synthCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		failure := &SynthesisFailure{Stage: "synthesize", Err: err}
		reason := ReasonSynthesisFailed
		if errors.Is(err, context.DeadlineExceeded) || timedOut {
			reason = ReasonSynthesisTimeout
		}
		trace.SpanFromContext(ctx).RecordError(failure)
		logging.For(ctx, d.logger).Info("patch synthesis failed",
			zap.String("reason", reason),
			zap.Error(failure),
		)
		return unrepairable(reason)
	}
	if patch == nil || patch.Content == step.Content {
		return unrepairable(ReasonSynthesisFailed)
	}

	verification, err := d.verify(ctx, report, step.WithContent(patch.Content), snap, doctrine)
	if err != nil {
		failure := &SynthesisFailure{Stage: "verify", Err: err}
		span := trace.SpanFromContext(ctx)
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		logging.For(ctx, d.logger).Info("patch rejected by verification",
			zap.String("source", patch.Source),
			zap.Error(failure),
		)
		out := unrepairable(ReasonVerificationFail)
		out.Verification = verification
		out.Source = patch.Source
		return out
	}

	return &RepairOutcome{
		Kind:           OutcomeRepaired,
		PatchedContent: patch.Content,
		Report:         report,
		Verification:   verification,
		Candidates:     candidates,
		Source:         patch.Source,
	}
}

type synthesisResult struct {
	patch *PatchResult
	err   error
}

// synthesize bounds synth by ctx even when synth ignores it. An abandoned
// call keeps running in its goroutine; its result is dropped.
func (d *Dispatcher) synthesize(ctx context.Context, synth Synthesizer, content string, candidates []RepairCandidate) (*PatchResult, error) {
	own := append([]RepairCandidate(nil), candidates...)
	done := make(chan synthesisResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- synthesisResult{err: fmt.Errorf("synthesizer panic: %v", r)}
			}
		}()
		patch, err := synth.Synthesize(ctx, content, own)
		done <- synthesisResult{patch: patch, err: err}
	}()

	select {
	case r := <-done:
		return r.patch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// consultKnown attaches stored fixes to candidates and reports whether
// every candidate is a repeatedly tombstoned class. Store errors are ignored.
func (d *Dispatcher) consultKnown(ctx context.Context, candidates []RepairCandidate) bool {
	if d.known == nil {
		return false
	}
	tombstoned := 0
	for i := range candidates {
		fp := FingerprintViolation(candidates[i].VectorID, candidates[i].Violation)
		match, err := d.known.KnownResolution(ctx, fp)
		if err != nil || match == nil {
			continue
		}
		switch match.Pattern.Resolution {
		case ResolutionRepaired:
			candidates[i].KnownFix = match.Pattern.Fix
		case ResolutionTombstone:
			if d.skipAt > 0 && match.Pattern.Occurrences >= d.skipAt {
				tombstoned++
			}
		}
	}
	return tombstoned == len(candidates)
}

// verify re-scans the patched step. Every vector that failed originally
// must now pass without failing open, no passing vector may regress, and
// the aggregate verdict must pass.
func (d *Dispatcher) verify(ctx context.Context, original *ImmunityReport, patched *TrajectoryStep, snap *Snapshot, doctrine *DoctrineConfig) (*ImmunityReport, error) {
	if d.scanner == nil {
		return nil, fmt.Errorf("no scanner configured")
	}
	rescan, err := d.scanner.Scan(ctx, patched, snap, doctrine)
	if err != nil {
		return nil, err
	}
	for _, before := range original.Results {
		after, ok := rescan.Result(before.VectorID)
		if !ok {
			return rescan, fmt.Errorf("vector %q missing from verification", before.VectorID)
		}
		if before.FailedOpen {
			continue
		}
		if !before.Passed && (after.FailedOpen || !after.Passed) {
			return rescan, fmt.Errorf("vector %q still failing after patch", before.VectorID)
		}
		if before.Passed && !after.FailedOpen && !after.Passed {
			return rescan, fmt.Errorf("patch regressed vector %q", before.VectorID)
		}
	}
	if rescan.Verdict != VerdictPass {
		return rescan, fmt.Errorf("verification verdict %s (score %.3f)", rescan.Verdict, rescan.Score)
	}
	return rescan, nil
}
