// Package events carries immunity traffic over NATS and exports outcome
// counters to Prometheus.
//
// Outcome events are published as JSON on
//
//	<prefix>.<scope>.<event type>
//
// e.g. immunity.payments.step.analyzed. Steps are accepted by request/reply
// on <prefix>.steps.process and <prefix>.steps.precommit.
package events

import (
	"context"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "immunity"

// DefaultScope stands in for an empty project scope in subjects.
const DefaultScope = "_default"

var (
	// ErrNoConnection indicates a nil NATS connection.
	ErrNoConnection = errors.New("nats connection is required")

	// ErrNoProcessor indicates a StepServer without a processor.
	ErrNoProcessor = errors.New("step processor is required")
)

// Processor evaluates steps. *immunity.Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, step *immunity.TrajectoryStep, doctrine *immunity.DoctrineConfig) (*immunity.StepResult, error)
	PreCommit(ctx context.Context, steps []*immunity.TrajectoryStep, doctrine *immunity.DoctrineConfig) (*immunity.CommitDecision, error)
}

// DoctrineSource resolves the doctrine for a project scope.
type DoctrineSource interface {
	For(scope string) *immunity.DoctrineConfig
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// Token makes a scope safe as a single subject token. "steps" is reserved
// for the request subjects.
func Token(s string) string {
	switch s {
	case "":
		return DefaultScope
	case "steps":
		return "_steps"
	}
	return tokenReplacer.Replace(s)
}

// EventSubject returns the subject an event is published on.
func EventSubject(prefix string, e immunity.Event) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + Token(e.Scope) + "." + string(e.Type)
}

// StepEvents matches step.analyzed, step.repaired and step.unrepairable
// across all scopes.
func StepEvents(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".*.step.>"
}

// PatternEvents matches pattern.recorded and pattern.promoted across all
// scopes.
func PatternEvents(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".*.pattern.>"
}

// ProcessSubject is the request subject for single steps.
func ProcessSubject(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".steps.process"
}

// PreCommitSubject is the request subject for pre-commit batches.
func PreCommitSubject(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".steps.precommit"
}
