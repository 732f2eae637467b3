package immunity

import (
	"fmt"
	"strings"
	"time"
)

// StepKind classifies the content delta carried by a TrajectoryStep.
type StepKind string

const (
	// StepKindDiff is a unified diff against existing content.
	StepKindDiff StepKind = "diff"

	// StepKindFileWrite is the full new content of a single file.
	StepKindFileWrite StepKind = "file_write"

	// StepKindCommand is a shell command the agent intends to run.
	StepKindCommand StepKind = "command"
)

// IsValid reports whether the kind is one of the known step kinds.
func (k StepKind) IsValid() bool {
	switch k {
	case StepKindDiff, StepKindFileWrite, StepKindCommand:
		return true
	}
	return false
}

// TrajectoryStep is one discrete unit of agent-proposed work.
// Steps are immutable once created; the coordinator only reads them.
type TrajectoryStep struct {
	// ID uniquely identifies the step.
	ID string `json:"id"`

	// SessionID identifies the originating agent session.
	SessionID string `json:"session_id,omitempty"`

	// AgentID identifies the originating agent, when known.
	AgentID string `json:"agent_id,omitempty"`

	// Kind is the shape of Content.
	Kind StepKind `json:"kind"`

	// Path is the file the step touches, if any.
	Path string `json:"path,omitempty"`

	// Content is the proposed delta.
	Content string `json:"content"`

	// Intent is the agent's declared task intent.
	Intent string `json:"intent,omitempty"`

	// Sequence increases monotonically within a session.
	Sequence uint64 `json:"sequence"`

	// CreatedAt is when the step was proposed.
	CreatedAt time.Time `json:"created_at"`
}

// WithContent returns a copy of the step carrying replacement content.
// Used to re-analyze a synthesized patch under the same identity.
func (s *TrajectoryStep) WithContent(content string) *TrajectoryStep {
	cp := *s
	cp.Content = content
	return &cp
}

// AddedLines returns the lines a step introduces. For diffs that is the
// "+" lines without the file headers; for other kinds it is every line.
func (s *TrajectoryStep) AddedLines() []string {
	lines := strings.Split(s.Content, "\n")
	if s.Kind != StepKindDiff {
		return lines
	}
	added := make([]string, 0, len(lines)/2)
	for _, line := range lines {
		if strings.HasPrefix(line, "+++") {
			continue
		}
		if strings.HasPrefix(line, "+") {
			added = append(added, line[1:])
		}
	}
	return added
}

// Severity orders violations: info < warning < critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityWarning:  "warning",
	SeverityCritical: "critical",
}

// String returns the lower-case severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses "info", "warning" or "critical".
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if strings.EqualFold(n, name) {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

// Location points at the span a violation refers to.
// Offsets are byte offsets into the step content; End is exclusive.
type Location struct {
	Line        int `json:"line,omitempty"`
	Column      int `json:"column,omitempty"`
	StartOffset int `json:"start_offset"`
	EndOffset   int `json:"end_offset"`
}

// Valid reports whether the span lies within content of length n.
func (l *Location) Valid(n int) bool {
	return l != nil && l.StartOffset >= 0 && l.StartOffset <= l.EndOffset && l.EndOffset <= n
}

// Violation is a single finding produced by a vector.
type Violation struct {
	// Kind is a free-form classification such as "security.hardcoded-secret".
	Kind string `json:"kind"`

	// Message is human-readable.
	Message string `json:"message"`

	// Location is optional.
	Location *Location `json:"location,omitempty"`

	// Severity orders the violation.
	Severity Severity `json:"severity"`

	// Replacement, when set together with Location, is literal text that
	// replaces the located span to clear the violation.
	Replacement *string `json:"replacement,omitempty"`
}

// VectorResult is the outcome of one vector analyzing one step.
type VectorResult struct {
	VectorID     string      `json:"vector_id"`
	Passed       bool        `json:"passed"`
	Confidence   float64     `json:"confidence"`
	Violations   []Violation `json:"violations,omitempty"`
	SuggestedFix string      `json:"suggested_fix,omitempty"`

	// FailedOpen is set when the analysis could not complete. Such a result
	// carries passed=true, confidence=0 and is excluded from scoring.
	FailedOpen bool `json:"failed_open,omitempty"`

	// FailureReason explains a fail-open result (timeout, panic, error, invalid_result).
	FailureReason string `json:"failure_reason,omitempty"`
}

// HasCritical reports whether any violation is critical.
func (r *VectorResult) HasCritical() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// FailOpen builds the degraded "no opinion" result for a vector.
func FailOpen(vectorID, reason string) VectorResult {
	return VectorResult{
		VectorID:      vectorID,
		Passed:        true,
		Confidence:    0,
		FailedOpen:    true,
		FailureReason: reason,
	}
}

// Verdict is the aggregate pass/fail decision.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Diagnostics exposes configuration anomalies and degraded vectors.
type Diagnostics struct {
	// EmptyRegistry is set when no vector was enabled for the step.
	EmptyRegistry bool `json:"empty_registry,omitempty"`

	// ZeroWeight is set when every scoring vector had weight zero.
	ZeroWeight bool `json:"zero_weight,omitempty"`

	// Crashed lists vectors that failed open.
	Crashed []string `json:"crashed,omitempty"`

	// Critical lists vectors reporting a critical violation.
	Critical []string `json:"critical,omitempty"`
}

// ImmunityReport is the deterministic aggregate of one step's vector results.
type ImmunityReport struct {
	StepID        string         `json:"step_id"`
	Results       []VectorResult `json:"results"`
	Score         float64        `json:"score"`
	Verdict       Verdict        `json:"verdict"`
	Threshold     float64        `json:"threshold"`
	LowConfidence []string       `json:"low_confidence,omitempty"`
	Diagnostics   Diagnostics    `json:"diagnostics"`
}

// Result returns the result for a vector, if present.
func (r *ImmunityReport) Result(vectorID string) (VectorResult, bool) {
	for _, res := range r.Results {
		if res.VectorID == vectorID {
			return res, true
		}
	}
	return VectorResult{}, false
}

// FailedVectors returns the IDs of scoring vectors that did not pass.
func (r *ImmunityReport) FailedVectors() []string {
	var ids []string
	for _, res := range r.Results {
		if !res.FailedOpen && !res.Passed {
			ids = append(ids, res.VectorID)
		}
	}
	return ids
}
