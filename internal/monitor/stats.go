package monitor

import (
	"time"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

const (
	historySize = 30
	recentSize  = 8
)

// Verdict is one analyzed step as shown in the recent list.
type Verdict struct {
	At      time.Time
	Scope   string
	StepID  string
	Verdict immunity.Verdict
	Score   float64

	// Outcome is "repaired" or "unrepairable" once the repair event arrives.
	Outcome string
}

// Stats accumulates outcome events.
type Stats struct {
	Analyzed int
	Passed   int
	Failed   int

	Repaired     int
	Unrepairable int

	PatternsRecorded int
	PatternsPromoted int

	// ScoreHistory holds the last historySize scores, oldest first.
	ScoreHistory []float64

	// Recent holds the last recentSize verdicts, newest first.
	Recent []Verdict

	Started   time.Time
	LastEvent time.Time
}

// Apply folds one event into the stats.
func (s *Stats) Apply(e immunity.Event) {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	s.LastEvent = at

	switch e.Type {
	case immunity.EventStepAnalyzed:
		s.Analyzed++
		if e.Verdict == immunity.VerdictPass {
			s.Passed++
		} else {
			s.Failed++
		}
		s.ScoreHistory = appendToHistory(s.ScoreHistory, e.Score)
		s.Recent = append([]Verdict{{
			At:      at,
			Scope:   e.Scope,
			StepID:  e.StepID,
			Verdict: e.Verdict,
			Score:   e.Score,
		}}, s.Recent...)
		if len(s.Recent) > recentSize {
			s.Recent = s.Recent[:recentSize]
		}
	case immunity.EventStepRepaired:
		s.Repaired++
		s.markOutcome(e.StepID, string(immunity.OutcomeRepaired))
	case immunity.EventStepUnrepairable:
		s.Unrepairable++
		s.markOutcome(e.StepID, string(immunity.OutcomeUnrepairable))
	case immunity.EventPatternRecorded:
		s.PatternsRecorded++
	case immunity.EventPatternPromoted:
		s.PatternsPromoted++
	}
}

// markOutcome annotates the most recent verdict for stepID. The repair
// event follows the analyzed event for the same step.
func (s *Stats) markOutcome(stepID, outcome string) {
	for i := range s.Recent {
		if s.Recent[i].StepID == stepID {
			s.Recent[i].Outcome = outcome
			return
		}
	}
}

// PassRate is the fraction of analyzed steps that passed, or 0.
func (s *Stats) PassRate() float64 {
	if s.Analyzed == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Analyzed)
}

// Rate is analyzed steps per minute since Started.
func (s *Stats) Rate(now time.Time) float64 {
	elapsed := now.Sub(s.Started).Minutes()
	if s.Started.IsZero() || elapsed <= 0 {
		return 0
	}
	return float64(s.Analyzed) / elapsed
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}
