package immunity

import "fmt"

// State is a coordinator invocation stage.
type State string

const (
	StateSensing      State = "sensing"
	StateAnalyzing    State = "analyzing"
	StateNeutralizing State = "neutralizing"
	StateLearning     State = "learning"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// ValidTransitions defines the allowed stage transitions.
var ValidTransitions = map[State][]State{
	StateSensing:      {StateAnalyzing, StateFailed},
	StateAnalyzing:    {StateNeutralizing, StateLearning, StateFailed},
	StateNeutralizing: {StateLearning, StateFailed},
	StateLearning:     {StateDone, StateFailed},
	StateDone:         {}, // terminal
	StateFailed:       {}, // terminal
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Done and Failed.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// lifecycle tracks the stages one invocation has passed through.
type lifecycle struct {
	history []State
}

func newLifecycle() *lifecycle {
	return &lifecycle{history: []State{StateSensing}}
}

func (l *lifecycle) current() State {
	return l.history[len(l.history)-1]
}

func (l *lifecycle) advance(to State) error {
	from := l.current()
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.history = append(l.history, to)
	return nil
}

// fail moves to Failed from any non-terminal stage.
func (l *lifecycle) fail() {
	if !l.current().IsTerminal() {
		l.history = append(l.history, StateFailed)
	}
}

func (l *lifecycle) states() []State {
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}
