package pipeline

import (
	"fmt"
	"time"

	"github.com/upb/analytics-control-plane/services"
)

// State is a pipeline stage.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateResolved        State = "RESOLVED"
	StatePolicyEvaluated State = "POLICY_EVALUATED"
	StateCompiled        State = "COMPILED"
	StateExecuted        State = "EXECUTED"
	StatePackaged        State = "PACKAGED"
	StateDenied          State = "DENIED"
	StateFailed          State = "FAILED"
)

var transitions = map[State][]State{
	StateReceived:        {StateResolved, StateFailed},
	StateResolved:        {StatePolicyEvaluated, StateFailed},
	StatePolicyEvaluated: {StateCompiled, StateDenied, StateFailed},
	StateCompiled:        {StateExecuted, StatePackaged, StateFailed},
	StateExecuted:        {StatePackaged, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StatePackaged || s == StateDenied || s == StateFailed
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// run tracks one request through the state machine. It is confined to one goroutine.
type run struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newRun(now func() time.Time) *run {
	return &run{state: StateReceived, now: now}
}

func (r *run) advance(to State) error {
	if !CanTransition(r.state, to) {
		return services.NewEvidenceConstructionError(
			fmt.Sprintf("illegal transition %s -> %s", r.state, to), services.ErrIllegalTransition).
			WithDetail("from", string(r.state)).
			WithDetail("to", string(to))
	}
	r.history = append(r.history, Transition{From: r.state, To: to, At: r.now().UTC()})
	r.state = to
	return nil
}

// fail moves to FAILED from any non-terminal state.
func (r *run) fail() {
	if !r.state.Terminal() {
		_ = r.advance(StateFailed)
	}
}
