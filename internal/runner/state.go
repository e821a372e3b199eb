package runner

import "fmt"

// State is a runner lifecycle state.  States only ever advance; a state
// once left is never revisited.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateRegistered   State = "registered"
	StateExecuting    State = "executing"
	StateTearingDown  State = "tearing-down"
	StateTerminated   State = "terminated"
)

var stateRank = map[State]int{
	StatePending:      0,
	StateProvisioning: 1,
	StateRunning:      2,
	StateRegistered:   3,
	StateExecuting:    4,
	StateTearingDown:  5,
	StateTerminated:   6,
}

// ParseState converts a persisted state name back into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := stateRank[st]; !ok {
		return "", fmt.Errorf("%w: unknown runner state %q", ErrValidation, s)
	}
	return st, nil
}

// Rank returns the position of s in the lifecycle order, or -1 for an
// unknown state.
func (s State) Rank() int {
	r, ok := stateRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether s is the final state.
func (s State) Terminal() bool { return s == StateTerminated }

// Live reports whether a runner in state s may still own an unreleased
// provider handle.
func (s State) Live() bool {
	return s.Rank() >= StateProvisioning.Rank() && s != StateTerminated
}

func (s State) String() string { return string(s) }

// CanTransition reports whether a runner may move from one state to
// another.  Allowed moves are the linear chain, any state from
// provisioning onwards to tearing-down, and terminated from pending,
// provisioning or tearing-down.
func CanTransition(from, to State) bool {
	fr, tr := from.Rank(), to.Rank()
	if fr < 0 || tr < 0 {
		return false
	}
	if tr == fr+1 {
		return true
	}
	switch to {
	case StateTearingDown:
		return fr >= StateProvisioning.Rank() && fr < tr
	case StateTerminated:
		return from == StatePending || from == StateProvisioning
	}
	return false
}

// Outcome is the terminal status of a runner.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed-out"
)

func (o Outcome) String() string { return string(o) }
