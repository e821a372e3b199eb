package runner

import "time"

// Handle is a backend resource token.  It is owned by exactly one
// runner for that runner's whole life.
type Handle struct {
	Kind Kind   `cbor:"1,keyasint"`
	ID   string `cbor:"2,keyasint"`
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool { return h.ID == "" }

func (h Handle) String() string {
	if h.IsZero() {
		return ""
	}
	return string(h.Kind) + "/" + h.ID
}

// Job is the discrete dispatch message delivered by the CI coordinator.
// It is consumed exactly once, on entry to the executing state.
type Job struct {
	ID      string
	Command []string
	Env     map[string]string
	WorkDir string
}

// ExecResult is delivered once on the channel returned by a driver's
// ExecAttach.
type ExecResult struct {
	ExitCode int
	Err      error
}

// Succeeded reports whether the job ran to completion with exit code 0.
func (r ExecResult) Succeeded() bool { return r.Err == nil && r.ExitCode == 0 }

// Transition records entry into a state.
type Transition struct {
	State State
	At    time.Time
}

// Snapshot is a point-in-time view of one runner.
type Snapshot struct {
	ID           string
	Kind         Kind
	State        State
	Outcome      Outcome
	Reason       string
	Image        ImageRef
	Capabilities CapabilitySet
	Handle       Handle
	CreatedAt    time.Time
	Deadline     time.Time
	UpdatedAt    time.Time
	History      []Transition
}

// Terminal reports whether the runner has finished.
func (s Snapshot) Terminal() bool { return s.State.Terminal() }
