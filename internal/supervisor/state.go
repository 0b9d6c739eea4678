// Package supervisor runs one child at a time through launch, pump and
// wait, and restarts it with backoff when configured to.
package supervisor

// State represents the current state of the supervisor.
type State int

const (
	// StateCreated is the initial state before the first launch.
	StateCreated State = iota

	// StateStarting indicates the child is being launched.
	StateStarting

	// StateRunning indicates the child is alive and its output is pumped.
	StateRunning

	// StateDraining indicates the child exited and remaining output is
	// still being delivered.
	StateDraining

	// StateBackoff indicates the supervisor is waiting before a restart.
	StateBackoff

	// StateStopped indicates the supervisor has finished.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while a child is alive or about to be.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateDraining || s == StateBackoff
}

// IsTerminal returns true if the state is a terminal state (stopped).
func (s State) IsTerminal() bool {
	return s == StateStopped
}
