package worker

import "fmt"

// State is the lifecycle state of a session worker.
type State int

const (
	// StateIdle has no engine resources.
	StateIdle State = iota
	// StateStarting has a deferred start pending on the engine loop.
	StateStarting
	// StateRunning has at least one active sub-session.
	StateRunning
	// StateStopping has a deferred teardown pending on the engine loop.
	StateStopping
	// StateError follows a failed start or an engine fault. Resources are
	// already released; a new start is allowed.
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateIdle},
	StateError:    {StateStarting, StateIdle},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// CanStart reports whether a start request is accepted in this state.
func (s State) CanStart() bool {
	return s == StateIdle || s == StateError
}

// IsActive reports whether engine resources may exist.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
