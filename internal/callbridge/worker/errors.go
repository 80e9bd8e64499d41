package worker

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNothingToStart indicates neither a send nor a receive direction
	// could be derived from the configuration.
	ErrNothingToStart = errors.New("no input or remote payloads configured")

	// ErrNoPayloads indicates neither audio nor video negotiated a payload.
	ErrNoPayloads = errors.New("no negotiated payloads")

	// ErrActiveKindsChanged indicates a codec update that would add or remove
	// a media kind while running.
	ErrActiveKindsChanged = errors.New("codec update changes active media kinds")

	// ErrClosed indicates the worker has been closed.
	ErrClosed = errors.New("worker closed")
)

// StateTransitionError indicates an invalid state transition was attempted.
type StateTransitionError struct {
	ID      string
	From    State
	To      State
	Message string
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("worker %s: cannot transition from %s to %s: %s",
			e.ID, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("worker %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}

// KindError attaches a media kind to an engine error.
type KindError struct {
	Kind  string
	Op    string
	Cause error
}

// Error returns the error message.
func (e *KindError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *KindError) Unwrap() error {
	return e.Cause
}
