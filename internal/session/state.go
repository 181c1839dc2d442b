// Package session coordinates the lifecycle of ephemeral chat sessions on
// top of the connection manager and the chat service's request/response
// surface. The Coordinator drives a single session for the current user; the
// AdminCoordinator tracks the set of open sessions for staff.
package session

import "fmt"

// State is the coordinator lifecycle state.
type State int

const (
	Uninitialized State = iota
	Creating
	Active
	Closing
	Closed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// StateError reports an operation invoked outside its valid state. It fails
// fast so programming errors in callers are caught in development instead of
// silently no-opping.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session: %s not valid in state %s", e.Op, e.State)
}
