package session

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateCreated   State = iota // Constructed, nothing sent yet.
	StateActive                 // At least one exchange in flight.
	StateIdle                   // Last exchange ended normally.
	StateErroring               // Last exchange ended with an error.
	StateDestroyed              // Released; no further operations.
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateErroring:
		return "erroring"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ParseState converts a label produced by String back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "created":
		return StateCreated, nil
	case "active":
		return StateActive, nil
	case "idle":
		return StateIdle, nil
	case "erroring":
		return StateErroring, nil
	case "destroyed":
		return StateDestroyed, nil
	default:
		return 0, fmt.Errorf("unknown session state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
