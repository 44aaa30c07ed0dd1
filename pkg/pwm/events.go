package pwm

import (
	"fmt"
	"time"
)

// EventKind names a wave lifecycle transition.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventSwapRequested EventKind = "swap_requested"
	EventSwapped       EventKind = "swapped"
	EventSwapTimeout   EventKind = "swap_timeout"
	EventSwapAborted   EventKind = "swap_aborted"
	EventAbandoned     EventKind = "abandoned"
	EventStopped       EventKind = "stopped"
	EventDeleteFailed  EventKind = "delete_failed"
)

// Event is published by a Controller on every lifecycle transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	Wave     WaveID    `json:"wave"`
	Previous WaveID    `json:"previous"`
	State    State     `json:"state"`
	Time     time.Time `json:"time"`
	Err      string    `json:"error,omitempty"`
}

// State is the Controller lifecycle state.
type State int

const (
	// Idle means no wave is transmitting.
	Idle State = iota
	// Running means one wave is transmitting.
	Running
	// Swapping means a new wave is queued behind the transmitting one.
	Swapping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Swapping:
		return "swapping"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Running, Swapping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// ParseState returns the state with the given name, or Idle.
func ParseState(name string) State {
	var s State
	if err := s.UnmarshalText([]byte(name)); err != nil {
		return Idle
	}
	return s
}
