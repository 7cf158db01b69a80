package job

import (
	"fmt"
	"strings"
)

// State is the execution state of a Run.
type State int

const (
	StateNew State = iota
	StateSubmitted
	StateRunning
	StateStopped
	StateTerminating
	StateTerminated
	StateUnknown
)

var stateNames = [...]string{
	StateNew:         "NEW",
	StateSubmitted:   "SUBMITTED",
	StateRunning:     "RUNNING",
	StateStopped:     "STOPPED",
	StateTerminating: "TERMINATING",
	StateTerminated:  "TERMINATED",
	StateUnknown:     "UNKNOWN",
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateNew, StateSubmitted, StateRunning, StateStopped, StateTerminating, StateTerminated, StateUnknown}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// HookName is the lower-case name under which transition hooks are dispatched.
func (s State) HookName() string {
	return strings.ToLower(s.String())
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s >= StateNew && int(s) < len(stateNames)
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// IsLive reports whether the job is handed off to a backend and may still change
// state on its own.
func (s State) IsLive() bool {
	switch s {
	case StateSubmitted, StateRunning, StateStopped, StateUnknown:
		return true
	}
	return false
}

// ParseState accepts the upper- or lower-case state name.
func ParseState(name string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == upper {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// rank places a state in the partial order
// NEW < SUBMITTED < {RUNNING, STOPPED} < TERMINATING < TERMINATED.
// UNKNOWN sits outside the order.
func (s State) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateSubmitted:
		return 1
	case StateRunning, StateStopped:
		return 2
	case StateTerminating:
		return 3
	case StateTerminated:
		return 4
	}
	return -1
}

// CanTransition reports whether a Run in state from may be moved to state to.
//
// Forward moves in the partial order are always allowed. The exceptions are the
// STOPPED -> SUBMITTED recovery, entry into UNKNOWN from a live state, and leaving
// UNKNOWN for anything but NEW. TERMINATED is absorbing.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch {
	case from == StateTerminated:
		return false
	case to == StateUnknown:
		return from == StateSubmitted || from == StateRunning || from == StateStopped
	case from == StateUnknown:
		return to != StateNew
	case from == StateStopped && to == StateSubmitted:
		return true
	}
	return to.rank() >= from.rank()
}
