package engine

import (
	"fmt"
)

// State is the lifecycle position of a machine instance.
type State uint8

const (
	StateCreated State = iota
	StateActive
	StateExpired
	StateUnstaked
)

var stateNames = [...]string{
	StateCreated:  "created",
	StateActive:   "active",
	StateExpired:  "expired",
	StateUnstaked: "unstaked",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown machine state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateUnstaked
}

// Transition validates a move from s to next. Staying in the same state is
// allowed for non-terminal states.
func (s State) Transition(next State) (State, error) {
	if s == next && !s.Terminal() {
		return next, nil
	}
	switch {
	case s == StateCreated && (next == StateActive || next == StateUnstaked),
		s == StateActive && (next == StateExpired || next == StateUnstaked),
		s == StateExpired && next == StateUnstaked:
		return next, nil
	case s == StateUnstaked:
		return s, ErrMachineClosed
	}
	return s, fmt.Errorf("invalid machine transition %s -> %s", s, next)
}
