package lifecycle

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidTransition is returned when a worker is moved between states the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

// State is the lifecycle state of a worker.
type State int

const (
	Installing State = iota
	Waiting
	Activating
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the allowed next states. Redundant is terminal and any
// live state may become redundant.
var transitions = map[State][]State{
	Installing: {Waiting, Redundant},
	Waiting:    {Activating, Redundant},
	Activating: {Active, Redundant},
	Active:     {Redundant},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
