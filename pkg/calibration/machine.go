package calibration

import (
	pkgerrors "github.com/pkg/errors"
)

// ErrUndeclaredState is returned when a desired state is not one of States.
var ErrUndeclaredState = pkgerrors.New("undeclared calibration state")

// Transition describes one committed state change.
type Transition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Machine holds the current state and the staged desired state. Writes to
// the desired state are only applied by Commit.
type Machine struct {
	current State
	desired State
	reason  string
}

// NewMachine returns a machine whose current and desired states are initial.
func NewMachine(initial State) *Machine {
	if !initial.Valid() {
		initial = StateUnknown
	}
	return &Machine{current: initial, desired: initial}
}

func (m *Machine) Current() State { return m.current }
func (m *Machine) Desired() State { return m.desired }

// Reason returns the reason given with the last committed transition.
func (m *Machine) Reason() string { return m.reason }

// SetDesired stages s to be applied by the next Commit.
func (m *Machine) SetDesired(s State, reason string) error {
	if !s.Valid() {
		return pkgerrors.Wrapf(ErrUndeclaredState, "%q", s)
	}
	m.desired = s
	if s != m.current {
		m.reason = reason
	}
	return nil
}

// Commit applies the desired state. It returns the transition and whether the
// current state changed.
func (m *Machine) Commit() (Transition, bool) {
	if m.desired == m.current {
		return Transition{From: m.current, To: m.current}, false
	}
	t := Transition{From: m.current, To: m.desired, Reason: m.reason}
	m.current = m.desired
	return t, true
}
