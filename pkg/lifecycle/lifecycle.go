// Package lifecycle implements the outer state machine that brings the sensor
// hardware and its data subscriptions up, keeps them healthy and gates the
// calibration workflow.
package lifecycle

import (
	"context"

	pkgerrors "github.com/pkg/errors"
)

// State is a lifecycle state.
type State string

const (
	StateInit      State = "INIT"
	StateStandby   State = "STANDBY"
	StateReady     State = "READY"
	StateEmergency State = "EMERGENCY"
	StateFailure   State = "FAILURE"
)

var (
	// ErrHardwareNotStarted is returned when software is started before hardware.
	ErrHardwareNotStarted = pkgerrors.New("hardware is not started")
	// ErrSoftwareRunning is returned when hardware is stopped while software runs.
	ErrSoftwareRunning = pkgerrors.New("software is still running")
)

// Hardware is the sensor device.
type Hardware interface {
	Start() error
	Stop() error
	Reachable() bool
}

// Software is the set of data subscriptions feeding the supervisor.
type Software interface {
	// Start subscribes and waits for proof of life on every channel. On
	// failure nothing stays subscribed.
	Start(ctx context.Context) error
	Stop() error
	// Healthy reports whether every channel is still receiving.
	Healthy() bool
}

// VirtualHardware stands in for a device with no control surface: starting
// and stopping always succeed and it is reachable while started.
type VirtualHardware struct {
	started bool
}

func (h *VirtualHardware) Start() error {
	h.started = true
	return nil
}

func (h *VirtualHardware) Stop() error {
	h.started = false
	return nil
}

func (h *VirtualHardware) Reachable() bool { return h.started }

// Observation is what a hook learned while running.
type Observation struct {
	// HardwareStarted is the outcome of starting hardware in INIT.
	HardwareStarted bool
	// SoftwareStarted is the outcome of starting software in STANDBY.
	SoftwareStarted   bool
	HardwareReachable bool
	SoftwareReachable bool
	// FailureRequested is set when the calibration workflow asks for FAILURE.
	FailureRequested bool
}

// Next is the pure transition function of the lifecycle.
func Next(s State, o Observation) (State, string) {
	switch s {
	case StateInit:
		if o.HardwareStarted {
			return StateStandby, "hardware started"
		}
		return StateFailure, "hardware could not be started"
	case StateStandby:
		if o.SoftwareStarted {
			return StateReady, "software started"
		}
		return StateStandby, ""
	case StateReady:
		if !o.HardwareReachable {
			return StateFailure, "hardware is not reachable"
		}
		if !o.SoftwareReachable {
			return StateEmergency, "software is not reachable"
		}
		if o.FailureRequested {
			return StateFailure, "calibration requested failure"
		}
		return StateReady, ""
	case StateEmergency:
		if o.HardwareReachable {
			return StateInit, "restarting after emergency"
		}
		return StateEmergency, ""
	case StateFailure:
		if o.HardwareReachable {
			return StateInit, "hardware recovered"
		}
		return StateFailure, ""
	}
	return StateInit, "unknown lifecycle state"
}
