// Package orchestrator sequences the external services taking part in a
// calibration run: the platform motion control and the calibration actuator.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMotionRefused is returned when the motion service declines a request.
	ErrMotionRefused = pkgerrors.New("motion service refused the request")
	// ErrActuatorRejected is returned when the actuator declines to start.
	ErrActuatorRejected = pkgerrors.New("calibration actuator rejected the trigger")
)

// Result is the reply of an external service.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// MotionService enables or disables platform motion.
type MotionService interface {
	SetEnabled(ctx context.Context, enabled bool) (Result, error)
}

// Actuator starts a calibration run.
type Actuator interface {
	Trigger(ctx context.Context) (Result, error)
}

// Orchestrator calls the external services. Calls are synchronous and each
// is bounded by the call timeout. Nothing is retried.
type Orchestrator struct {
	motion      MotionService
	actuator    Actuator
	clk         clock.Clock
	timeout     time.Duration
	callTimeout time.Duration

	mu             sync.RWMutex
	startedAt      time.Time
	motionDisabled bool
}

// New returns an orchestrator. A nil clock uses the wall clock; a
// non-positive callTimeout leaves calls bounded only by the caller's context.
func New(motion MotionService, actuator Actuator, clk clock.Clock, calibrationTimeout, callTimeout time.Duration) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		motion:      motion,
		actuator:    actuator,
		clk:         clk,
		timeout:     calibrationTimeout,
		callTimeout: callTimeout,
	}
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return o.clk.WithTimeout(ctx, o.callTimeout)
}

// ToggleMotion asks the motion service to enable or disable motion.
func (o *Orchestrator) ToggleMotion(ctx context.Context, enable bool) error {
	ctx, cancel := o.callContext(ctx)
	defer cancel()

	res, err := o.motion.SetEnabled(ctx, enable)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to set motion enabled=%t", enable)
	}
	if !res.OK {
		return pkgerrors.Wrapf(ErrMotionRefused, "enabled=%t: %s", enable, res.Message)
	}

	o.mu.Lock()
	o.motionDisabled = !enable
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"enabled": enable,
		"message": res.Message,
	}).Info("platform motion toggled")
	return nil
}

// TriggerCalibration starts a calibration run and records its start time.
// A failed trigger leaves the recorded start time untouched.
func (o *Orchestrator) TriggerCalibration(ctx context.Context) error {
	ctx, cancel := o.callContext(ctx)
	defer cancel()

	res, err := o.actuator.Trigger(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to trigger calibration")
	}
	if !res.OK {
		return pkgerrors.Wrap(ErrActuatorRejected, res.Message)
	}

	o.mu.Lock()
	o.startedAt = o.clk.Now()
	o.mu.Unlock()

	logrus.WithField("message", res.Message).Info("calibration run triggered")
	return nil
}

// StartedAt returns when the last successful trigger happened.
func (o *Orchestrator) StartedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.startedAt
}

// IsCalibrationTimedOut reports whether the calibration timeout has elapsed
// since the last trigger.
func (o *Orchestrator) IsCalibrationTimedOut() bool {
	return o.clk.Since(o.StartedAt()) >= o.timeout
}

// Remaining returns how long the current run still has, never negative.
func (o *Orchestrator) Remaining() time.Duration {
	left := o.timeout - o.clk.Since(o.StartedAt())
	if left < 0 {
		return 0
	}
	return left
}

// MotionDisabled reports whether motion was disabled by us and not yet re-enabled.
func (o *Orchestrator) MotionDisabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.motionDisabled
}
