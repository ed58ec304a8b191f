package lifecycle

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ReadyFunc runs the calibration workflow for one tick while READY. It
// returns true to force the lifecycle into FAILURE.
type ReadyFunc func(ctx context.Context) (forceFailure bool)

// Transition describes one lifecycle state change.
type Transition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Controller runs the lifecycle hooks and keeps track of which subsystems
// are running. Start and stop calls are idempotent.
type Controller struct {
	hw      Hardware
	sw      Software
	onReady ReadyFunc

	// ops serialises hook calls so mu is never held while a hook blocks.
	ops       sync.Mutex
	mu        sync.RWMutex
	state     State
	hwRunning bool
	swRunning bool
}

// NewController returns a controller in INIT.
func NewController(hw Hardware, sw Software, onReady ReadyFunc) *Controller {
	if hw == nil {
		hw = &VirtualHardware{}
	}
	if onReady == nil {
		onReady = func(context.Context) bool { return false }
	}
	return &Controller{
		hw:      hw,
		sw:      sw,
		onReady: onReady,
		state:   StateInit,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// HardwareRunning reports whether hardware has been started.
func (c *Controller) HardwareRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hwRunning
}

// SoftwareRunning reports whether software has been started.
func (c *Controller) SoftwareRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.swRunning
}

func (c *Controller) StartHardware() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.HardwareRunning() {
		return nil
	}
	if err := c.hw.Start(); err != nil {
		return pkgerrors.Wrap(err, "failed to start hardware")
	}
	c.setRunning(&c.hwRunning, true)
	return nil
}

// StopHardware stops hardware. It is refused while software runs.
func (c *Controller) StopHardware() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if !c.HardwareRunning() {
		return nil
	}
	if c.SoftwareRunning() {
		return pkgerrors.Wrap(ErrSoftwareRunning, "failed to stop hardware")
	}
	if err := c.hw.Stop(); err != nil {
		return pkgerrors.Wrap(err, "failed to stop hardware")
	}
	c.setRunning(&c.hwRunning, false)
	return nil
}

// StartSoftware starts software. Hardware must already be running. State
// queries stay answerable while the software waits for proof of life.
func (c *Controller) StartSoftware(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.SoftwareRunning() {
		return nil
	}
	if !c.HardwareRunning() {
		return pkgerrors.Wrap(ErrHardwareNotStarted, "failed to start software")
	}
	if err := c.sw.Start(ctx); err != nil {
		return pkgerrors.Wrap(err, "failed to start software")
	}
	c.setRunning(&c.swRunning, true)
	return nil
}

func (c *Controller) StopSoftware() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if !c.SoftwareRunning() {
		return nil
	}
	if err := c.sw.Stop(); err != nil {
		return pkgerrors.Wrap(err, "failed to stop software")
	}
	c.setRunning(&c.swRunning, false)
	return nil
}

func (c *Controller) setRunning(flag *bool, v bool) {
	c.mu.Lock()
	*flag = v
	c.mu.Unlock()
}

// HardwareReachable reports whether hardware runs and answers.
func (c *Controller) HardwareReachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hwRunning && c.hw.Reachable()
}

// SoftwareReachable reports whether software runs and every channel receives.
func (c *Controller) SoftwareReachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.swRunning && c.sw.Healthy()
}

// Tick runs the hook of the current state and applies the resulting
// transition. It must not be called concurrently with itself.
func (c *Controller) Tick(ctx context.Context) (Transition, bool) {
	from := c.State()
	var o Observation

	switch from {
	case StateInit:
		err := c.StartHardware()
		if err != nil {
			logrus.WithError(err).Error("lifecycle: init")
		}
		o.HardwareStarted = err == nil
	case StateStandby:
		err := c.StartSoftware(ctx)
		if err != nil {
			logrus.WithError(err).Warn("lifecycle: standby, will retry")
		}
		o.SoftwareStarted = err == nil
	case StateReady:
		o.HardwareReachable = c.HardwareReachable()
		if o.HardwareReachable {
			o.SoftwareReachable = c.SoftwareReachable()
		}
		if o.HardwareReachable && o.SoftwareReachable {
			o.FailureRequested = c.onReady(ctx)
		}
	case StateEmergency:
		if err := c.StopSoftware(); err != nil {
			logrus.WithError(err).Error("lifecycle: emergency")
		}
		o.HardwareReachable = c.HardwareReachable()
	case StateFailure:
		c.recoverHardware()
		o.HardwareReachable = c.HardwareReachable()
	}

	to, reason := Next(from, o)
	if to == from {
		return Transition{From: from, To: to}, false
	}

	c.mu.Lock()
	c.state = to
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Info("lifecycle state changed")

	return Transition{From: from, To: to, Reason: reason}, true
}

// recoverHardware stops software and running hardware, then starts hardware
// again.
func (c *Controller) recoverHardware() {
	if err := c.StopSoftware(); err != nil {
		logrus.WithError(err).Error("lifecycle: failure")
		return
	}
	if c.HardwareRunning() {
		if err := c.StopHardware(); err != nil {
			logrus.WithError(err).Error("lifecycle: failure")
			return
		}
	}
	if err := c.StartHardware(); err != nil {
		logrus.WithError(err).Error("lifecycle: failure")
	}
}

// Shutdown stops software and then hardware.
func (c *Controller) Shutdown() error {
	var err error
	err = multierr.Append(err, c.StopSoftware())
	err = multierr.Append(err, c.StopHardware())
	return err
}
