package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/imucal/imucal/pkg/stats"
)

// Effect is a side effect the caller executes after a decision, in order.
type Effect string

const (
	// EffectClearStats empties the statistics buffer.
	EffectClearStats Effect = "ClearStats"
	// EffectDisableMotion halts the platform. Failure is only logged.
	EffectDisableMotion Effect = "DisableMotion"
	// EffectEnableMotion restores platform motion. Failure is only logged.
	EffectEnableMotion Effect = "EnableMotion"
	// EffectConsumeDemand clears a pending operator demand and marks the
	// cycle as operator-initiated.
	EffectConsumeDemand Effect = "ConsumeDemand"
	// EffectEndDemandCycle marks the end of an operator-initiated cycle.
	EffectEndDemandCycle Effect = "EndDemandCycle"
	// EffectRecordCalibrated stores the time and temperature of a good check.
	EffectRecordCalibrated Effect = "RecordCalibrated"
	// EffectAttemptCalibration disables motion and triggers the actuator. The
	// caller feeds the outcome to ResolveAttempt for the final decision.
	EffectAttemptCalibration Effect = "AttemptCalibration"
	// EffectRecordCalibrationStart stores the actuator start time.
	EffectRecordCalibrationStart Effect = "RecordCalibrationStart"
)

// Throttle intervals for messages logged while the machine holds.
const (
	PermissionNoticeInterval = 10 * time.Second
	ProgressNoticeInterval   = time.Second
)

// Inputs is everything a decision may depend on.
type Inputs struct {
	Now        time.Time
	Config     Config
	Context    Context
	Stats      stats.Summary
	EnoughData bool
	// CalibrationTimedOut reports whether the running calibration has used
	// up its timeout.
	CalibrationTimedOut bool
}

// Decision is the outcome of evaluating one state.
type Decision struct {
	Next    State
	Effects []Effect
	Reason  string
	// Notice is logged at most once per NoticeInterval while the machine holds.
	Notice         string
	NoticeInterval time.Duration
	// ForceFailure asks the lifecycle to switch to FAILURE.
	ForceFailure bool
}

// Changes reports whether the decision moves away from current.
func (d Decision) Changes(current State) bool { return d.Next != current }

// Permitted reports whether a check or a calibration run may start. Both
// share this gate: only a demand-only configuration without a pending or
// running operator request forbids them.
func Permitted(cfg Config, ctx Context) bool {
	return !cfg.OnlyOnDemand || ctx.Demanded || ctx.DemandCycle
}

// Verdict is the result of judging the accumulated statistics.
type Verdict struct {
	MeanOK       bool
	StdOK        bool
	Mean         float64
	StdDeviation float64
}

// Calibrated reports whether both bounds hold.
func (v Verdict) Calibrated() bool { return v.MeanOK && v.StdOK }

// Judge checks the statistics against the configured bounds.
func Judge(s stats.Summary, cfg Config) Verdict {
	return Verdict{
		MeanOK:       math.Abs(s.Mean) <= cfg.MaxMeanError,
		StdOK:        math.Abs(s.StdDeviation) <= cfg.MaxStdDeviation,
		Mean:         s.Mean,
		StdDeviation: s.StdDeviation,
	}
}

// Decide evaluates the current state. It is pure: it neither mutates its
// inputs nor performs side effects.
//
//nolint:gocyclo
func Decide(current State, in Inputs) Decision {
	cfg, ctx := in.Config, in.Context
	stay := Decision{Next: current}

	switch current {
	case StateUnknown, StateNotCalibrated:
		if !Permitted(cfg, ctx) {
			return stay
		}
		d := Decision{Next: StateMustCheck, Reason: "calibration state must be verified"}
		if ctx.Demanded {
			d.Effects = []Effect{EffectConsumeDemand}
			d.Reason = "calibration has been demanded"
		}
		return d

	case StateCalibrated:
		if !cfg.OnlyOnDemand {
			if drift := math.Abs(ctx.CurrentTemperature - ctx.TemperatureAtLastCalibration); drift > cfg.TemperatureDelta {
				return Decision{
					Next: StateMustCheck,
					Reason: fmt.Sprintf("temperature changed by %.2f (current %.2f, at last calibration %.2f, allowed %.2f)",
						drift, ctx.CurrentTemperature, ctx.TemperatureAtLastCalibration, cfg.TemperatureDelta),
				}
			}
			if in.Now.Sub(ctx.LastCalibrationTime) > cfg.RecheckPeriod {
				return Decision{Next: StateMustCheck, Reason: "period between calibrations has been exceeded"}
			}
		}
		if ctx.Demanded {
			return Decision{
				Next:    StateMustCheck,
				Effects: []Effect{EffectConsumeDemand},
				Reason:  "calibration has been demanded",
			}
		}
		return stay

	case StateMustCheck:
		if !Permitted(cfg, ctx) {
			stay.Notice = "cannot check current calibration"
			stay.NoticeInterval = PermissionNoticeInterval
			return stay
		}
		return Decision{
			Next:    StateChecking,
			Effects: []Effect{EffectClearStats, EffectDisableMotion},
			Reason:  "calibration checking is enabled",
		}

	case StateChecking:
		if !in.EnoughData {
			stay.Notice = "not enough data gathered"
			stay.NoticeInterval = ProgressNoticeInterval
			return stay
		}
		if !Judge(in.Stats, cfg).Calibrated() {
			return Decision{Next: StateMustCalibrate, Reason: "imu is not calibrated"}
		}
		return Decision{
			Next:    StateCalibrated,
			Effects: []Effect{EffectRecordCalibrated, EffectEndDemandCycle, EffectEnableMotion},
			Reason:  "imu is calibrated",
		}

	case StateMustCalibrate:
		if !Permitted(cfg, ctx) {
			stay.Notice = "calibration is needed, but it is not permitted to run"
			stay.NoticeInterval = PermissionNoticeInterval
			return stay
		}
		return Decision{Next: StateMustCalibrate, Effects: []Effect{EffectAttemptCalibration}}

	case StateCalibrating:
		if !in.CalibrationTimedOut {
			stay.Notice = "running calibration"
			stay.NoticeInterval = ProgressNoticeInterval
			return stay
		}
		return Decision{Next: StateMustCheck, Reason: "calibration run finished"}
	}

	return stay
}

// Attempt is the outcome of EffectAttemptCalibration.
type Attempt struct {
	MotionDisabled bool
	Triggered      bool
	Message        string
}

// ResolveAttempt decides where MUST_CALIBRATE goes once the attempt's
// service calls have returned.
func ResolveAttempt(a Attempt) Decision {
	if !a.MotionDisabled {
		return Decision{
			Next:    StateNotCalibrated,
			Effects: []Effect{EffectEndDemandCycle},
			Reason:  "platform motion could not be disabled",
		}
	}
	if !a.Triggered {
		reason := "calibration process could not start"
		if a.Message != "" {
			reason += ": " + a.Message
		}
		return Decision{
			Next:         StateNotCalibrated,
			Effects:      []Effect{EffectEndDemandCycle},
			Reason:       reason,
			ForceFailure: true,
		}
	}
	return Decision{
		Next:    StateCalibrating,
		Effects: []Effect{EffectRecordCalibrationStart},
		Reason:  "calibration process started",
	}
}

// Demand handles an operator request against the current state. It only
// sets the demand flag while no check or run is in progress.
func Demand(current State, ctx *Context) DemandResult {
	if current.InProgress() {
		return DemandResult{Success: true, Message: MessageDemandIgnored}
	}
	ctx.Demanded = true
	return DemandResult{Success: true, Message: MessageDemandAccepted}
}
