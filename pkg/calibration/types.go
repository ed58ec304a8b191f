package calibration

import "time"

// State defines states of the calibration workflow.
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateNotCalibrated State = "NOT_CALIBRATED"
	StateMustCheck     State = "MUST_CHECK"
	StateChecking      State = "CHECKING"
	StateMustCalibrate State = "MUST_CALIBRATE"
	StateCalibrating   State = "CALIBRATING"
	StateCalibrated    State = "CALIBRATED"
)

// States lists every declared state.
var States = []State{
	StateUnknown,
	StateNotCalibrated,
	StateMustCheck,
	StateChecking,
	StateMustCalibrate,
	StateCalibrating,
	StateCalibrated,
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// InProgress reports whether a check or calibration run is under way.
func (s State) InProgress() bool {
	switch s {
	case StateMustCheck, StateChecking, StateMustCalibrate, StateCalibrating:
		return true
	}
	return false
}

// Config holds the thresholds of the workflow. It is set once at startup.
type Config struct {
	// MaxMeanError is the largest accepted |mean| of the gyro rate.
	MaxMeanError float64 `json:"maxMeanError"`
	// MaxStdDeviation is the largest accepted |standard deviation|.
	MaxStdDeviation float64 `json:"maxStdDeviation"`
	// TemperatureDelta triggers a check when the temperature drifts further
	// than this from the temperature at the last calibration.
	TemperatureDelta float64 `json:"temperatureDelta"`
	// GatheringPeriod is the minimum span of samples needed to judge.
	GatheringPeriod time.Duration `json:"gatheringPeriod"`
	// RecheckPeriod triggers a check after this long without one.
	RecheckPeriod time.Duration `json:"recheckPeriod"`
	// CalibrationTimeout is how long an actuator run is given to finish.
	CalibrationTimeout time.Duration `json:"calibrationTimeout"`
	// OnlyOnDemand restricts checks and runs to operator requests.
	OnlyOnDemand bool `json:"onlyOnDemand"`
}

// Context is the mutable run state of the workflow.
type Context struct {
	LastCalibrationTime          time.Time `json:"lastCalibrationTime"`
	TemperatureAtLastCalibration float64   `json:"temperatureAtLastCalibration"`
	CurrentTemperature           float64   `json:"currentTemperature"`
	CalibrationStartedAt         time.Time `json:"calibrationStartedAt"`
	// Demanded is set by an operator request and consumed when a cycle starts.
	Demanded bool `json:"demanded"`
	// DemandCycle is true while a cycle started by an operator request runs.
	DemandCycle bool `json:"demandCycle"`
}

// DemandResult is the reply to an operator request.
type DemandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const (
	MessageDemandAccepted = "Calibration triggered"
	MessageDemandIgnored  = "Calibration was running, so this call had no effect"
)

// Status is a synthesized view model exposed via HTTP and the CLI. It derives
// from the machine, the run context and live statistics.
type Status struct {
	State                        State     `json:"state"`
	Desired                      State     `json:"desired"`
	Reason                       string    `json:"reason,omitempty"`
	Lifecycle                    string    `json:"lifecycle"`
	Samples                      int       `json:"samples"`
	Mean                         float64   `json:"mean"`
	StdDeviation                 float64   `json:"stdDeviation"`
	SpanSeconds                  float64   `json:"spanSeconds"`
	CurrentTemperature           float64   `json:"currentTemperature"`
	TemperatureAtLastCalibration float64   `json:"temperatureAtLastCalibration"`
	LastCalibrationTime          time.Time `json:"lastCalibrationTime"`
	CalibrationStartedAt         time.Time `json:"calibrationStartedAt"`
	RemainingCalibrationSecs     int       `json:"remainingCalibrationSeconds"`
	Demanded                     bool      `json:"demanded"`
	OnlyOnDemand                 bool      `json:"onlyOnDemand"`
	MotionDisabled               bool      `json:"motionDisabled"`
	ScheduledAt                  time.Time `json:"scheduledAt"`
	AttemptID                    string    `json:"attemptId,omitempty"`
}
