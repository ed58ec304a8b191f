package events

import "encoding/json"

// Event name constants
const (
	CalibrationState  = "calibration.state"
	LifecycleState    = "lifecycle.state"
	CalibrationDemand = "calibration.demand"
	ScheduleChanged   = "calibration.schedule"
)

// Event is a named JSON payload streamed from the daemon.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// StateChangeEvent is the typed payload for calibration.state and lifecycle.state.
type StateChangeEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	// AttemptID groups the transitions of one check cycle.
	AttemptID string `json:"attemptId,omitempty"`
	Ts        int64  `json:"ts"`
}

// DemandEvent is the typed payload for calibration.demand.
type DemandEvent struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// Schedule actions carried by ScheduleEvent.
const (
	ScheduleSet      = "schedule"
	ScheduleDisable  = "disable"
	ScheduleSkip     = "skip"
	SchedulePostpone = "postpone"
	ScheduleUpcoming = "upcoming"
)

// ScheduleEvent is the typed payload for calibration.schedule.
type ScheduleEvent struct {
	Action string `json:"action"`
	Cron   string `json:"cron"`
	Next   int64  `json:"next,omitempty"`
	Ts     int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// If Data is empty, it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.StateChangeEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
