package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	maxTickRecords = 60
	// tickSlack is the extra delay tolerated between two ticks before one
	// counts as missed.
	tickSlack = time.Second
)

// TickRecorder records the times of the last N supervisor ticks.
type TickRecorder struct {
	MaxRecordCount int
	Interval       time.Duration

	clk     clock.Clock
	records []time.Time
	mu      *sync.Mutex
}

// NewTickRecorder returns an empty TickRecorder for ticks every interval.
func NewTickRecorder(clk clock.Clock, interval time.Duration, maxRecordCount int) *TickRecorder {
	if clk == nil {
		clk = clock.New()
	}
	return &TickRecorder{
		MaxRecordCount: maxRecordCount,
		Interval:       interval,
		clk:            clk,
		mu:             &sync.Mutex{},
	}
}

// AddRecordNow adds a record with the current time.
func (r *TickRecorder) AddRecordNow() {
	r.AddRecord(r.clk.Now())
}

// AddRecord adds a new record.
func (r *TickRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	t = t.Round(0)

	if len(r.records) >= r.MaxRecordCount {
		r.records = r.records[1:]
	}
	r.records = append(r.records, t)
}

// ClearRecords clears all records.
func (r *TickRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = nil
}

// GetRecords returns a copy of the records, oldest first.
func (r *TickRecorder) GetRecords() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Time(nil), r.records...)
}

// GetRecordsIn returns the number of continuous records in the last duration.
// Two records are continuous when they are less than Interval+tickSlack apart.
func (r *TickRecorder) GetRecordsIn(last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	gap := r.Interval + tickSlack

	// The last record must be recent.
	if len(r.records) > 0 && r.clk.Since(r.records[len(r.records)-1]) >= gap {
		return 0
	}

	count := 0
	for i := len(r.records) - 1; i >= 0; i-- {
		record := r.records[i]
		if r.clk.Since(record) > last {
			break
		}

		theRecordAfter := record
		if i+1 < len(r.records) {
			theRecordAfter = r.records[i+1]
		}

		if theRecordAfter.Sub(record) >= gap {
			break
		}
		count++
	}

	return count
}

// GetLastRecords returns the records in the last duration, newest first.
func (r *TickRecorder) GetLastRecords(last time.Duration) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []time.Time
	for i := len(r.records) - 1; i >= 0; i-- {
		record := r.records[i]
		if r.clk.Since(record) > last {
			break
		}
		records = append(records, record)
	}

	return records
}

func (r *TickRecorder) formatRelativeTimes(times []time.Time) []string {
	var out []string
	for _, t := range times {
		out = append(out, r.clk.Since(t).String())
	}
	return out
}

// window is the span over which missed ticks are looked for.
func (r *TickRecorder) window() time.Duration {
	return 8*r.Interval + tickSlack
}

// CheckMissed logs and reports whether ticks were missed recently, e.g.
// because a service call ran long.
func (r *TickRecorder) CheckMissed() bool {
	window := r.window()
	count := r.GetRecordsIn(window)
	expected := int(window / r.Interval)
	minCount := expected - 1

	if len(r.GetRecords()) < expected {
		// not enough history yet
		return false
	}

	if count < minCount {
		logrus.WithFields(logrus.Fields{
			"tickCount":         count,
			"expectedTickCount": expected,
			"minTickCount":      minCount,
			"recentRecords":     r.formatRelativeTimes(r.GetLastRecords(window)),
		}).Info("possibly missed supervisor ticks")
		return true
	}
	return false
}

// Run ticks the supervisor every period until ctx is done.
func (s *Supervisor) Run(ctx context.Context, period time.Duration) {
	recorder := NewTickRecorder(s.clk, period, maxTickRecords)
	ticker := s.clk.Ticker(period)
	defer ticker.Stop()

	logrus.WithField("period", period).Debug("tick loop starts")
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("tick loop stopped")
			return
		case <-ticker.C:
			recorder.CheckMissed()
			recorder.AddRecordNow()
			s.Tick(ctx)
		}
	}
}

type tickStatus struct {
	lifecycle      string
	state          string
	desired        string
	demanded       bool
	motionDisabled bool
}

// printStatus logs the status at debug level when it changes and at trace
// level otherwise.
func (s *Supervisor) printStatus() {
	st := s.Status()
	current := tickStatus{
		lifecycle:      st.Lifecycle,
		state:          string(st.State),
		desired:        string(st.Desired),
		demanded:       st.Demanded,
		motionDisabled: st.MotionDisabled,
	}

	fields := logrus.Fields{
		"lifecycle":      st.Lifecycle,
		"state":          st.State,
		"desired":        st.Desired,
		"samples":        st.Samples,
		"mean":           st.Mean,
		"stdDeviation":   st.StdDeviation,
		"temperature":    st.CurrentTemperature,
		"demanded":       st.Demanded,
		"motionDisabled": st.MotionDisabled,
	}

	now := s.clk.Now()
	if current == s.lastStatus && now.Sub(s.lastPrintTime) < time.Minute {
		logrus.WithFields(fields).Trace("supervisor status")
		return
	}

	logrus.WithFields(fields).Debug("supervisor status")

	s.lastStatus = current
	s.lastPrintTime = now
}
