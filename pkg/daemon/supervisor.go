package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/imucal/imucal/pkg/calibration"
	"github.com/imucal/imucal/pkg/events"
	"github.com/imucal/imucal/pkg/history"
	"github.com/imucal/imucal/pkg/lifecycle"
	"github.com/imucal/imucal/pkg/orchestrator"
	"github.com/imucal/imucal/pkg/stats"
	"github.com/imucal/imucal/pkg/throttle"
)

// Recorder persists committed transitions.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (history.Entry, error)
}

// StatePublisher announces the calibration state label to other components.
type StatePublisher interface {
	PublishState(label string) error
}

// Options configures a Supervisor. Only Software, Motion and Actuator are
// required.
type Options struct {
	Calibration    calibration.Config
	Clock          clock.Clock
	Hardware       lifecycle.Hardware
	Software       lifecycle.Software
	Motion         orchestrator.MotionService
	Actuator       orchestrator.Actuator
	ServiceTimeout time.Duration
	StatsRetention time.Duration
	History        Recorder
	Hub            *events.Hub
	Publisher      StatePublisher
}

// Supervisor runs the lifecycle and, while it is READY, the calibration
// workflow. Tick is called from a single goroutine; ingestion, demands and
// status reads may come from any goroutine.
type Supervisor struct {
	clk       clock.Clock
	cfg       calibration.Config
	acc       *stats.Accumulator
	orch      *orchestrator.Orchestrator
	life      *lifecycle.Controller
	history   Recorder
	hub       *events.Hub
	publisher StatePublisher
	throttle  *throttle.Throttle

	tickMu sync.Mutex

	// mu guards machine, cctx and attemptID.
	mu        sync.Mutex
	machine   *calibration.Machine
	cctx      calibration.Context
	attemptID string

	tempMu      sync.RWMutex
	temperature float64

	lastStatus    tickStatus
	lastPrintTime time.Time
}

func NewSupervisor(opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	hw := opts.Hardware
	if hw == nil {
		hw = &lifecycle.VirtualHardware{}
	}

	s := &Supervisor{
		clk:       clk,
		cfg:       opts.Calibration,
		acc:       stats.NewAccumulator(opts.StatsRetention),
		orch:      orchestrator.New(opts.Motion, opts.Actuator, clk, opts.Calibration.CalibrationTimeout, opts.ServiceTimeout),
		history:   opts.History,
		hub:       opts.Hub,
		publisher: opts.Publisher,
		throttle:  throttle.New(),
		machine:   calibration.NewMachine(calibration.StateUnknown),
	}
	s.life = lifecycle.NewController(hw, opts.Software, s.evaluate)
	return s
}

// IngestGyro appends a gyro sample. It never touches the state machine.
func (s *Supervisor) IngestGyro(smp stats.Sample) {
	s.acc.Ingest(smp)
}

// IngestTemperature stores the latest temperature reading.
func (s *Supervisor) IngestTemperature(_ time.Time, celsius float64) {
	s.tempMu.Lock()
	s.temperature = celsius
	s.tempMu.Unlock()
}

func (s *Supervisor) currentTemperature() float64 {
	s.tempMu.RLock()
	defer s.tempMu.RUnlock()
	return s.temperature
}

// Seed restores the time and temperature of the last good check, so they
// are reported across restarts. The workflow still starts from UNKNOWN.
func (s *Supervisor) Seed(last history.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cctx.LastCalibrationTime = last.Time
	s.cctx.TemperatureAtLastCalibration = last.Temperature
}

// Demand registers an operator request for a check cycle. A cycle staged but
// not yet committed counts as running.
func (s *Supervisor) Demand(source string) calibration.DemandResult {
	s.mu.Lock()
	res := calibration.Demand(s.machine.Desired(), &s.cctx)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"source":  source,
		"message": res.Message,
	}).Info("calibration demanded")

	s.hub.Publish(events.CalibrationDemand, events.DemandEvent{
		Source:  source,
		Message: res.Message,
		Ts:      s.clk.Now().Unix(),
	})
	return res
}

// State returns the committed calibration state.
func (s *Supervisor) State() calibration.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Lifecycle returns the lifecycle state.
func (s *Supervisor) Lifecycle() lifecycle.State {
	return s.life.State()
}

// Summary returns the accumulated gyro statistics.
func (s *Supervisor) Summary() stats.Summary {
	return s.acc.Summary()
}

// Status returns a snapshot of the whole workflow.
func (s *Supervisor) Status() calibration.Status {
	sum := s.acc.Summary()
	temp := s.currentTemperature()

	s.mu.Lock()
	st := calibration.Status{
		State:                        s.machine.Current(),
		Desired:                      s.machine.Desired(),
		Reason:                       s.machine.Reason(),
		Samples:                      sum.Count,
		Mean:                         sum.Mean,
		StdDeviation:                 sum.StdDeviation,
		SpanSeconds:                  sum.Span.Seconds(),
		CurrentTemperature:           temp,
		TemperatureAtLastCalibration: s.cctx.TemperatureAtLastCalibration,
		LastCalibrationTime:          s.cctx.LastCalibrationTime,
		CalibrationStartedAt:         s.cctx.CalibrationStartedAt,
		Demanded:                     s.cctx.Demanded,
		OnlyOnDemand:                 s.cfg.OnlyOnDemand,
		AttemptID:                    s.attemptID,
	}
	s.mu.Unlock()

	st.Lifecycle = string(s.life.State())
	st.MotionDisabled = s.orch.MotionDisabled()
	if st.State == calibration.StateCalibrating {
		st.RemainingCalibrationSecs = int(s.orch.Remaining().Seconds())
	}
	return st
}

// Tick advances the lifecycle once and commits the calibration state staged
// during the tick.
func (s *Supervisor) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if t, changed := s.life.Tick(ctx); changed {
		s.record(ctx, history.KindLifecycle, string(t.From), string(t.To), t.Reason, "")
		s.hub.Publish(events.LifecycleState, events.StateChangeEvent{
			From:   string(t.From),
			To:     string(t.To),
			Reason: t.Reason,
			Ts:     s.clk.Now().Unix(),
		})
	}

	s.mu.Lock()
	t, changed := s.machine.Commit()
	if changed && t.To == calibration.StateMustCheck && !t.From.InProgress() {
		s.attemptID = uuid.NewString()
	}
	attemptID := s.attemptID
	s.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"from":      t.From,
			"to":        t.To,
			"reason":    t.Reason,
			"attemptId": attemptID,
		}).Info("calibration state changed")
		s.record(ctx, history.KindCalibration, string(t.From), string(t.To), t.Reason, attemptID)
		s.hub.Publish(events.CalibrationState, events.StateChangeEvent{
			From:      string(t.From),
			To:        string(t.To),
			Reason:    t.Reason,
			AttemptID: attemptID,
			Ts:        s.clk.Now().Unix(),
		})
	}

	s.publishState(t.To)
	s.printStatus()
}

func (s *Supervisor) publishState(state calibration.State) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishState(string(state)); err != nil {
		s.throttle.Every("publish", calibration.PermissionNoticeInterval, func() {
			logrus.WithError(err).Warn("failed to publish calibration state")
		})
	}
}

func (s *Supervisor) record(ctx context.Context, kind history.Kind, from, to, reason, attemptID string) {
	if s.history == nil {
		return
	}
	sum := s.acc.Summary()
	_, err := s.history.Record(ctx, history.Entry{
		AttemptID:    attemptID,
		Kind:         kind,
		From:         from,
		To:           to,
		Reason:       reason,
		Samples:      sum.Count,
		Mean:         sum.Mean,
		StdDeviation: sum.StdDeviation,
		Temperature:  s.currentTemperature(),
		Time:         s.clk.Now(),
	})
	if err != nil {
		logrus.WithError(err).WithField("kind", kind).Warn("failed to record transition")
	}
}

// evaluate runs one step of the calibration workflow while the lifecycle is
// READY. It stages the next state and reports whether the lifecycle must
// switch to FAILURE.
func (s *Supervisor) evaluate(ctx context.Context) bool {
	now := s.clk.Now()

	s.mu.Lock()
	current := s.machine.Current()
	s.cctx.CurrentTemperature = s.currentTemperature()
	in := calibration.Inputs{
		Now:        now,
		Config:     s.cfg,
		Context:    s.cctx,
		Stats:      s.acc.Summary(),
		EnoughData: s.acc.HasEnoughData(s.cfg.GatheringPeriod),
	}
	s.mu.Unlock()
	if current == calibration.StateCalibrating {
		in.CalibrationTimedOut = s.orch.IsCalibrationTimedOut()
	}

	d := calibration.Decide(current, in)
	if d.Notice != "" {
		s.throttle.Every(string(current)+"/"+d.Notice, d.NoticeInterval, func() {
			logrus.WithFields(logrus.Fields{
				"state":   current,
				"samples": in.Stats.Count,
			}).Info(d.Notice)
		})
	}

	d = s.execute(ctx, in, d)
	s.stage(current, d)
	return d.ForceFailure
}

// stage sets the desired state. A demand that arrived after the inputs were
// read is folded into a check cycle starting now.
func (s *Supervisor) stage(current calibration.State, d calibration.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Next == calibration.StateMustCheck && !current.InProgress() && s.cctx.Demanded {
		s.cctx.Demanded = false
		s.cctx.DemandCycle = true
	}
	if err := s.machine.SetDesired(d.Next, d.Reason); err != nil {
		logrus.WithError(err).Error("failed to stage calibration state")
	}
}

// execute runs the effects of d in order. An attempted calibration is
// resolved into a second decision whose effects run as well; that decision
// is returned in place of d.
func (s *Supervisor) execute(ctx context.Context, in calibration.Inputs, d calibration.Decision) calibration.Decision {
	for _, e := range d.Effects {
		switch e {
		case calibration.EffectClearStats:
			s.acc.Clear()
		case calibration.EffectDisableMotion:
			if err := s.orch.ToggleMotion(ctx, false); err != nil {
				logrus.WithError(err).Warn("failed to disable motion before checking")
			}
		case calibration.EffectEnableMotion:
			if err := s.orch.ToggleMotion(ctx, true); err != nil {
				logrus.WithError(err).Warn("failed to enable motion after checking")
			}
		case calibration.EffectConsumeDemand:
			s.mu.Lock()
			s.cctx.Demanded = false
			s.cctx.DemandCycle = true
			s.mu.Unlock()
		case calibration.EffectEndDemandCycle:
			s.mu.Lock()
			s.cctx.DemandCycle = false
			s.mu.Unlock()
		case calibration.EffectRecordCalibrated:
			s.mu.Lock()
			s.cctx.LastCalibrationTime = in.Now
			s.cctx.TemperatureAtLastCalibration = in.Context.CurrentTemperature
			s.mu.Unlock()
		case calibration.EffectRecordCalibrationStart:
			s.mu.Lock()
			s.cctx.CalibrationStartedAt = s.orch.StartedAt()
			s.mu.Unlock()
		case calibration.EffectAttemptCalibration:
			resolved := calibration.ResolveAttempt(s.attempt(ctx))
			return s.execute(ctx, in, resolved)
		}
	}
	return d
}

func (s *Supervisor) attempt(ctx context.Context) calibration.Attempt {
	var a calibration.Attempt
	if err := s.orch.ToggleMotion(ctx, false); err != nil {
		logrus.WithError(err).Warn("failed to disable motion before calibrating")
		a.Message = err.Error()
		return a
	}
	a.MotionDisabled = true

	if err := s.orch.TriggerCalibration(ctx); err != nil {
		logrus.WithError(err).Error("failed to start calibration")
		a.Message = err.Error()
		return a
	}
	a.Triggered = true
	return a
}

// Shutdown stops the data channels and the hardware. Motion disabled by the
// supervisor is enabled again.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var err error
	if s.orch.MotionDisabled() {
		logrus.Info("enabling motion before exiting")
		err = multierr.Append(err, s.orch.ToggleMotion(ctx, true))
	}
	err = multierr.Append(err, s.life.Shutdown())
	return err
}
