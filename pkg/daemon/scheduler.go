package daemon

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/config"
)

const (
	// leadDuration is how long before a run the upcoming notice goes out.
	leadDuration     = 5 * time.Minute
	preCheckMaxTimes = 30
	preCheckInterval = 10 * time.Second
	idleWait         = 10000 * time.Hour
)

var (
	ErrNoSchedule      = pkgerrors.New("no active schedule")
	ErrPostponeTooLong = pkgerrors.New("postponed run would pass the following run")
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs a task on a cron schedule. It announces each run
// leadDuration ahead, then gates the run on PreCheck, retrying every
// preCheckInterval up to preCheckMaxTimes before giving the run up.
type Scheduler struct {
	OnUpcoming NotifyFunc
	OnError    NotifyFunc
	Task       TaskFunc
	PreCheck   TaskFunc

	clk clock.Clock

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan control
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type controlKind int

const (
	ctrlReschedule controlKind = iota
	ctrlPostpone
	ctrlSkip
	ctrlDisable
)

func (k controlKind) String() string {
	switch k {
	case ctrlReschedule:
		return "reschedule"
	case ctrlPostpone:
		return "postpone"
	case ctrlSkip:
		return "skip"
	case ctrlDisable:
		return "disable"
	}
	return "unknown"
}

type control struct {
	kind     controlKind
	schedule cron.Schedule
	at       time.Time
}

func NewScheduler(clk clock.Clock, task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Task:       task,
		PreCheck:   preCheck,
		clk:        clk,
		controlCh:  make(chan control, 4),
	}
}

// Start runs the scheduling goroutine. Calling Start on a running scheduler
// does nothing; a stopped scheduler can be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
}

// Stop stops the scheduling goroutine and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}

// Schedule sets the cron expression. An empty expression disables the
// schedule.
func (s *Scheduler) Schedule(cronExpr string) error {
	var sh cron.Schedule
	if cronExpr != "" {
		var err error
		if sh, err = config.ParseCron(cronExpr); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.expr = cronExpr
	running := s.running
	switch {
	case sh == nil:
		s.schedule, s.nextRun = nil, time.Time{}
	case !running:
		s.schedule, s.nextRun = sh, sh.Next(s.clk.Now())
	}
	s.mu.Unlock()

	if !running {
		return nil
	}
	if sh == nil {
		s.send(control{kind: ctrlDisable})
	} else {
		s.send(control{kind: ctrlReschedule, schedule: sh})
	}
	return nil
}

// Postpone delays the next run by d. The delayed run must stay before the
// run after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return pkgerrors.Errorf("postpone duration must be positive, got %s", d)
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return ErrNoSchedule
	}
	following := s.schedule.Next(s.nextRun).Truncate(time.Second)
	at := s.nextRun.Add(d).Truncate(time.Second)
	if !at.Before(following) {
		s.mu.Unlock()
		return ErrPostponeTooLong
	}
	s.nextRun = at
	s.mu.Unlock()

	s.send(control{kind: ctrlPostpone, at: at})
	return nil
}

// Skip drops the next run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return ErrNoSchedule
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.send(control{kind: ctrlSkip})
	}
	return nil
}

// Status returns the next run time, zero when nothing is scheduled.
func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.running
}

// Expr returns the current cron expression.
func (s *Scheduler) Expr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// NextRuns returns up to n upcoming run times.
func (s *Scheduler) NextRuns(n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil || s.nextRun.IsZero() {
		return nil
	}
	runs := make([]time.Time, 0, n)
	for t := s.nextRun; len(runs) < n; t = s.schedule.Next(t) {
		runs = append(runs, t)
	}
	return runs
}

func (s *Scheduler) until(t time.Time) time.Duration {
	return max(s.clk.Until(t), 0)
}

// pending is the run the loop is waiting for.
type pending struct {
	at        time.Time
	timer     *clock.Timer
	announced bool
	attempts  int
	lastErr   string
}

func (s *Scheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(doneCh)
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for s.await(s.arm(), stopCh) {
	}
}

// arm sets up the timer for the next run, or an idle timer when nothing is
// scheduled.
func (s *Scheduler) arm() *pending {
	s.mu.Lock()
	p := &pending{at: s.nextRun}
	if s.schedule == nil {
		p.at = time.Time{}
	}
	s.mu.Unlock()

	if p.at.IsZero() {
		p.timer = s.clk.Timer(idleWait)
	} else {
		p.timer = s.clk.Timer(max(s.until(p.at)-leadDuration, 0))
	}
	return p
}

// await serves p until it is done or replaced. It returns false once the
// scheduler is stopped.
func (s *Scheduler) await(p *pending, stopCh <-chan struct{}) bool {
	defer p.timer.Stop()

	for {
		select {
		case <-stopCh:
			return false
		case c := <-s.controlCh:
			logrus.WithFields(logrus.Fields{
				"kind": c.kind,
				"at":   c.at,
			}).Debug("scheduler control")

			switch c.kind {
			case ctrlPostpone:
				p.at = c.at
				p.timer.Reset(s.until(c.at))
				continue
			case ctrlReschedule:
				s.mu.Lock()
				s.schedule = c.schedule
				s.nextRun = c.schedule.Next(s.clk.Now())
				s.mu.Unlock()
			}
			return true
		case <-p.timer.C:
			if p.at.IsZero() || s.fire(p) {
				return true
			}
		}
	}
}

// fire handles one expiry of p's timer and reports whether p is finished.
func (s *Scheduler) fire(p *pending) bool {
	log := logrus.WithField("at", p.at.Format(time.DateTime))

	if !p.announced {
		p.announced = true
		log.Debug("upcoming scheduled check")
		s.notify(s.OnUpcoming, p.at)
		p.timer.Reset(s.until(p.at))
		return false
	}

	if s.PreCheck != nil {
		if err := s.PreCheck(); err != nil {
			if err.Error() != p.lastErr {
				p.lastErr = err.Error()
				s.notify(s.OnError, pkgerrors.Wrap(err, "precheck failed"))
			}
			p.attempts++
			if p.attempts <= preCheckMaxTimes {
				log.WithError(err).Debugf("precheck failed (%d/%d), retrying in %s", p.attempts, preCheckMaxTimes, preCheckInterval)
				p.timer.Reset(preCheckInterval)
				return false
			}
			log.WithError(err).Warn("giving up scheduled check")
			s.advance()
			return true
		}
	}

	log.Debug("running scheduled check")
	go func() {
		if err := s.Task(); err != nil {
			s.notify(s.OnError, pkgerrors.Wrap(err, "task failed"))
		}
	}()
	s.advance()
	return true
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) notify(f NotifyFunc, data any) {
	if f != nil {
		go f(data)
	}
}

func (s *Scheduler) send(c control) {
	select {
	case s.controlCh <- c:
	default:
	}
}
