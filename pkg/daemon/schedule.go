package daemon

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/events"
	"github.com/imucal/imucal/pkg/lifecycle"
)

// ScheduleStatus is returned by GET /schedule.
type ScheduleStatus struct {
	Cron     string      `json:"cron"`
	Running  bool        `json:"running"`
	NextRuns []time.Time `json:"nextRuns"`
}

// newCheckScheduler returns a scheduler that raises an operator demand on
// every run, once the supervisor is ready to accept it.
func (s *Server) newCheckScheduler() *Scheduler {
	return NewScheduler(s.clk,
		func() error {
			res := s.sup.Demand("schedule")
			if !res.Success {
				return pkgerrors.New(res.Message)
			}
			return nil
		},
		s.preCheck,
		func(data any) {
			runAt, _ := data.(time.Time)
			logrus.WithField("at", runAt.Format(time.DateTime)).Info("scheduled calibration check is coming up")
			s.hub.Publish(events.ScheduleChanged, events.ScheduleEvent{
				Action: events.ScheduleUpcoming,
				Cron:   s.conf.Cron(),
				Next:   runAt.Unix(),
				Ts:     s.clk.Now().Unix(),
			})
		},
		func(data any) {
			logrus.WithField("error", data).Warn("scheduled calibration check")
		},
	)
}

func (s *Server) preCheck() error {
	if st := s.sup.Lifecycle(); st != lifecycle.StateReady {
		return fmt.Errorf("supervisor is %s, not %s", st, lifecycle.StateReady)
	}
	if st := s.sup.State(); st.InProgress() {
		return fmt.Errorf("calibration workflow is busy (%s)", st)
	}
	return nil
}

// schedule sets the cron expression for scheduled checks, saves it and
// returns the next run times. An empty expression disables the schedule.
func (s *Server) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if s.conf.Cron() == "" {
			// Already disabled
			return nil, nil
		}

		s.conf.SetCron("")
		if err := s.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, pkgerrors.Wrapf(err, "failed to save config")
		}
		_ = s.scheduler.Schedule("")
		s.scheduler.Stop()
		s.publishSchedule(events.ScheduleDisable, time.Time{})
		return nil, nil
	}

	if err := s.scheduler.Schedule(cronExpr); err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid cron expression")
	}

	s.conf.SetCron(cronExpr)
	if err := s.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, pkgerrors.Wrapf(err, "failed to save config")
	}
	s.scheduler.Start()

	nextRuns := s.scheduler.NextRuns(3)
	var next time.Time
	if len(nextRuns) > 0 {
		next = nextRuns[0]
	}
	logrus.WithFields(logrus.Fields{
		"cron": cronExpr,
		"next": next.Format(time.DateTime),
	}).Info("calibration checks scheduled")
	s.publishSchedule(events.ScheduleSet, next)

	return nextRuns, nil
}

func (s *Server) postpone(d time.Duration) error {
	if err := s.scheduler.Postpone(d); err != nil {
		logrus.WithError(err).Error("failed to postpone scheduled check")
		return err
	}
	next, _ := s.scheduler.Status()
	s.publishSchedule(events.SchedulePostpone, next)
	return nil
}

func (s *Server) skipNextSchedule() error {
	if err := s.scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled check")
		return err
	}
	next, _ := s.scheduler.Status()
	s.publishSchedule(events.ScheduleSkip, next)
	return nil
}

func (s *Server) scheduleStatus() ScheduleStatus {
	_, running := s.scheduler.Status()
	st := ScheduleStatus{Cron: s.scheduler.Expr(), Running: running}
	if running {
		st.NextRuns = s.scheduler.NextRuns(3)
	}
	return st
}

func (s *Server) publishSchedule(action string, next time.Time) {
	ev := events.ScheduleEvent{
		Action: action,
		Cron:   s.conf.Cron(),
		Ts:     s.clk.Now().Unix(),
	}
	if !next.IsZero() {
		ev.Next = next.Unix()
	}
	s.hub.Publish(events.ScheduleChanged, ev)
}
