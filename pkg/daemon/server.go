package daemon

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/config"
	"github.com/imucal/imucal/pkg/events"
	"github.com/imucal/imucal/pkg/history"
)

// HistoryReader lists recorded transitions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server exposes the supervisor over HTTP and owns the check schedule.
type Server struct {
	sup       *Supervisor
	conf      config.Config
	hub       *events.Hub
	history   HistoryReader
	clk       clock.Clock
	scheduler *Scheduler
}

// NewServer returns a Server. history may be nil, in which case /history
// reports an empty list.
func NewServer(sup *Supervisor, conf config.Config, hub *events.Hub, hist HistoryReader) *Server {
	s := &Server{
		sup:     sup,
		conf:    conf,
		hub:     hub,
		history: hist,
		clk:     sup.clk,
	}
	s.scheduler = s.newCheckScheduler()
	return s
}

// StartSchedule starts the scheduler when the configuration carries a cron
// expression.
func (s *Server) StartSchedule() error {
	expr := s.conf.Cron()
	if expr == "" {
		return nil
	}
	if err := s.scheduler.Schedule(expr); err != nil {
		return err
	}
	s.scheduler.Start()
	logrus.WithField("cron", expr).Info("calibration check schedule loaded")
	return nil
}

// ReloadSchedule applies the cron expression of a reloaded configuration.
func (s *Server) ReloadSchedule() error {
	expr := s.conf.Cron()
	if expr == s.scheduler.Expr() {
		return nil
	}
	if expr == "" {
		_ = s.scheduler.Schedule("")
		s.scheduler.Stop()
		return nil
	}
	return s.StartSchedule()
}

// Close stops the scheduler.
func (s *Server) Close() {
	s.scheduler.Stop()
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))

	router.GET("/calibration", s.getStatus)
	router.GET("/calibration/state", s.getState)
	router.POST("/calibration/trigger", s.triggerCalibration)
	router.GET("/stats", s.getStats)

	router.GET("/schedule", s.getSchedule)
	router.PUT("/schedule", s.setSchedule)
	router.POST("/schedule/skip", s.skipSchedule)
	router.POST("/schedule/postpone", s.postponeSchedule)

	router.GET("/history", s.getHistory)
	router.GET("/events", s.streamEvents)
	router.GET("/config", s.getConfig)
	router.GET("/version", getVersion)

	return router
}
