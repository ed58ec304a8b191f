// Package daemon runs the calibration supervisor: the tick loop, the check
// schedule and the HTTP API served on a unix socket.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/imucal/imucal/pkg/bus"
	"github.com/imucal/imucal/pkg/config"
	"github.com/imucal/imucal/pkg/events"
	"github.com/imucal/imucal/pkg/health"
	"github.com/imucal/imucal/pkg/history"
	"github.com/imucal/imucal/pkg/remote"
	"github.com/imucal/imucal/pkg/stats"
)

const shutdownTimeout = 5 * time.Second

func openHistory(path string) (*history.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create history directory")
		}
	}
	return history.Open(path)
}

// Run starts the supervisor and blocks until SIGINT or SIGTERM.
//
//nolint:gocyclo
func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse config during startup")
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config")
	}
	logrus.WithFields(conf.LogrusFields()).Info("config loaded")

	axis, err := bus.ParseAxis(conf.Axis())
	if err != nil {
		return err
	}

	store, err := openHistory(conf.HistoryPath())
	if err != nil {
		logrus.WithError(err).Warn("calibration history is disabled")
		store = nil
	}

	mqttClient, err := bus.Dial(conf.MQTTBroker(), conf.MQTTClientID(), conf.ServiceTimeout())
	if err != nil {
		return err
	}

	clk := clock.New()
	hub := events.NewHub()
	httpClient := &http.Client{}

	var sup *Supervisor
	sub := bus.NewSubscriber(mqttClient, health.NewGate(clk, conf.ChannelTimeout()), clk, bus.Options{
		DataTopic:        conf.DataTopic(),
		TemperatureTopic: conf.TemperatureTopic(),
		StateTopic:       conf.StateTopic(),
		Axis:             axis,
		ProofOfLife:      conf.ProofOfLifeTimeout(),
		TokenTimeout:     conf.ServiceTimeout(),
	}, bus.Handlers{
		Gyro:        func(smp stats.Sample) { sup.IngestGyro(smp) },
		Temperature: func(ts time.Time, c float64) { sup.IngestTemperature(ts, c) },
	})

	opts := Options{
		Calibration:    conf.Calibration(),
		Clock:          clk,
		Software:       sub,
		Motion:         remote.NewMotionClient(conf.MotionURL(), httpClient),
		Actuator:       remote.NewActuatorClient(conf.ActuatorURL(), httpClient),
		ServiceTimeout: conf.ServiceTimeout(),
		StatsRetention: conf.StatsRetention(),
		Hub:            hub,
		Publisher:      sub,
	}
	var reader HistoryReader
	if store != nil {
		opts.History = store
		reader = store
	}
	sup = NewSupervisor(opts)

	if store != nil {
		last, ok, err := store.LastCalibrated(context.Background())
		if err != nil {
			logrus.WithError(err).Warn("failed to read last calibration from history")
		} else if ok {
			sup.Seed(last)
			logrus.WithField("at", last.Time.Format(time.DateTime)).Info("last good calibration check restored from history")
		}
	}

	srv := NewServer(sup, conf, hub, reader)
	if err := srv.StartSchedule(); err != nil {
		logrus.WithError(err).Error("failed to load calibration check schedule")
	}

	// Receive SIGHUP to reload config. Calibration thresholds stay as they
	// were at startup; the schedule follows the file.
	hupc := make(chan os.Signal, 1)
	signal.Notify(hupc, syscall.SIGHUP)
	go func() {
		for range hupc {
			if err := conf.Load(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := srv.ReloadSchedule(); err != nil {
				logrus.Errorf("failed to reload schedule: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	httpSrv := &http.Server{
		Handler: srv.setupRoutes(),
	}

	if err := prepareSocket(unixSocketPath); err != nil {
		return err
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			return pkgerrors.Wrapf(err, "failed to change permissions of %s", unixSocketPath)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		sup.Run(loopCtx, conf.TickPeriod())
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)
	signal.Stop(hupc)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error

	logrus.Info("shutting down http server")
	shutdownErr = multierr.Append(shutdownErr, httpSrv.Shutdown(ctx))

	srv.Close()
	stopLoop()
	<-loopDone

	logrus.Info("stopping supervisor")
	shutdownErr = multierr.Append(shutdownErr, sup.Shutdown(ctx))

	logrus.Info("disconnecting from mqtt broker")
	mqttClient.Disconnect(250)

	if store != nil {
		shutdownErr = multierr.Append(shutdownErr, store.Close())
	}

	for _, err := range multierr.Errors(shutdownErr) {
		logrus.WithError(err).Error("shutdown")
	}

	logrus.Info("exiting")
	return shutdownErr
}
