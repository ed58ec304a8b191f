package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/bus"
	"github.com/imucal/imucal/pkg/sim"
)

func NewSimCommand() *cobra.Command {
	var (
		broker   string
		clientID string
		listen   string
		axis     string
	)
	opts := sim.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated IMU platform",
		Long: `Run a simulated IMU platform.

The simulator publishes gyroscope and temperature samples on the MQTT broker
and serves the motion (/enable) and actuator (/calibrate_imu_gyro) services.
A calibration run removes the simulated gyroscope bias.`,
		GroupID:     gAdvanced,
		Annotations: local,
		Args:        cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := bus.ParseAxis(axis)
			if err != nil {
				return err
			}
			opts.Axis = a

			mc, err := bus.Dial(broker, clientID, 10*time.Second)
			if err != nil {
				return err
			}
			defer mc.Disconnect(250)

			s := sim.New(mc, clock.New(), opts)

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{Addr: listen, Handler: s.Router()}
			go func() {
				logrus.WithField("addr", listen).Info("serving simulated services")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.WithError(err).Error("simulated services stopped")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	f.StringVar(&clientID, "client-id", "imucal-sim", "MQTT client id")
	f.StringVar(&listen, "listen", "localhost:8081", "address of the simulated services")
	f.StringVar(&axis, "axis", string(opts.Axis), "gyroscope axis carrying the signal (x, y or z)")
	f.StringVar(&opts.DataTopic, "data-topic", opts.DataTopic, "IMU data topic")
	f.StringVar(&opts.TemperatureTopic, "temperature-topic", opts.TemperatureTopic, "temperature topic")
	f.DurationVar(&opts.Rate, "rate", opts.Rate, "publish period")
	f.Float64Var(&opts.Bias, "bias", opts.Bias, "gyroscope bias in rad/s until calibrated")
	f.Float64Var(&opts.Noise, "noise", opts.Noise, "gyroscope noise standard deviation in rad/s")
	f.Float64Var(&opts.Amplitude, "amplitude", opts.Amplitude, "rotation amplitude in rad/s while motion is enabled")
	f.Float64Var(&opts.Temperature, "temperature", opts.Temperature, "sensor temperature in °C")
	f.Float64Var(&opts.TemperatureDrift, "temperature-drift", opts.TemperatureDrift, "temperature change per minute in °C")
	f.DurationVar(&opts.CalibrationDuration, "calibration-duration", opts.CalibrationDuration, "time the actuator takes to calibrate")

	return cmd
}
