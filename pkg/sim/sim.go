// Package sim fakes an IMU platform for local runs: it publishes gyro and
// temperature samples on the data bus and serves the motion and actuator
// endpoints the supervisor drives.
package sim

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/imucal/imucal/pkg/bus"
)

// Publisher is the part of mqtt.Client used by the simulator.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Options configures a Simulator.
type Options struct {
	DataTopic        string
	TemperatureTopic string
	Axis             bus.Axis
	// Rate is the publish period of both channels.
	Rate time.Duration
	// Bias is the gyro offset until the actuator runs.
	Bias float64
	// Noise is the standard deviation of the gyro samples.
	Noise float64
	// Amplitude of the rotation added while motion is enabled.
	Amplitude float64
	Temperature float64
	// TemperatureDrift is added to the temperature every minute.
	TemperatureDrift float64
	// CalibrationDuration is how long the actuator takes to zero the bias.
	CalibrationDuration time.Duration
	Seed                uint64
}

// DefaultOptions publishes a biased gyro at 50 Hz.
func DefaultOptions() Options {
	return Options{
		DataTopic:           "imu/data",
		TemperatureTopic:    "imu/temperature",
		Axis:                bus.AxisZ,
		Rate:                20 * time.Millisecond,
		Bias:                0.05,
		Noise:               0.002,
		Amplitude:           0.5,
		Temperature:         35,
		CalibrationDuration: 10 * time.Second,
		Seed:                1,
	}
}

// Simulator is a fake IMU with a motion switch and a gyro bias that the
// actuator can remove.
type Simulator struct {
	client Publisher
	clk    clock.Clock
	opts   Options
	noise  distuv.Normal
	start  time.Time

	mu          sync.Mutex
	bias        float64
	motion      bool
	calibrating bool
	calTimer    *clock.Timer
}

func New(client Publisher, clk clock.Clock, opts Options) *Simulator {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Axis == "" {
		opts.Axis = bus.AxisZ
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultOptions().Rate
	}
	return &Simulator{
		client: client,
		clk:    clk,
		opts:   opts,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: opts.Noise,
			Src:   rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15),
		},
		start:  clk.Now(),
		bias:   opts.Bias,
		motion: true,
	}
}

// Bias returns the current gyro offset.
func (s *Simulator) Bias() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bias
}

func (s *Simulator) MotionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motion
}

func (s *Simulator) Calibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrating
}

// SetMotion switches platform motion.
func (s *Simulator) SetMotion(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.motion != enabled {
		logrus.WithField("enabled", enabled).Info("simulated motion switched")
	}
	s.motion = enabled
}

// Calibrate starts a calibration run. The bias drops to zero after
// CalibrationDuration. It fails while a run is in progress.
func (s *Simulator) Calibrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calibrating {
		return pkgerrors.New("calibration already running")
	}
	s.calibrating = true
	logrus.WithField("duration", s.opts.CalibrationDuration).Info("simulated calibration started")
	s.calTimer = s.clk.AfterFunc(s.opts.CalibrationDuration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.bias = 0
		s.calibrating = false
		logrus.Info("simulated calibration finished")
	})
	return nil
}

// Decalibrate restores the configured bias.
func (s *Simulator) Decalibrate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias = s.opts.Bias
}

func (s *Simulator) gyro(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.bias + s.noise.Rand()
	if s.motion {
		elapsed := now.Sub(s.start).Seconds()
		v += s.opts.Amplitude * math.Sin(2*math.Pi*0.2*elapsed)
	}
	return v
}

func (s *Simulator) temperature(now time.Time) float64 {
	return s.opts.Temperature + s.opts.TemperatureDrift*now.Sub(s.start).Minutes()
}

// Step publishes one sample on each channel.
func (s *Simulator) Step() error {
	now := s.clk.Now()

	var w bus.Vector3
	g := s.gyro(now)
	switch s.opts.Axis {
	case bus.AxisX:
		w.X = g
	case bus.AxisY:
		w.Y = g
	default:
		w.Z = g
	}

	imu, err := json.Marshal(bus.IMUMessage{
		Stamp:              now,
		AngularVelocity:    w,
		LinearAcceleration: bus.Vector3{Z: 9.81},
	})
	if err != nil {
		return err
	}
	if err := s.publish(s.opts.DataTopic, imu); err != nil {
		return err
	}

	temp, err := json.Marshal(bus.TemperatureMessage{Stamp: now, Temperature: s.temperature(now)})
	if err != nil {
		return err
	}
	return s.publish(s.opts.TemperatureTopic, temp)
}

func (s *Simulator) publish(topic string, payload []byte) error {
	t := s.client.Publish(topic, 0, false, payload)
	if !t.WaitTimeout(time.Second) {
		return pkgerrors.Errorf("timed out publishing to %s", topic)
	}
	return pkgerrors.Wrapf(t.Error(), "failed to publish to %s", topic)
}

// Run publishes every Rate until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.opts.Rate)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		if s.calTimer != nil {
			s.calTimer.Stop()
		}
		s.mu.Unlock()
	}()

	logrus.WithFields(logrus.Fields{
		"dataTopic":        s.opts.DataTopic,
		"temperatureTopic": s.opts.TemperatureTopic,
		"rate":             s.opts.Rate,
		"bias":             s.opts.Bias,
	}).Info("simulator publishing")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Step(); err != nil {
				logrus.WithError(err).Warn("failed to publish simulated sample")
			}
		}
	}
}
