// Package bus connects the supervisor to the MQTT data bus: it subscribes to
// the inertial and temperature topics, feeds the ingestion path and
// publishes the calibration state label.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/health"
	"github.com/imucal/imucal/pkg/stats"
)

// ErrNoProofOfLife is returned when a channel stays silent after subscribing.
var ErrNoProofOfLife = pkgerrors.New("no message received")

// Client is the part of mqtt.Client used here.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Handlers receive decoded samples. They run on MQTT delivery goroutines.
type Handlers struct {
	Gyro        func(stats.Sample)
	Temperature func(stamp time.Time, celsius float64)
}

// Options configures a Subscriber.
type Options struct {
	DataTopic        string
	TemperatureTopic string
	StateTopic       string
	Axis             Axis
	QoS              byte
	// ProofOfLife bounds the wait for the first message on each topic.
	ProofOfLife time.Duration
	// TokenTimeout bounds each subscribe, unsubscribe and publish.
	TokenTimeout time.Duration
}

// Subscriber is the software side of the lifecycle: starting it subscribes
// to every data topic and stopping it unsubscribes.
type Subscriber struct {
	client   Client
	gate     *health.Gate
	clk      clock.Clock
	opts     Options
	handlers Handlers

	mu         sync.Mutex
	subscribed []string
	pending    map[string]struct{}
	alive      chan struct{}
}

func NewSubscriber(client Client, gate *health.Gate, clk clock.Clock, opts Options, handlers Handlers) *Subscriber {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Axis == "" {
		opts.Axis = AxisZ
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 5 * time.Second
	}
	return &Subscriber{
		client:   client,
		gate:     gate,
		clk:      clk,
		opts:     opts,
		handlers: handlers,
	}
}

// Topics returns the topics every start subscribes to.
func (s *Subscriber) Topics() []string {
	return []string{s.opts.DataTopic, s.opts.TemperatureTopic}
}

func (s *Subscriber) wait(t mqtt.Token) error {
	if !t.WaitTimeout(s.opts.TokenTimeout) {
		return pkgerrors.Errorf("timed out after %s", s.opts.TokenTimeout)
	}
	return t.Error()
}

// Start subscribes to every topic and waits until each has delivered a
// message. If any step fails, every subscription made so far is dropped.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.gate.Reset()
	s.pending = make(map[string]struct{})
	s.alive = make(chan struct{})
	for _, topic := range s.Topics() {
		s.gate.Track(topic)
		s.pending[topic] = struct{}{}
	}
	alive := s.alive
	s.mu.Unlock()

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{s.opts.DataTopic, s.onIMU},
		{s.opts.TemperatureTopic, s.onTemperature},
	}
	for _, sub := range subscriptions {
		if err := s.wait(s.client.Subscribe(sub.topic, s.opts.QoS, sub.handler)); err != nil {
			s.abort()
			return pkgerrors.Wrapf(err, "failed to subscribe to %s", sub.topic)
		}
		s.mu.Lock()
		s.subscribed = append(s.subscribed, sub.topic)
		s.mu.Unlock()
		logrus.WithField("topic", sub.topic).Debug("subscribed")
	}

	waitCtx, cancel := s.clk.WithTimeout(ctx, s.opts.ProofOfLife)
	defer cancel()
	select {
	case <-alive:
		logrus.WithField("topics", s.Topics()).Info("all data channels alive")
		return nil
	case <-waitCtx.Done():
		silent := s.gate.Silent()
		s.abort()
		return pkgerrors.Wrapf(ErrNoProofOfLife, "within %s on %v", s.opts.ProofOfLife, silent)
	}
}

// abort drops every subscription and forgets channel state.
func (s *Subscriber) abort() {
	if err := s.Stop(); err != nil {
		logrus.WithError(err).Warn("failed to clean up subscriptions")
	}
}

// Stop unsubscribes from every topic and forgets channel state.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	topics := s.subscribed
	s.subscribed = nil
	s.pending = nil
	s.mu.Unlock()

	s.gate.Reset()

	if len(topics) == 0 {
		return nil
	}
	if err := s.wait(s.client.Unsubscribe(topics...)); err != nil {
		return pkgerrors.Wrapf(err, "failed to unsubscribe from %v", topics)
	}
	return nil
}

// Subscribed returns the topics currently subscribed.
func (s *Subscriber) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

// Healthy reports whether subscriptions exist and every channel receives.
// Silent channels are logged.
func (s *Subscriber) Healthy() bool {
	s.mu.Lock()
	n := len(s.subscribed)
	s.mu.Unlock()
	if n == 0 {
		return false
	}
	if silent := s.gate.Silent(); len(silent) > 0 {
		logrus.WithField("topics", silent).Warn("data channels went silent")
		return false
	}
	return true
}

func (s *Subscriber) markAlive(topic string) {
	s.gate.Tick(topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	if _, ok := s.pending[topic]; !ok {
		return
	}
	delete(s.pending, topic)
	if len(s.pending) == 0 {
		close(s.alive)
	}
}

func (s *Subscriber) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.clk.Now()
	}
	return t
}

func (s *Subscriber) onIMU(_ mqtt.Client, msg mqtt.Message) {
	var m IMUMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		logrus.WithError(err).WithField("topic", msg.Topic()).Warn("dropping malformed imu message")
		return
	}
	s.markAlive(s.opts.DataTopic)
	if s.handlers.Gyro != nil {
		s.handlers.Gyro(stats.Sample{
			Timestamp: s.stamp(m.Stamp),
			Value:     m.AngularVelocity.Component(s.opts.Axis),
		})
	}
}

func (s *Subscriber) onTemperature(_ mqtt.Client, msg mqtt.Message) {
	var m TemperatureMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		logrus.WithError(err).WithField("topic", msg.Topic()).Warn("dropping malformed temperature message")
		return
	}
	s.markAlive(s.opts.TemperatureTopic)
	if s.handlers.Temperature != nil {
		s.handlers.Temperature(s.stamp(m.Stamp), m.Temperature)
	}
}

// PublishState publishes the calibration state label, retained, on the
// state topic. It is a no-op without a state topic.
func (s *Subscriber) PublishState(label string) error {
	if s.opts.StateTopic == "" {
		return nil
	}
	if err := s.wait(s.client.Publish(s.opts.StateTopic, s.opts.QoS, true, label)); err != nil {
		return pkgerrors.Wrapf(err, "failed to publish state to %s", s.opts.StateTopic)
	}
	return nil
}
