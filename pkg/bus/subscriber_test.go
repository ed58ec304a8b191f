package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imucal/imucal/pkg/health"
	"github.com/imucal/imucal/pkg/stats"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

// fakeBroker answers subscriptions and, for topics in live, delivers one
// message right after subscribing.
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	live         map[string][]byte
	subscribeErr map[string]error
	published    []published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:     make(map[string]mqtt.MessageHandler),
		live:         make(map[string][]byte),
		subscribeErr: make(map[string]error),
	}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.subscribeErr[topic]; err != nil {
		return fakeToken{err: err}
	}
	b.handlers[topic] = cb
	if payload, ok := b.live[topic]; ok {
		go cb(nil, fakeMessage{topic: topic, payload: payload})
	}
	return fakeToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return fakeToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, retained: retained, payload: payload})
	return fakeToken{}
}

func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	cb := b.handlers[topic]
	b.mu.Unlock()
	if cb != nil {
		cb(nil, fakeMessage{topic: topic, payload: payload})
	}
}

func (b *fakeBroker) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func testOptions() Options {
	return Options{
		DataTopic:        "imu/data",
		TemperatureTopic: "imu/temperature",
		StateTopic:       "imu_manager/calibration_state",
		ProofOfLife:      time.Second,
	}
}

func TestStartWaitsForProofOfLife(t *testing.T) {
	b := newFakeBroker()
	b.live["imu/data"] = mustJSON(t, IMUMessage{AngularVelocity: Vector3{Z: 0.01}})
	b.live["imu/temperature"] = mustJSON(t, TemperatureMessage{Temperature: 30})

	var mu sync.Mutex
	var gyro []stats.Sample
	var temps []float64
	gate := health.NewGate(nil, time.Minute)
	s := NewSubscriber(b, gate, nil, testOptions(), Handlers{
		Gyro: func(smp stats.Sample) {
			mu.Lock()
			gyro = append(gyro, smp)
			mu.Unlock()
		},
		Temperature: func(_ time.Time, c float64) {
			mu.Lock()
			temps = append(temps, c)
			mu.Unlock()
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.ElementsMatch(t, []string{"imu/data", "imu/temperature"}, s.Subscribed())
	assert.True(t, s.Healthy())
	assert.True(t, gate.IsReceiving("imu/data"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gyro, 1)
	assert.Equal(t, 0.01, gyro[0].Value)
	assert.False(t, gyro[0].Timestamp.IsZero(), "missing stamps are filled in")
	assert.Equal(t, []float64{30}, temps)
}

func TestStartWithoutProofOfLifeLeavesNoSubscriptions(t *testing.T) {
	b := newFakeBroker()
	b.live["imu/data"] = mustJSON(t, IMUMessage{})

	opts := testOptions()
	opts.ProofOfLife = 20 * time.Millisecond
	gate := health.NewGate(nil, time.Minute)
	s := NewSubscriber(b, gate, clock.New(), opts, Handlers{})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNoProofOfLife)
	assert.Contains(t, err.Error(), "imu/temperature")
	assert.NotContains(t, err.Error(), "imu/data", "only silent channels are named")
	assert.Zero(t, b.subscriptions())
	assert.Empty(t, s.Subscribed())
	assert.Empty(t, gate.Silent(), "the gate forgets the topics")
	assert.False(t, s.Healthy())
}

func TestSubscribeFailureLeavesNoSubscriptions(t *testing.T) {
	b := newFakeBroker()
	b.subscribeErr["imu/temperature"] = errors.New("not authorized")

	s := NewSubscriber(b, health.NewGate(nil, 0), nil, testOptions(), Handlers{})

	require.Error(t, s.Start(context.Background()))
	assert.Zero(t, b.subscriptions())
	assert.Empty(t, s.Subscribed())
}

func TestAxisSelection(t *testing.T) {
	for _, axis := range []Axis{AxisX, AxisY, AxisZ} {
		b := newFakeBroker()
		var got float64
		opts := testOptions()
		opts.Axis = axis
		s := NewSubscriber(b, health.NewGate(nil, 0), nil, opts, Handlers{
			Gyro: func(smp stats.Sample) { got = smp.Value },
		})
		s.onIMU(nil, fakeMessage{payload: mustJSON(t, IMUMessage{AngularVelocity: Vector3{X: 1, Y: 2, Z: 3}})})

		want := map[Axis]float64{AxisX: 1, AxisY: 2, AxisZ: 3}[axis]
		assert.Equal(t, want, got)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	b := newFakeBroker()
	gate := health.NewGate(nil, time.Minute)
	gate.Track("imu/data")
	called := false
	s := NewSubscriber(b, gate, nil, testOptions(), Handlers{
		Gyro: func(stats.Sample) { called = true },
	})

	s.onIMU(nil, fakeMessage{topic: "imu/data", payload: []byte("{not json")})

	assert.False(t, called)
	assert.False(t, gate.IsReceiving("imu/data"))
}

func TestStampIsKept(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var got time.Time
	s := NewSubscriber(newFakeBroker(), health.NewGate(nil, 0), nil, testOptions(), Handlers{
		Temperature: func(ts time.Time, _ float64) { got = ts },
	})

	s.onTemperature(nil, fakeMessage{payload: mustJSON(t, TemperatureMessage{Stamp: stamp, Temperature: 21})})

	assert.True(t, got.Equal(stamp))
}

func TestStopAndHealth(t *testing.T) {
	b := newFakeBroker()
	b.live["imu/data"] = mustJSON(t, IMUMessage{})
	b.live["imu/temperature"] = mustJSON(t, TemperatureMessage{})
	clk := clock.NewMock()
	gate := health.NewGate(clk, time.Second)
	opts := testOptions()
	s := NewSubscriber(b, gate, nil, opts, Handlers{})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Healthy())

	clk.Add(2 * time.Second)
	b.deliver("imu/data", mustJSON(t, IMUMessage{}))
	assert.False(t, s.Healthy(), "temperature went silent")

	require.NoError(t, s.Stop())
	assert.Zero(t, b.subscriptions())
	assert.False(t, s.Healthy())
	require.NoError(t, s.Stop())
}

func TestPublishState(t *testing.T) {
	b := newFakeBroker()
	s := NewSubscriber(b, health.NewGate(nil, 0), nil, testOptions(), Handlers{})

	require.NoError(t, s.PublishState("CALIBRATED"))
	require.Len(t, b.published, 1)
	assert.Equal(t, "imu_manager/calibration_state", b.published[0].topic)
	assert.True(t, b.published[0].retained)
	assert.Equal(t, "CALIBRATED", b.published[0].payload)

	opts := testOptions()
	opts.StateTopic = ""
	s = NewSubscriber(b, health.NewGate(nil, 0), nil, opts, Handlers{})
	require.NoError(t, s.PublishState("CALIBRATED"))
	assert.Len(t, b.published, 1)
}

func TestParseAxis(t *testing.T) {
	a, err := ParseAxis("y")
	require.NoError(t, err)
	assert.Equal(t, AxisY, a)

	_, err = ParseAxis("w")
	require.Error(t, err)
}
