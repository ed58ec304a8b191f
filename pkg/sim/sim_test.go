package sim

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/imucal/imucal/pkg/bus"
	"github.com/imucal/imucal/pkg/remote"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type recorder struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (r *recorder) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[string][][]byte)
	}
	r.payloads[topic] = append(r.payloads[topic], payload.([]byte))
	return fakeToken{}
}

func (r *recorder) gyro(t *testing.T, axis bus.Axis) []float64 {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, p := range r.payloads["imu/data"] {
		var m bus.IMUMessage
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m.AngularVelocity.Component(axis))
	}
	return out
}

func newSim(t *testing.T) (*Simulator, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewMock()
	opts := DefaultOptions()
	opts.Axis = bus.AxisY
	return New(rec, clk, opts), rec, clk
}

func steps(t *testing.T, s *Simulator, clk *clock.Mock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		clk.Add(s.opts.Rate)
		require.NoError(t, s.Step())
	}
}

func TestStepPublishesBothChannels(t *testing.T) {
	s, rec, clk := newSim(t)
	steps(t, s, clk, 3)

	assert.Len(t, rec.payloads["imu/data"], 3)
	require.Len(t, rec.payloads["imu/temperature"], 3)

	var m bus.TemperatureMessage
	require.NoError(t, json.Unmarshal(rec.payloads["imu/temperature"][0], &m))
	assert.Equal(t, 35.0, m.Temperature)
	assert.Equal(t, clk.Now().Add(-2*s.opts.Rate).UTC(), m.Stamp.UTC())
}

func TestStillPlatformShowsBias(t *testing.T) {
	s, rec, clk := newSim(t)
	s.SetMotion(false)
	steps(t, s, clk, 500)

	g := rec.gyro(t, bus.AxisY)
	mean, std := stat.MeanStdDev(g, nil)
	assert.InDelta(t, 0.05, mean, 0.001)
	assert.InDelta(t, 0.002, std, 0.001)

	for _, v := range rec.gyro(t, bus.AxisZ) {
		assert.Zero(t, v)
	}
}

func TestMotionAddsRotation(t *testing.T) {
	s, rec, clk := newSim(t)
	steps(t, s, clk, 500)

	_, std := stat.MeanStdDev(rec.gyro(t, bus.AxisY), nil)
	assert.Greater(t, std, 0.1)
}

func TestCalibrationZeroesBias(t *testing.T) {
	s, _, clk := newSim(t)

	require.NoError(t, s.Calibrate())
	assert.True(t, s.Calibrating())
	assert.Error(t, s.Calibrate(), "one run at a time")

	clk.Add(9 * time.Second)
	assert.Equal(t, 0.05, s.Bias())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return !s.Calibrating() }, time.Second, time.Millisecond)
	assert.Zero(t, s.Bias())

	s.Decalibrate()
	assert.Equal(t, 0.05, s.Bias())
}

func TestTemperatureDrift(t *testing.T) {
	rec := &recorder{}
	clk := clock.NewMock()
	opts := DefaultOptions()
	opts.TemperatureDrift = 0.5
	s := New(rec, clk, opts)

	clk.Add(2 * time.Minute)
	assert.True(t, math.Abs(s.temperature(clk.Now())-36) < 1e-9)
}

func TestServiceEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _, clk := newSim(t)
	router := s.Router()

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := post("/calibrate_imu_gyro", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trig remote.TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trig))
	assert.False(t, trig.Success, "refused while moving")

	w = post("/enable", `{"value": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	var set remote.SetBoolResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	assert.True(t, set.Ret)
	assert.False(t, s.MotionEnabled())

	w = post("/calibrate_imu_gyro", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trig))
	assert.True(t, trig.Success)

	clk.Add(s.opts.CalibrationDuration)
	require.Eventually(t, func() bool { return s.Bias() == 0 }, time.Second, time.Millisecond)

	w = post("/enable", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServicesDriveRemoteClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _, _ := newSim(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	motion := remote.NewMotionClient(ts.URL+"/enable", nil)
	res, err := motion.SetEnabled(t.Context(), false)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, s.MotionEnabled())

	actuator := remote.NewActuatorClient(ts.URL+"/calibrate_imu_gyro", nil)
	res, err = actuator.Trigger(t.Context())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, s.Calibrating())
}
