package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imucal/imucal/pkg/calibration"
	"github.com/imucal/imucal/pkg/config"
	"github.com/imucal/imucal/pkg/events"
	"github.com/imucal/imucal/pkg/history"
	"github.com/imucal/imucal/pkg/utils/ptr"
	"github.com/imucal/imucal/pkg/version"
)

type serverHarness struct {
	*harness
	srv    *Server
	conf   *config.File
	router *gin.Engine
	store  *history.Store
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	store, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, testCalibrationConfig(), store)
	conf := config.NewFileFromConfig(&config.RawFileConfig{Axis: ptr.To("y")}, filepath.Join(t.TempDir(), "config.json"))
	srv := NewServer(h.sup, conf, h.hub, store)
	t.Cleanup(srv.Close)

	return &serverHarness{
		harness: h,
		srv:     srv,
		conf:    conf,
		router:  srv.setupRoutes(),
		store:   store,
	}
}

func (h *serverHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestGetStatusAndState(t *testing.T) {
	h := newServerHarness(t)
	h.bringUp(t)
	h.tick()

	w := h.do(t, http.MethodGet, "/calibration", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[calibration.Status](t, w)
	assert.Equal(t, calibration.StateMustCheck, st.State)
	assert.Equal(t, "READY", st.Lifecycle)
	assert.True(t, st.ScheduledAt.IsZero())

	w = h.do(t, http.MethodGet, "/calibration/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MUST_CHECK", decode[string](t, w))

	w = h.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[map[string]any](t, w)["count"])
}

func TestTriggerCalibration(t *testing.T) {
	h := newServerHarness(t)
	h.bringUp(t)

	w := h.do(t, http.MethodPost, "/calibration/trigger", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[calibration.DemandResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, calibration.MessageDemandAccepted, res.Message)

	h.tick()
	require.Equal(t, calibration.StateMustCheck, h.sup.State())

	w = h.do(t, http.MethodPost, "/calibration/trigger", "")
	res = decode[calibration.DemandResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, calibration.MessageDemandIgnored, res.Message)
}

func TestScheduleEndpoints(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodPut, "/schedule", `"every day"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.conf.Cron())

	w = h.do(t, http.MethodPut, "/schedule", `"@every 1h"`)
	require.Equal(t, http.StatusCreated, w.Code)
	runs := decode[[]time.Time](t, w)
	require.Len(t, runs, 3)
	assert.Equal(t, h.clk.Now().Add(time.Hour), runs[0])
	assert.Equal(t, "@every 1h", h.conf.Cron())

	saved, err := config.NewFile(h.conf.Path())
	require.NoError(t, err)
	assert.Equal(t, "@every 1h", saved.Cron(), "the schedule is saved")

	w = h.do(t, http.MethodGet, "/schedule", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[ScheduleStatus](t, w)
	assert.True(t, st.Running)
	assert.Equal(t, "@every 1h", st.Cron)

	w = h.do(t, http.MethodGet, "/calibration", "")
	assert.Equal(t, runs[0], decode[calibration.Status](t, w).ScheduledAt)

	w = h.do(t, http.MethodPost, "/schedule/postpone", `"forever"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodPost, "/schedule/postpone", `"3h"`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = h.do(t, http.MethodPost, "/schedule/postpone", `"10m"`)
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[ScheduleStatus](t, w)
	assert.Equal(t, runs[0].Add(10*time.Minute), st.NextRuns[0])

	w = h.do(t, http.MethodPost, "/schedule/skip", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPut, "/schedule", `""`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, h.conf.Cron())

	w = h.do(t, http.MethodGet, "/schedule", "")
	st = decode[ScheduleStatus](t, w)
	assert.False(t, st.Running)
	assert.Empty(t, st.NextRuns)

	w = h.do(t, http.MethodPost, "/schedule/skip", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestScheduledCheckRaisesDemand(t *testing.T) {
	h := newServerHarness(t)

	require.Error(t, h.srv.preCheck(), "not ready before the lifecycle is up")

	h.bringUp(t)
	require.NoError(t, h.srv.preCheck())
	require.NoError(t, h.srv.scheduler.Task())
	assert.True(t, h.sup.Status().Demanded)

	h.tick()
	require.Equal(t, calibration.StateMustCheck, h.sup.State())
	assert.Error(t, h.srv.preCheck(), "busy while a cycle runs")
}

func TestGetHistory(t *testing.T) {
	h := newServerHarness(t)
	h.bringUp(t)
	h.tick()

	w := h.do(t, http.MethodGet, "/history?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]history.Entry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, "MUST_CHECK", entries[0].To)

	w = h.do(t, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]history.Entry](t, w), 3)
}

func TestGetHistoryWithoutStore(t *testing.T) {
	h := newHarness(t, testCalibrationConfig(), nil)
	srv := NewServer(h.sup, config.NewFileFromConfig(&config.RawFileConfig{}, ""), h.hub, nil)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetConfigAndVersion(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	raw := decode[config.RawFileConfig](t, w)
	require.NotNil(t, raw.Axis)
	assert.Equal(t, "y", *raw.Axis)
	require.NotNil(t, raw.GatheringPeriod)
	assert.Equal(t, config.Duration(5*time.Second), *raw.GatheringPeriod)

	w = h.do(t, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Version, decode[string](t, w))
}

func TestStreamEvents(t *testing.T) {
	h := newServerHarness(t)
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	h.sup.Demand("test")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.CalibrationDemand, ev.Name)

	payload, err := events.DecodeAs[events.DemandEvent](ev)
	require.NoError(t, err)
	assert.Equal(t, "test", payload.Source)
	assert.Equal(t, calibration.MessageDemandAccepted, payload.Message)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
