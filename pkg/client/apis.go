package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/imucal/imucal/pkg/calibration"
	"github.com/imucal/imucal/pkg/config"
	"github.com/imucal/imucal/pkg/history"
	"github.com/imucal/imucal/pkg/stats"
)

// ScheduleStatus mirrors the daemon's GET /schedule answer.
type ScheduleStatus struct {
	Cron     string      `json:"cron"`
	Running  bool        `json:"running"`
	NextRuns []time.Time `json:"nextRuns"`
}

func getJSON[T any](c *Client, path, what string) (T, error) {
	var v T
	ret, err := c.Get(path)
	if err != nil {
		return v, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return v, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return v, nil
}

func quote(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) GetStatus() (calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration", "calibration status")
}

func (c *Client) GetState() (calibration.State, error) {
	s, err := getJSON[string](c, "/calibration/state", "calibration state")
	return calibration.State(s), err
}

func (c *Client) GetStats() (stats.Summary, error) {
	return getJSON[stats.Summary](c, "/stats", "gyro statistics")
}

// Calibrate demands a check cycle.
func (c *Client) Calibrate() (calibration.DemandResult, error) {
	var res calibration.DemandResult
	ret, err := c.Post("/calibration/trigger", "")
	if err != nil {
		return res, pkgerrors.Wrapf(err, "failed to demand calibration")
	}
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return res, pkgerrors.Wrapf(err, "failed to unmarshal demand result")
	}
	return res, nil
}

func (c *Client) GetSchedule() (ScheduleStatus, error) {
	return getJSON[ScheduleStatus](c, "/schedule", "schedule")
}

// Schedule sets the check schedule and returns the next run times. An empty
// expression disables it.
func (c *Client) Schedule(cronExpr string) ([]time.Time, error) {
	payload, err := quote(cronExpr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", payload)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	var runs []time.Time
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal next runs")
	}
	return runs, nil
}

func (c *Client) SkipSchedule() (ScheduleStatus, error) {
	return c.scheduleAction("/schedule/skip", "")
}

func (c *Client) PostponeSchedule(d time.Duration) (ScheduleStatus, error) {
	payload, err := quote(d.String())
	if err != nil {
		return ScheduleStatus{}, err
	}
	return c.scheduleAction("/schedule/postpone", payload)
}

func (c *Client) scheduleAction(path, payload string) (ScheduleStatus, error) {
	var st ScheduleStatus
	ret, err := c.Post(path, payload)
	if err != nil {
		return st, pkgerrors.Wrapf(err, "failed to update schedule")
	}
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return st, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return st, nil
}

func (c *Client) GetHistory(limit int) ([]history.Entry, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return getJSON[[]history.Entry](c, path, "history")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[*config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetVersion() (string, error) {
	return getJSON[string](c, "/version", "daemon version")
}
