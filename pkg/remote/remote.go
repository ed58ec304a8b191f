// Package remote contains HTTP clients for the external services driven by
// the supervisor: the platform motion control and the calibration actuator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/imucal/imucal/pkg/orchestrator"
)

// SetBoolRequest is the body sent to the motion service.
type SetBoolRequest struct {
	Value bool `json:"value"`
}

// SetBoolResponse is the motion service reply.
type SetBoolResponse struct {
	Ret     bool   `json:"ret"`
	Message string `json:"message"`
}

// TriggerResponse is the actuator reply.
type TriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	logrus.WithFields(logrus.Fields{
		"url":  url,
		"body": in,
	}).Debug("calling service")

	resp, err := hc.Do(req)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to call %s", url)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pkgerrors.Errorf("%s returned %d: %s", url, resp.StatusCode, string(b))
	}
	if err := json.Unmarshal(b, out); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal response from %s", url)
	}
	return nil
}

// MotionClient toggles platform motion over HTTP.
type MotionClient struct {
	url        string
	httpClient *http.Client
}

// NewMotionClient returns a client posting to url. A nil http client uses
// http.DefaultClient.
func NewMotionClient(url string, hc *http.Client) *MotionClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &MotionClient{url: url, httpClient: hc}
}

func (c *MotionClient) SetEnabled(ctx context.Context, enabled bool) (orchestrator.Result, error) {
	var resp SetBoolResponse
	if err := postJSON(ctx, c.httpClient, c.url, SetBoolRequest{Value: enabled}, &resp); err != nil {
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{OK: resp.Ret, Message: resp.Message}, nil
}

// ActuatorClient triggers calibration runs over HTTP.
type ActuatorClient struct {
	url        string
	httpClient *http.Client
}

func NewActuatorClient(url string, hc *http.Client) *ActuatorClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ActuatorClient{url: url, httpClient: hc}
}

func (c *ActuatorClient) Trigger(ctx context.Context) (orchestrator.Result, error) {
	var resp TriggerResponse
	if err := postJSON(ctx, c.httpClient, c.url, nil, &resp); err != nil {
		return orchestrator.Result{}, err
	}
	return orchestrator.Result{OK: resp.Success, Message: resp.Message}, nil
}
