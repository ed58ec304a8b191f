// Package client talks to the imucal daemon over its unix socket.
package client

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client is a struct for communicating with the imucal daemon
type Client struct {
	socketPath string
	baseURL    string
	httpClient *http.Client
	dial       func(ctx context.Context) (net.Conn, error)
}

// dialError maps socket dial failures to the client sentinels. A socket
// file left behind by a dead daemon refuses connections.
func dialError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ECONNREFUSED):
		return ErrDaemonNotRunning
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	}
	return err
}

// NewClient is a constructor for creating a new Client
func NewClient(socketPath string) *Client {
	c := &Client{
		socketPath: socketPath,
		baseURL:    "http://unix",
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err != nil {
			err = dialError(err)
			if !pkgerrors.Is(err, ErrDaemonNotRunning) && !pkgerrors.Is(err, ErrPermissionDenied) {
				logrus.Errorf("failed to connect to unix socket: %v", err)
			}
			return nil, err
		}
		return conn, nil
	}
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return c.dial(ctx)
			},
		},
	}
	return c
}

// newTCPClient talks to a daemon router served over TCP, as httptest does.
func newTCPClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
}

// Send is a method for sending a request to the imucal daemon
func (c *Client) Send(method string, path string, data string) (string, error) {
	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"data":   data,
		"unix":   c.socketPath,
	}).Debug("sending request")

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return "", pkgerrors.Errorf("unknown method: %s", method)
	}

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to create request")
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Keep the sentinels reachable through errors.Is.
		for _, sentinel := range []error{ErrDaemonNotRunning, ErrPermissionDenied} {
			if pkgerrors.Is(err, sentinel) {
				return "", sentinel
			}
		}
		return "", pkgerrors.Wrapf(err, "failed to send request")
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Errorf("failed to close response body: %v", err)
		}
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to read response body")
	}
	respBody := string(b)

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	return respBody, nil
}

// Get is a method for sending a GET request to the imucal daemon
func (c *Client) Get(path string) (string, error) {
	return c.Send(http.MethodGet, path, "")
}

// Put is a method for sending a PUT request to the imucal daemon
func (c *Client) Put(path string, data string) (string, error) {
	return c.Send(http.MethodPut, path, data)
}

// Post is a method for sending a POST request to the imucal daemon
func (c *Client) Post(path string, data string) (string, error) {
	return c.Send(http.MethodPost, path, data)
}
