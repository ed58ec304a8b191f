package client

import (
	"encoding/json"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = pkgerrors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = pkgerrors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = pkgerrors.New("404 not found")
)

// APIError is a non-2xx answer of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("got %d: %s", e.StatusCode, e.Message)
}

// errorMessage unwraps the JSON string the daemon sends with errors.
func errorMessage(body string) string {
	var msg string
	if err := json.Unmarshal([]byte(body), &msg); err == nil {
		return msg
	}
	return strings.TrimSpace(body)
}
