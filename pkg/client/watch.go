package client

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/imucal/imucal/pkg/events"
)

// Watch streams daemon events to fn until ctx is done, the daemon closes the
// stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) error) error {
	dialer := websocket.Dialer{}
	if c.dial != nil {
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return c.dial(ctx)
		}
	}

	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		for _, sentinel := range []error{ErrDaemonNotRunning, ErrPermissionDenied} {
			if pkgerrors.Is(err, sentinel) {
				return sentinel
			}
		}
		return pkgerrors.Wrapf(err, "failed to open event stream")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return pkgerrors.Wrapf(err, "event stream broken")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
