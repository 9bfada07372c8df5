package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Watch opens the daemon event stream for botID ("" or "*" for every bot)
// and calls fn for each event until ctx is done, fn returns an error, or the
// daemon closes the stream. A normal close by either side returns nil.
func (c *Client) Watch(ctx context.Context, botID string, fn func(Event) error) error {
	u, err := c.wsURL(botID)
	if err != nil {
		return err
	}
	d := websocket.Dialer{
		HandshakeTimeout: c.client.Timeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if t, ok := c.client.Transport.(*http.Transport); ok {
		d.TLSClientConfig = t.TLSClientConfig
	}
	conn, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			if herr := c.handleErrorResponse(resp); herr != nil {
				return herr
			}
		}
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer func() { _ = conn.Close() }()
	c.logger.Debug("Watching events", "url", u)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatch can be returned by a Watch callback to end the stream cleanly.
var ErrStopWatch = errors.New("stop watch")

func (c *Client) wsURL(botID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if botID != "" && botID != "*" {
		u.RawQuery = url.Values{"bot": {botID}}.Encode()
	}
	return u.String(), nil
}
