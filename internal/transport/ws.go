package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteDeadline = 5 * time.Second

// wsConn adapts one gorilla websocket connection to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSDialer connects to the relay's websocket endpoint, presenting the
// session credential as a query parameter.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, cred Credential) (Conn, error) {
	u, err := url.Parse(cred.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", cred.Endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/ws/" + url.PathEscape(string(cred.RoomID))
	q := u.Query()
	q.Set("token", cred.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", u.Host, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}
