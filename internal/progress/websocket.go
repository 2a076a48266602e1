package progress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type websocketTransport struct {
	conn *websocket.Conn
	done chan struct{}
}

func dialWebsocket(ctx context.Context, endpoint string, cfg Config) (*websocketTransport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &websocketTransport{conn: conn, done: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

// readLoop consumes inbound frames so control messages are processed.
// The listener is not expected to send data.
func (t *websocketTransport) readLoop() {
	defer close(t.done)
	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			return
		}
	}
}

func (t *websocketTransport) Write(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *websocketTransport) Close(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := t.conn.WriteControl(websocket.CloseMessage, msg, deadline)

	// Give the listener a moment to echo the close frame
	if werr == nil {
		select {
		case <-t.done:
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}

	if err := t.conn.Close(); err != nil {
		return err
	}
	if werr != nil && werr != websocket.ErrCloseSent {
		return werr
	}
	return nil
}
