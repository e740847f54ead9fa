package channel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultConnectTimeout bounds how long Open waits for the connection
// to reach the open state.
const DefaultConnectTimeout = 10 * time.Second

// maxMessageSize caps a single inbound message.
const maxMessageSize = 16 * 1024 * 1024

// Options configures Open.
type Options struct {
	// ConnectTimeout bounds dialing plus the websocket handshake.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Logger receives channel diagnostics.
	Logger *slog.Logger
}

// Open dials a websocket endpoint and returns an open Channel. It fails
// with *ConnectTimeoutError if the handshake has not completed within
// the connect timeout, and with *ConnectError for any other failure,
// including ctx ending first.
func Open(ctx context.Context, endpoint string, opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logger = logger.With("endpoint", endpoint)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	logger.Debug("connecting to tool provider", "timeout", timeout)
	conn, _, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		// The caller's own deadline or cancellation is not a connect timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Debug("connect abandoned", "error", err)
			return nil, &ConnectError{Endpoint: endpoint, Err: ctxErr}
		}
		if isTimeout(err) || dialCtx.Err() != nil {
			return nil, &ConnectTimeoutError{Endpoint: endpoint, Timeout: timeout}
		}
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	logger.Info("connected to tool provider")
	return New(&wsConn{conn: conn}, logger), nil
}

// isTimeout reports whether err is a dial or handshake deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// wsConn adapts a gorilla websocket connection to Conn. Every message
// is sent as a single text frame.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, p, err := w.conn.ReadMessage()
	return p, err
}

func (w *wsConn) WriteMessage(p []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

// Close sends a normal-closure frame on a best-effort basis before
// closing the socket.
func (w *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}
