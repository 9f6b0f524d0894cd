package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marmos91/remoting/internal/logger"
)

// WSConn carries one envelope per WebSocket binary message; the length
// prefix of the stream framing is unnecessary here.
type WSConn struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// DialWS connects to a ws:// or wss:// URL.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn), nil
}

// Send writes one binary message under the send lock.
func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive reads the next binary message, skipping non-binary frames.
// Normal closure surfaces as io.EOF.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
		logger.Debug("Discarding non-binary websocket message", "kind", kind)
	}
}

// Close closes the websocket. Idempotent.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// WSListener upgrades inbound HTTP requests to websocket connections and
// hands them to Accept.
type WSListener struct {
	server   *http.Server
	ln       net.Listener
	accepted chan *WSConn

	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// The runtime has its own handshake; any origin may open a socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ListenWS binds addr and serves websocket upgrades on path.
func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WSListener{
		ln:       ln,
		accepted: make(chan *WSConn, 16),
	}

	mux := http.NewServeMux()
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, l.upgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Websocket listener stopped", "error", err)
		}
	}()
	return l, nil
}

func (l *WSListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "address", r.RemoteAddr, "error", err)
		return
	}
	select {
	case l.accepted <- NewWSConn(conn):
	default:
		logger.Warn("Websocket accept queue full, dropping connection", "address", r.RemoteAddr)
		conn.Close() //nolint:errcheck
	}
}

// Accept waits for the next upgraded connection.
func (l *WSListener) Accept() (Conn, error) {
	conn, ok := <-l.accepted
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}

// Close stops the HTTP server and unblocks Accept.
func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.server.Close()
		close(l.accepted)
	})
	return err
}

// Addr returns the bound address.
func (l *WSListener) Addr() string { return l.ln.Addr().String() }
