package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/marmos91/remoting/pkg/wire"
)

// TCPConn carries frames over a TCP stream using the length-prefixed
// frame codec.
type TCPConn struct {
	conn     net.Conn
	maxFrame uint32

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewTCPConn wraps an established net.Conn. maxFrame of zero selects the
// default cap.
func NewTCPConn(conn net.Conn, maxFrame uint32) *TCPConn {
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameBytes
	}
	return &TCPConn{conn: conn, maxFrame: maxFrame}
}

// DialTCP connects to addr and returns a framed connection.
func DialTCP(ctx context.Context, addr string, maxFrame uint32) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn, maxFrame), nil
}

// Send writes one frame under the per-connection send lock so the length
// prefix and payload are never interleaved with another frame.
func (c *TCPConn) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return wire.WriteFrame(c.conn, frame, c.maxFrame)
}

// Receive reads the next frame. The returned buffer is pooled; the caller
// returns it via bufpool.Put once decoded.
func (c *TCPConn) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	return wire.ReadFrame(c.conn, c.maxFrame)
}

// Close closes the underlying connection. Idempotent.
func (c *TCPConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *TCPConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	ln       net.Listener
	maxFrame uint32
}

// ListenTCP binds addr (host:port; port 0 picks a free port).
func ListenTCP(addr string, maxFrame uint32) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameBytes
	}
	return &TCPListener{ln: ln, maxFrame: maxFrame}, nil
}

// Accept waits for the next inbound connection.
func (l *TCPListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn, l.maxFrame), nil
}

// Close stops accepting and unblocks pending Accept calls.
func (l *TCPListener) Close() error { return l.ln.Close() }

// Addr returns the bound address, including the resolved port.
func (l *TCPListener) Addr() string { return l.ln.Addr().String() }
