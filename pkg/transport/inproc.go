package transport

import (
	"context"
	"io"
	"sync"
)

// InprocConn is one end of an in-process connection pair. It is
// message-oriented: frames pass through a channel without the length
// prefix. Used by tests and by hosting client and server in one process.
type InprocConn struct {
	send chan<- []byte
	recv <-chan []byte

	localDone chan struct{}
	peerDone  chan struct{}
	closeOnce sync.Once
}

// Pipe creates a connected in-process pair. Frames written to one end
// arrive at the other in order.
func Pipe() (*InprocConn, *InprocConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &InprocConn{send: ab, recv: ba, localDone: aDone, peerDone: bDone}
	b := &InprocConn{send: ba, recv: ab, localDone: bDone, peerDone: aDone}
	return a, b
}

// Send delivers one frame to the peer. A copy is made so the caller may
// reuse the buffer.
func (c *InprocConn) Send(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-c.localDone:
		return io.ErrClosedPipe
	case <-c.peerDone:
		return io.ErrClosedPipe
	default:
	}

	select {
	case c.send <- buf:
		return nil
	case <-c.localDone:
		return io.ErrClosedPipe
	case <-c.peerDone:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next frame; peer close yields io.EOF once the
// channel has drained.
func (c *InprocConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.recv:
		return frame, nil
	default:
	}

	select {
	case frame := <-c.recv:
		return frame, nil
	case <-c.localDone:
		return nil, io.EOF
	case <-c.peerDone:
		// Drain anything the peer sent before closing.
		select {
		case frame := <-c.recv:
			return frame, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases both directions. Idempotent.
func (c *InprocConn) Close() error {
	c.closeOnce.Do(func() { close(c.localDone) })
	return nil
}

// RemoteAddr identifies the transport for logging.
func (c *InprocConn) RemoteAddr() string { return "inproc" }
