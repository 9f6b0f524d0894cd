// Package transport defines the byte-stream contract between sessions and
// the network, plus the built-in TCP, WebSocket, and in-process
// implementations.
//
// A Conn exchanges discrete frames: stream transports (TCP) apply the
// length-prefixed frame codec, while message-oriented transports
// (WebSocket, in-process) carry one envelope per native message and skip
// the length prefix. The session layer owns its Conn exclusively; Send is
// safe for concurrent use, Receive must only be called from the session's
// receive loop.
package transport

import (
	"context"
)

// Conn is one established bidirectional connection.
type Conn interface {
	// Send ships one frame. Implementations serialize concurrent senders
	// so frames are never interleaved on the wire.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives. A clean peer close
	// yields io.EOF. Frames read from stream transports come from the
	// buffer pool; the caller returns them via bufpool.Put after
	// decoding.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// Listener accepts inbound connections for a server.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Dialer establishes outbound connections for a client.
type Dialer func(ctx context.Context, addr string) (Conn, error)
