// Package session implements the server-side session object, the session
// registry, and the inactivity sweeper.
//
// A session is created by a completed handshake and owns one transport
// connection. Its encryption mode is fixed for its whole lifetime: either
// every post-handshake envelope is sealed and signed, or none is.
package session

import (
	"context"
	"crypto/rsa"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/delegate"
	"github.com/marmos91/remoting/pkg/pending"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/transport"
	"github.com/marmos91/remoting/pkg/wire"
)

// State tracks the session teardown progression. Transitions are one-way:
// Active -> Disposing -> Disposed.
type State int32

const (
	StateActive State = iota
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisposing:
		return "disposing"
	default:
		return "disposed"
	}
}

// Options carries the handshake outcome a session is built from.
type Options struct {
	Conn       transport.Conn
	Serializer serializer.Serializer

	// Encrypted fixes the session's envelope mode. When set, Secret,
	// PeerKey, and Signer must all be present.
	Encrypted bool
	// Secret is the AES session key unwrapped during the handshake.
	Secret []byte
	// PeerKey verifies signatures on inbound envelopes.
	PeerKey *rsa.PublicKey
	// Signer signs outbound envelopes.
	Signer *rsa.PrivateKey
}

// Session is one authenticated client connection on the server.
type Session struct {
	id      uuid.UUID
	conn    transport.Conn
	ser     serializer.Serializer
	created time.Time

	encrypted bool
	secret    []byte
	peerKey   *rsa.PublicKey
	signer    *rsa.PrivateKey

	state        atomic.Int32
	lastActivity atomic.Int64

	identityMu sync.RWMutex
	identity   *auth.Identity

	scopedMu sync.Mutex
	scoped   map[string]any

	hookMu        sync.Mutex
	beforeDispose []func(*Session)

	proxyMu sync.Mutex
	proxies map[string]*delegate.Proxy

	// Delegates holds synchronous delegate invocations awaiting a client
	// reply, keyed by correlation id.
	Delegates *pending.Table

	closeErr error
	done     chan struct{}
}

// New creates a session with a fresh 128-bit id.
func New(opts Options) *Session {
	s := &Session{
		id:        uuid.New(),
		conn:      opts.Conn,
		ser:       opts.Serializer,
		created:   time.Now(),
		encrypted: opts.Encrypted,
		secret:    opts.Secret,
		peerKey:   opts.PeerKey,
		signer:    opts.Signer,
		scoped:    make(map[string]any),
		proxies:   make(map[string]*delegate.Proxy),
		Delegates: pending.NewTable(),
		done:      make(chan struct{}),
	}
	s.lastActivity.Store(s.created.UnixNano())
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Conn returns the transport connection the session owns.
func (s *Session) Conn() transport.Conn { return s.conn }

// Serializer returns the serializer negotiated for the session.
func (s *Session) Serializer() serializer.Serializer { return s.ser }

// Encrypted reports whether the session seals its envelopes.
func (s *Session) Encrypted() bool { return s.encrypted }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session has been disposed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Identity returns the authenticated identity, or nil before
// authentication completes.
func (s *Session) Identity() *auth.Identity {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// SetIdentity attaches the identity produced by the auth exchange.
func (s *Session) SetIdentity(id *auth.Identity) {
	s.identityMu.Lock()
	s.identity = id
	s.identityMu.Unlock()
}

// Touch records activity; the sweeper measures idleness from the last
// touch.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// ScopedInstance implements service.Scope: one instance per session per
// service name.
func (s *Session) ScopedInstance(name string, create func() any) any {
	s.scopedMu.Lock()
	defer s.scopedMu.Unlock()
	if v, ok := s.scoped[name]; ok {
		return v
	}
	v := create()
	s.scoped[name] = v
	return v
}

// Proxy returns the session-owned delegate proxy for the handler key and
// proxy type, building it with create on first use. One client handler
// maps to one proxy per session and type, and disposal closes them all,
// so a service that retained the func value sees exactly one teardown
// signal.
func (s *Session) Proxy(key []byte, typeName string, create func() (*delegate.Proxy, error)) (*delegate.Proxy, error) {
	mapKey := string(key) + "|" + typeName

	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	if s.proxies == nil {
		return nil, rpcerror.New(rpcerror.KindNotConnected, "session disposed")
	}
	if p, ok := s.proxies[mapKey]; ok {
		return p, nil
	}
	p, err := create()
	if err != nil {
		return nil, err
	}
	s.proxies[mapKey] = p
	return p, nil
}

// OnBeforeDispose registers a hook that runs at the start of disposal,
// while the session can still send. Used to flush goodbye notices and
// release delegate registrations.
func (s *Session) OnBeforeDispose(fn func(*Session)) {
	s.hookMu.Lock()
	s.beforeDispose = append(s.beforeDispose, fn)
	s.hookMu.Unlock()
}

// SendMessage serializes v, seals it when the session is encrypted, and
// ships it in an envelope of the given type. A nil v produces an empty
// payload. Safe for concurrent use.
func (s *Session) SendMessage(ctx context.Context, msgType string, correlationID []byte, isError bool, v any) error {
	if s.State() == StateDisposed {
		return rpcerror.New(rpcerror.KindNotConnected, "session disposed")
	}

	var payload []byte
	if v != nil {
		var err error
		payload, err = serializer.Marshal(s.ser, v)
		if err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "serialize "+msgType)
		}
	}
	return s.SendRaw(ctx, msgType, correlationID, isError, payload)
}

// SendRaw ships an already-serialized payload, sealing it when the
// session is encrypted.
func (s *Session) SendRaw(ctx context.Context, msgType string, correlationID []byte, isError bool, payload []byte) error {
	var iv []byte
	if s.encrypted {
		sealed, freshIV, err := crypt.Seal(s.secret, s.signer, payload)
		if err != nil {
			return err
		}
		payload, iv = sealed, freshIV
	}

	env := &wire.Envelope{
		Type:          msgType,
		Error:         isError,
		CorrelationID: correlationID,
		IV:            iv,
		Payload:       payload,
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, frame); err != nil {
		return rpcerror.Wrap(rpcerror.KindConnectionLost, err, "send "+msgType)
	}
	return nil
}

// OpenPayload recovers the plaintext payload of an inbound envelope
// according to the session's fixed mode. An IV on a plaintext session, or
// a missing IV on an encrypted one, is a protocol violation.
func (s *Session) OpenPayload(env *wire.Envelope) ([]byte, error) {
	if !s.encrypted {
		if len(env.IV) != 0 {
			return nil, rpcerror.New(rpcerror.KindProtocolViolation,
				"unexpected iv on plaintext session")
		}
		return env.Payload, nil
	}
	if len(env.IV) == 0 {
		return nil, rpcerror.New(rpcerror.KindProtocolViolation,
			"missing iv on encrypted session")
	}
	return crypt.Open(s.secret, s.peerKey, env.Payload, env.IV)
}

// Close disposes the session: before-dispose hooks run first, owned
// delegate proxies are closed, pending delegate calls fail with
// connection_lost, then the transport closes. Subsequent calls return
// the first close error.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDisposing)) {
		<-s.done
		return s.closeErr
	}

	s.hookMu.Lock()
	hooks := s.beforeDispose
	s.beforeDispose = nil
	s.hookMu.Unlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Panic in session dispose hook", "session_id", s.id, "panic", r)
				}
			}()
			fn(s)
		}()
	}

	s.proxyMu.Lock()
	proxies := s.proxies
	s.proxies = nil
	s.proxyMu.Unlock()
	for _, p := range proxies {
		p.Close()
	}

	s.Delegates.Drain(rpcerror.New(rpcerror.KindConnectionLost, "session closed"))

	s.closeErr = s.conn.Close()
	s.state.Store(int32(StateDisposed))
	close(s.done)
	return s.closeErr
}
