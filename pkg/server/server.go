// Package server implements the remoting server: listener accept loop,
// per-connection handshake and receive loop, and the invocation
// dispatcher.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/config"
	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/message"
	prom "github.com/marmos91/remoting/pkg/metrics/prometheus"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
	"github.com/marmos91/remoting/pkg/session"
	"github.com/marmos91/remoting/pkg/transport"
	"github.com/marmos91/remoting/pkg/wire"
)

// Options configures a Server. Config is the only required field.
type Options struct {
	Config *config.Config

	// Services is the service registry; a fresh one is created when nil.
	Services *service.Registry

	// Auth validates client credentials. Nil accepts every client.
	Auth auth.Provider

	// Metrics collectors; nil disables recording.
	Metrics *prom.RPCMetrics

	// Listener overrides the transport built from Config, used by tests
	// to serve over in-process pipes.
	Listener transport.Listener
}

// Server accepts connections, performs handshakes, and dispatches method
// calls onto registered services.
type Server struct {
	cfg      *config.Config
	services *service.Registry
	sessions *session.Registry
	sweeper  *session.Sweeper
	authp    auth.Provider
	ser      serializer.Serializer
	metrics  *prom.RPCMetrics

	// key is the server RSA keypair, present when encryption is enabled.
	key *rsa.PrivateKey

	maxFrame uint32
	workers  int

	mu       sync.Mutex
	listener transport.Listener

	hookMu            sync.RWMutex
	onHandshakeFailed []func(addr string, err error)

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a server from options. When encryption is enabled this
// generates the server keypair, which dominates startup time for 4096-bit
// keys.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	ser, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		services: opts.Services,
		sessions: session.NewRegistry(),
		authp:    opts.Auth,
		ser:      ser,
		metrics:  opts.Metrics,
		listener: opts.Listener,
		maxFrame: wire.ClampMaxFrame(cfg.Wire.MaxFrameBytes),
		workers:  cfg.Server.Workers,
		done:     make(chan struct{}),
	}
	if s.services == nil {
		s.services = service.NewRegistry()
	}
	if s.authp == nil {
		s.authp = auth.AllowAll{}
	}
	if s.workers <= 0 {
		s.workers = runtime.NumCPU()
	}

	if cfg.Encryption.Enabled {
		key, err := crypt.GenerateKeyPair(cfg.Encryption.RSAKeySize)
		if err != nil {
			return nil, err
		}
		s.key = key
	}

	s.sessions.OnCreated(func(*session.Session) { s.metrics.SessionOpened() })
	s.sessions.OnClosed(func(*session.Session) { s.metrics.SessionClosed() })

	s.sweeper = session.NewSweeper(s.sessions, cfg.Sessions.MaxInactiveAge, cfg.Sessions.SweepInterval)
	s.sweeper.OnSwept = s.metrics.SessionsSwept

	return s, nil
}

// Services returns the service registry for registrations.
func (s *Server) Services() *service.Registry { return s.services }

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// OnSessionCreated registers a hook fired when a handshake completes.
func (s *Server) OnSessionCreated(fn func(*session.Session)) {
	s.sessions.OnCreated(fn)
}

// OnSessionClosed registers a hook fired when a session is disposed.
func (s *Server) OnSessionClosed(fn func(*session.Session)) {
	s.sessions.OnClosed(fn)
}

// OnHandshakeFailed registers a hook fired when a connection fails its
// handshake or authentication.
func (s *Server) OnHandshakeFailed(fn func(addr string, err error)) {
	s.hookMu.Lock()
	s.onHandshakeFailed = append(s.onHandshakeFailed, fn)
	s.hookMu.Unlock()
}

func (s *Server) handshakeFailed(addr string, err error) {
	s.metrics.Handshake("failed", s.modeLabel())
	s.hookMu.RLock()
	hooks := s.onHandshakeFailed
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(addr, err)
	}
}

func (s *Server) modeLabel() string {
	if s.cfg.Encryption.Enabled {
		return "encrypted"
	}
	return "plaintext"
}

// Addr returns the bound listener address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// ListenAndServe binds the configured endpoint and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := s.buildListener()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) buildListener() (transport.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	switch s.cfg.Server.Transport {
	case "websocket":
		return transport.ListenWS(addr, s.cfg.Server.WSPath)
	default:
		return transport.ListenTCP(addr, s.maxFrame)
	}
}

// Serve accepts connections on ln until Close. Each connection gets its
// own handshake and receive-loop goroutine.
func (s *Server) Serve(ln transport.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.sweeper.Start()
	logger.Info("Server listening",
		"channel", s.cfg.ChannelName,
		"address", ln.Addr(),
		"transport", s.cfg.Server.Transport,
		"encrypted", s.cfg.Encryption.Enabled)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, disposes every session, and waits for
// per-connection goroutines to drain. Idempotent.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.sweeper.Stop()

		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		}

		s.sessions.CloseAll()
		s.wg.Wait()
		logger.Info("Server stopped", "channel", s.cfg.ChannelName)
	})
	return err
}

func (s *Server) handleConn(conn transport.Conn) {
	addr := conn.RemoteAddr()
	logger.Debug("Connection accepted", "address", addr)

	sess, err := s.handshake(conn)
	if err != nil {
		logger.Warn("Handshake failed", "address", addr, "error", err)
		s.handshakeFailed(addr, err)
		conn.Close() //nolint:errcheck
		return
	}

	s.metrics.Handshake("ok", s.modeLabel())
	s.sessions.Add(sess)
	s.serveSession(sess)
}

// sendPlain ships an envelope outside any session, used during the
// handshake before the session's mode exists.
func sendPlain(ctx context.Context, conn transport.Conn, env *wire.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// sendHandshakeError reports a handshake failure to the peer on a
// best-effort basis before the connection closes.
func sendHandshakeError(conn transport.Conn, correlationID []byte, err error) {
	fault := message.FaultFromError(err, "")
	fault.Data = map[string]string{"kind": string(rpcerror.KindOf(err))}

	// Handshake errors are always JSON: the session serializer is not
	// negotiated yet.
	js, _ := serializer.ByName("json")
	payload, serr := js.Serialize(fault)
	if serr != nil {
		return
	}
	env := &wire.Envelope{
		Type:          wire.TypeError,
		Error:         true,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	_ = sendPlain(context.Background(), conn, env)
}
