package server

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/bufpool"
	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/session"
	"github.com/marmos91/remoting/pkg/transport"
	"github.com/marmos91/remoting/pkg/wire"
)

// handshake runs the server side of the hello/auth exchange and returns
// the established session.
//
// State machine: await hello -> issue session (wrapping a fresh AES key
// when both sides do encryption) -> await auth -> verify credentials ->
// confirm. Any deviation fails the handshake and closes the connection.
func (s *Server) handshake(conn transport.Conn) (*session.Session, error) {
	hctx := context.Background()
	if d := s.cfg.Timeouts.Connect; d > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d)
		defer cancel()
	}

	env, release, err := receiveEnvelope(hctx, conn)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "await hello")
	}
	defer release()

	if env.Type != wire.TypeHello {
		err := rpcerror.Newf(rpcerror.KindHandshakeFailed, "expected hello, got %q", env.Type)
		sendHandshakeError(conn, env.CorrelationID, err)
		return nil, err
	}
	hello, err := wire.DecodeHelloRequest(env.Payload)
	if err != nil {
		sendHandshakeError(conn, env.CorrelationID, err)
		return nil, err
	}

	opts := session.Options{Conn: conn, Serializer: s.ser}
	resp := &wire.HelloResponse{}

	switch {
	case len(hello.PublicKey) > 0 && s.cfg.Encryption.Enabled:
		clientKey, err := crypt.ParsePublicKey(hello.PublicKey)
		if err != nil {
			sendHandshakeError(conn, env.CorrelationID, err)
			return nil, err
		}
		secret, err := crypt.NewSecret()
		if err != nil {
			sendHandshakeError(conn, env.CorrelationID, err)
			return nil, err
		}
		wrapped, err := crypt.WrapKey(clientKey, secret)
		if err != nil {
			sendHandshakeError(conn, env.CorrelationID, err)
			return nil, err
		}
		serverPub, err := crypt.MarshalPublicKey(&s.key.PublicKey)
		if err != nil {
			sendHandshakeError(conn, env.CorrelationID, err)
			return nil, err
		}
		opts.Encrypted = true
		opts.Secret = secret
		opts.PeerKey = clientKey
		opts.Signer = s.key
		resp.WrappedKey = wrapped
		resp.ServerPublicKey = serverPub

	case len(hello.PublicKey) == 0 && s.cfg.Encryption.Enabled:
		err := rpcerror.New(rpcerror.KindHandshakeFailed, "server requires encrypted sessions")
		sendHandshakeError(conn, env.CorrelationID, err)
		return nil, err

	default:
		// Plaintext session, also when the client offered a key the
		// server is not configured to use.
	}

	sess := session.New(opts)
	id := sess.ID()
	helloResp := &wire.Envelope{
		Type:          wire.TypeHello,
		CorrelationID: id[:],
		Payload:       resp.Encode(),
	}
	if err := sendPlain(hctx, conn, helloResp); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "send hello response")
	}

	if err := s.authenticate(conn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// authenticate awaits the auth envelope and validates its credentials
// against the configured provider.
func (s *Server) authenticate(conn transport.Conn, sess *session.Session) error {
	actx := context.Background()
	if d := s.cfg.Timeouts.Auth; d > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, d)
		defer cancel()
	}

	env, release, err := receiveEnvelope(actx, conn)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "await auth")
	}
	defer release()

	if env.Type != wire.TypeAuth {
		err := rpcerror.Newf(rpcerror.KindHandshakeFailed, "expected auth, got %q", env.Type)
		sendHandshakeError(conn, env.CorrelationID, err)
		return err
	}

	payload, err := sess.OpenPayload(env)
	if err != nil {
		sendHandshakeError(conn, env.CorrelationID, err)
		return err
	}
	creds, err := wire.DecodeAuthRequest(payload)
	if err != nil {
		sendHandshakeError(conn, env.CorrelationID, err)
		return err
	}

	authCreds := make([]auth.Credential, len(creds))
	for i, c := range creds {
		authCreds[i] = auth.Credential{Name: c.Name, Value: c.Value}
	}
	identity, err := s.authp.Authenticate(actx, authCreds)
	if err != nil {
		resp := &wire.AuthResponse{OK: false}
		_ = sess.SendRaw(actx, wire.TypeAuthResponse, env.CorrelationID, true, resp.Encode())
		return rpcerror.Wrap(rpcerror.KindAuthFailed, err, "authenticate")
	}

	sess.SetIdentity(identity)
	resp := &wire.AuthResponse{
		OK:       true,
		Name:     identity.Name,
		Domain:   identity.Domain,
		AuthType: identity.AuthType,
		Roles:    identity.Roles,
	}
	if err := sess.SendRaw(actx, wire.TypeAuthResponse, env.CorrelationID, false, resp.Encode()); err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "send auth response")
	}

	logger.Info("Session established",
		"session_id", sess.ID(),
		"address", conn.RemoteAddr(),
		"user", identity.Name,
		"encrypted", sess.Encrypted())
	return nil
}

// receiveEnvelope reads and decodes one envelope. The release func
// returns the frame buffer to the pool; call it only after the envelope's
// byte slices are no longer referenced.
func receiveEnvelope(ctx context.Context, conn transport.Conn) (*wire.Envelope, func(), error) {
	frame, err := conn.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		bufpool.Put(frame)
		return nil, nil, err
	}
	return env, func() { bufpool.Put(frame) }, nil
}

// serveSession is the per-session receive loop. Calls run on bounded
// workers so one slow handler cannot starve the loop; everything else is
// handled inline.
func (s *Server) serveSession(sess *session.Session) {
	sem := make(chan struct{}, s.workers)
	ctx := context.Background()

	defer s.sessions.Remove(sess.ID())

	for {
		select {
		case <-s.done:
			return
		case <-sess.Done():
			return
		default:
		}

		env, release, err := receiveEnvelope(ctx, sess.Conn())
		if err != nil {
			if err != io.EOF {
				logger.Debug("Receive loop ending", "session_id", sess.ID(), "error", err)
			}
			return
		}
		sess.Touch()
		s.metrics.AddBytesIn(len(env.Payload))

		switch env.Type {
		case wire.TypeCall:
			select {
			case sem <- struct{}{}:
			case <-sess.Done():
				release()
				return
			}
			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Panic in invocation worker", "session_id", sess.ID(), "panic", r)
					}
					release()
					<-sem
				}()
				s.dispatch(sess, env)
			}()

		case wire.TypeResult:
			s.completeDelegate(sess, env)
			release()

		case wire.TypeGoodbye:
			logger.Debug("Goodbye received", "session_id", sess.ID())
			release()
			return

		default:
			// hello and auth are recognized but have no business arriving
			// after the handshake.
			if wire.KnownType(env.Type) {
				logger.Warn("Discarding unexpected envelope",
					"session_id", sess.ID(), "message_type", env.Type)
			} else {
				logger.Warn("Discarding envelope of unknown type",
					"session_id", sess.ID(), "message_type", env.Type)
			}
			release()
		}
	}
}

// completeDelegate resolves a pending synchronous delegate invocation
// with the client's reply. Late or unknown correlation ids are dropped.
func (s *Server) completeDelegate(sess *session.Session, env *wire.Envelope) {
	payload, err := sess.OpenPayload(env)
	if err != nil {
		logger.Warn("Dropping unreadable delegate reply", "session_id", sess.ID(), "error", err)
		return
	}

	if env.Error {
		var fault message.Fault
		if err := s.ser.Deserialize(payload, &fault); err != nil {
			logger.Warn("Dropping malformed delegate fault", "session_id", sess.ID(), "error", err)
			return
		}
		sess.Delegates.Complete(env.CorrelationID, nil, faultError(&fault))
		return
	}

	var result message.MethodCallResult
	if err := s.ser.Deserialize(payload, &result); err != nil {
		logger.Warn("Dropping malformed delegate result", "session_id", sess.ID(), "error", err)
		return
	}
	if !sess.Delegates.Complete(env.CorrelationID, &result, nil) {
		logger.Debug("Discarding late delegate reply",
			"session_id", sess.ID(), "correlation_id", env.CorrelationID)
	}
}

// delegateInvoker returns the InvokeFunc proxies bound to sess use to
// reach their client-side handlers.
func (s *Server) delegateInvoker(sess *session.Session) func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
	return func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
		if !wantReply {
			return nil, sess.SendMessage(ctx, wire.TypeDelegate, nil, false, inv)
		}

		corr := uuid.New()
		call, err := sess.Delegates.Add(corr[:])
		if err != nil {
			return nil, err
		}
		if err := sess.SendMessage(ctx, wire.TypeDelegate, corr[:], false, inv); err != nil {
			sess.Delegates.Forget(corr[:])
			return nil, err
		}

		if s.cfg.Timeouts.Invocation > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.Invocation)
			defer cancel()
		}
		result, err := call.Wait(ctx)
		if err != nil {
			sess.Delegates.Forget(corr[:])
			return nil, err
		}
		return result, nil
	}
}

// faultError converts a wire fault back into a kinded error. The fault's
// "kind" data entry restores the original error kind when present.
func faultError(fault *message.Fault) error {
	if fault == nil {
		return rpcerror.New(rpcerror.KindInternal, "empty fault")
	}
	if kind, ok := fault.Data["kind"]; ok && kind != "" && kind != string(rpcerror.KindServiceFaulted) {
		return &rpcerror.Error{Kind: rpcerror.Kind(kind), Message: fault.Message, Fault: fault}
	}
	return rpcerror.Faulted(fault)
}
