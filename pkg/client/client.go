// Package client implements the remoting client: connection and
// handshake management, the pending-call table, invocation, and
// client-side delegate dispatch.
package client

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/bufpool"
	"github.com/marmos91/remoting/pkg/config"
	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/delegate"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/pending"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/transport"
	"github.com/marmos91/remoting/pkg/wire"
)

// Options configures a Client.
type Options struct {
	// Address is the server endpoint (host:port, or a ws:// URL for the
	// websocket transport). Empty falls back to Config's server section.
	Address string

	// Config supplies timeouts, encryption, serializer, and wire caps.
	// Nil uses defaults.
	Config *config.Config

	// Credentials are presented during the auth exchange.
	Credentials []auth.Credential

	// Dialer overrides the transport built from Config, used by tests to
	// connect over in-process pipes.
	Dialer transport.Dialer

	// AutoReconnect re-establishes the connection on the next invocation
	// after a connection loss.
	AutoReconnect bool
}

// Client is a connection to one remoting server. All methods are safe for
// concurrent use; a single client multiplexes any number of in-flight
// calls over its connection.
type Client struct {
	cfg           *config.Config
	addr          string
	creds         []auth.Credential
	dial          transport.Dialer
	ser           serializer.Serializer
	maxFrame      uint32
	autoReconnect bool

	pending  *pending.Table
	handlers *delegate.Registry

	mu        sync.Mutex
	conn      transport.Conn
	sessionID uuid.UUID
	encrypted bool
	secret    []byte
	serverKey *rsa.PublicKey
	key       *rsa.PrivateKey
	identity  *auth.Identity
	connected bool
	disposed  bool

	recvWg sync.WaitGroup
}

// New creates a client. Connect must be called before invoking.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	ser, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	addr := opts.Address
	if addr == "" {
		addr = net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	}

	c := &Client{
		cfg:           cfg,
		addr:          addr,
		creds:         opts.Credentials,
		dial:          opts.Dialer,
		ser:           ser,
		maxFrame:      wire.ClampMaxFrame(cfg.Wire.MaxFrameBytes),
		autoReconnect: opts.AutoReconnect,
		pending:       pending.NewTable(),
		handlers:      delegate.NewRegistry(),
	}
	if c.dial == nil {
		c.dial = c.defaultDial
	}
	return c, nil
}

func (c *Client) defaultDial(ctx context.Context, addr string) (transport.Conn, error) {
	switch c.cfg.Server.Transport {
	case "websocket":
		return transport.DialWS(ctx, addr)
	default:
		return transport.DialTCP(ctx, addr, c.maxFrame)
	}
}

// SessionID returns the id the server issued, or the zero uuid before
// Connect.
func (c *Client) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Identity returns the identity confirmed by the auth exchange.
func (c *Client) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the server and runs the hello/auth handshake. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return rpcerror.New(rpcerror.KindNotConnected, "client disposed")
	}
	if c.connected {
		return nil
	}

	hctx := ctx
	if d := c.cfg.Timeouts.Connect; d > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	conn, err := c.dial(hctx, c.addr)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindConnectionRefused, err, "dial "+c.addr)
	}

	if err := c.handshake(hctx, conn); err != nil {
		conn.Close() //nolint:errcheck
		return err
	}

	c.conn = conn
	c.connected = true

	c.recvWg.Add(1)
	go c.receiveLoop(conn)

	logger.Info("Connected",
		"address", c.addr,
		"session_id", c.sessionID,
		"encrypted", c.encrypted)
	return nil
}

// handshake runs the client side of the hello/auth exchange. Callers hold
// c.mu.
func (c *Client) handshake(ctx context.Context, conn transport.Conn) error {
	hello := &wire.HelloRequest{}
	if c.cfg.Encryption.Enabled {
		key, err := crypt.GenerateKeyPair(c.cfg.Encryption.RSAKeySize)
		if err != nil {
			return err
		}
		pub, err := crypt.MarshalPublicKey(&key.PublicKey)
		if err != nil {
			return err
		}
		c.key = key
		hello.PublicKey = pub
	}

	env := &wire.Envelope{Type: wire.TypeHello, Payload: hello.Encode()}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "send hello")
	}

	resp, release, err := c.awaitEnvelope(ctx, conn)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "await hello response")
	}
	defer release()

	if resp.Error {
		return handshakeFault(c.ser, resp.Payload)
	}
	if resp.Type != wire.TypeHello {
		return rpcerror.Newf(rpcerror.KindHandshakeFailed, "expected hello response, got %q", resp.Type)
	}
	if len(resp.CorrelationID) != wire.CorrelationSize {
		return rpcerror.New(rpcerror.KindHandshakeFailed, "hello response missing session id")
	}
	sessionID, err := uuid.FromBytes(resp.CorrelationID)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "parse session id")
	}

	helloResp, err := wire.DecodeHelloResponse(resp.Payload)
	if err != nil {
		return err
	}

	encrypted := false
	var secret []byte
	var serverKey *rsa.PublicKey
	if len(helloResp.WrappedKey) > 0 {
		if c.key == nil {
			return rpcerror.New(rpcerror.KindHandshakeFailed, "server wrapped a key but none was offered")
		}
		secret, err = crypt.UnwrapKey(c.key, helloResp.WrappedKey)
		if err != nil {
			return err
		}
		serverKey, err = crypt.ParsePublicKey(helloResp.ServerPublicKey)
		if err != nil {
			return err
		}
		encrypted = true
	} else if c.cfg.Encryption.Enabled {
		return rpcerror.New(rpcerror.KindHandshakeFailed, "server refused encrypted session")
	}

	c.sessionID = sessionID
	c.encrypted = encrypted
	c.secret = secret
	c.serverKey = serverKey

	return c.authenticate(ctx, conn)
}

// authenticate sends credentials and awaits the server's verdict. Callers
// hold c.mu.
func (c *Client) authenticate(ctx context.Context, conn transport.Conn) error {
	wireCreds := make([]wire.Credential, len(c.creds))
	for i, cred := range c.creds {
		wireCreds[i] = wire.Credential{Name: cred.Name, Value: cred.Value}
	}

	corr := uuid.New()
	if err := c.sendRawOn(ctx, conn, wire.TypeAuth, corr[:], false, wire.EncodeAuthRequest(wireCreds)); err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "send auth")
	}

	env, release, err := c.awaitEnvelope(ctx, conn)
	if err != nil {
		return rpcerror.Wrap(rpcerror.KindHandshakeFailed, err, "await auth response")
	}
	defer release()

	if env.Type == wire.TypeError {
		return handshakeFault(c.ser, env.Payload)
	}
	if env.Type != wire.TypeAuthResponse {
		return rpcerror.Newf(rpcerror.KindHandshakeFailed, "expected auth_response, got %q", env.Type)
	}

	payload, err := c.openPayload(env)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeAuthResponse(payload)
	if err != nil {
		return err
	}
	if env.Error || !resp.OK {
		return rpcerror.New(rpcerror.KindAuthFailed, "server rejected credentials")
	}

	c.identity = &auth.Identity{
		Name:     resp.Name,
		Domain:   resp.Domain,
		AuthType: resp.AuthType,
		Roles:    resp.Roles,
	}
	return nil
}

// awaitEnvelope reads one envelope during the handshake, before the
// receive loop exists.
func (c *Client) awaitEnvelope(ctx context.Context, conn transport.Conn) (*wire.Envelope, func(), error) {
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

// handshakeFault decodes a handshake error payload into a kinded error.
func handshakeFault(ser serializer.Serializer, payload []byte) error {
	js, _ := serializer.ByName("json")
	var fault message.Fault
	if err := js.Deserialize(payload, &fault); err != nil {
		return rpcerror.New(rpcerror.KindHandshakeFailed, "server rejected handshake")
	}
	if kind, ok := fault.Data["kind"]; ok && kind != "" {
		return &rpcerror.Error{Kind: rpcerror.Kind(kind), Message: fault.Message, Fault: &fault}
	}
	return rpcerror.New(rpcerror.KindHandshakeFailed, fault.Message)
}

// sendMessage serializes v and ships it, sealing when encrypted.
func (c *Client) sendMessage(ctx context.Context, msgType string, correlationID []byte, isError bool, v any) error {
	var payload []byte
	if v != nil {
		var err error
		payload, err = serializer.Marshal(c.ser, v)
		if err != nil {
			return rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "serialize "+msgType)
		}
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return rpcerror.New(rpcerror.KindNotConnected, "not connected")
	}
	return c.sendRawOn(ctx, conn, msgType, correlationID, isError, payload)
}

// sendRawOn seals (when the session is encrypted) and ships payload on
// conn.
func (c *Client) sendRawOn(ctx context.Context, conn transport.Conn, msgType string, correlationID []byte, isError bool, payload []byte) error {
	var iv []byte
	if c.encrypted {
		sealed, freshIV, err := crypt.Seal(c.secret, c.key, payload)
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
	if err := conn.Send(ctx, frame); err != nil {
		return rpcerror.Wrap(rpcerror.KindConnectionLost, err, "send "+msgType)
	}
	return nil
}

// openPayload recovers an inbound envelope's plaintext per the session
// mode. IV-presence mismatches are protocol violations, same as on the
// server.
func (c *Client) openPayload(env *wire.Envelope) ([]byte, error) {
	if !c.encrypted {
		if len(env.IV) != 0 {
			return nil, rpcerror.New(rpcerror.KindProtocolViolation, "unexpected iv on plaintext session")
		}
		return env.Payload, nil
	}
	if len(env.IV) == 0 {
		return nil, rpcerror.New(rpcerror.KindProtocolViolation, "missing iv on encrypted session")
	}
	return crypt.Open(c.secret, c.serverKey, env.Payload, env.IV)
}

// receiveLoop demultiplexes inbound envelopes: results complete pending
// calls, delegate envelopes dispatch to registered handlers.
func (c *Client) receiveLoop(conn transport.Conn) {
	defer c.recvWg.Done()
	ctx := context.Background()

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if err != io.EOF {
				logger.Debug("Client receive loop ending", "error", err)
			}
			c.onConnectionLost(conn)
			return
		}

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			bufpool.Put(frame)
			logger.Warn("Dropping malformed envelope", "error", err)
			continue
		}

		switch env.Type {
		case wire.TypeResult:
			c.completeCall(env)
			bufpool.Put(frame)

		case wire.TypeDelegate:
			// The handler runs on its own goroutine; everything it needs
			// is copied out before the frame returns to the pool.
			c.handleDelegate(env)
			bufpool.Put(frame)

		default:
			logger.Warn("Discarding envelope of unknown type", "message_type", env.Type)
			bufpool.Put(frame)
		}
	}
}

// completeCall resolves the pending call addressed by the envelope. Late
// results after a timeout are discarded here.
func (c *Client) completeCall(env *wire.Envelope) {
	payload, err := c.openPayload(env)
	if err != nil {
		c.pending.Complete(env.CorrelationID, nil, err)
		return
	}

	if env.Error {
		var fault message.Fault
		if err := c.ser.Deserialize(payload, &fault); err != nil {
			c.pending.Complete(env.CorrelationID, nil,
				rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode fault"))
			return
		}
		c.pending.Complete(env.CorrelationID, nil, faultError(&fault))
		return
	}

	var result message.MethodCallResult
	if err := c.ser.Deserialize(payload, &result); err != nil {
		c.pending.Complete(env.CorrelationID, nil,
			rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "decode result"))
		return
	}
	if !c.pending.Complete(env.CorrelationID, &result, nil) {
		logger.Debug("Discarding late result", "correlation_id", env.CorrelationID)
	}
}

// faultError converts a wire fault back into a kinded error.
func faultError(fault *message.Fault) error {
	if fault == nil {
		return rpcerror.New(rpcerror.KindInternal, "empty fault")
	}
	if kind, ok := fault.Data["kind"]; ok && kind != "" && kind != string(rpcerror.KindServiceFaulted) {
		return &rpcerror.Error{Kind: rpcerror.Kind(kind), Message: fault.Message, Fault: fault}
	}
	return rpcerror.Faulted(fault)
}

// onConnectionLost fails every in-flight call and marks the client
// disconnected. A later Invoke may reconnect when AutoReconnect is set.
func (c *Client) onConnectionLost(conn transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()

	c.pending.Drain(rpcerror.New(rpcerror.KindConnectionLost, "connection lost"))
}

// Disconnect sends a goodbye and closes the connection. In-flight calls
// fail with connection_lost. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	sessionID := c.sessionID
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	_ = c.sendRawOn(ctx, conn, wire.TypeGoodbye, nil, false, wire.EncodeGoodbye(sessionID[:]))
	err := conn.Close()
	c.recvWg.Wait()
	c.pending.Drain(rpcerror.New(rpcerror.KindConnectionLost, "disconnected"))

	logger.Info("Disconnected", "session_id", sessionID)
	return err
}

// Dispose disconnects and permanently retires the client.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	return c.Disconnect(ctx)
}
