package session

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/marmos91/remoting/pkg/auth"
	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/delegate"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/transport"
	"github.com/marmos91/remoting/pkg/wire"
)

func jsonSerializer(t *testing.T) serializer.Serializer {
	t.Helper()
	ser, err := serializer.ByName("json")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	return ser
}

func plaintextSession(t *testing.T) (*Session, *transport.InprocConn) {
	t.Helper()
	local, peer := transport.Pipe()
	s := New(Options{Conn: local, Serializer: jsonSerializer(t)})
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s, peer
}

func TestSendMessagePlaintext(t *testing.T) {
	s, peer := plaintextSession(t)
	ctx := context.Background()

	type ping struct {
		Seq int `json:"seq"`
	}
	if err := s.SendMessage(ctx, wire.TypeCall, nil, false, ping{Seq: 7}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	frame, err := peer.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != wire.TypeCall || len(env.IV) != 0 {
		t.Errorf("envelope: type=%s iv=%d bytes", env.Type, len(env.IV))
	}

	var got ping
	if err := s.Serializer().Deserialize(env.Payload, &got); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Seq != 7 {
		t.Errorf("seq = %d, want 7", got.Seq)
	}
}

func TestOpenPayloadModeEnforcement(t *testing.T) {
	s, _ := plaintextSession(t)

	// Plaintext session, plaintext envelope: payload passes through.
	payload, err := s.OpenPayload(&wire.Envelope{Type: wire.TypeCall, Payload: []byte("raw")})
	if err != nil {
		t.Fatalf("OpenPayload: %v", err)
	}
	if string(payload) != "raw" {
		t.Errorf("payload = %q", payload)
	}

	// An IV on a plaintext session means the peer switched modes mid-flight.
	_, err = s.OpenPayload(&wire.Envelope{Type: wire.TypeCall, IV: make([]byte, 16), Payload: []byte("x")})
	if rpcerror.KindOf(err) != rpcerror.KindProtocolViolation {
		t.Errorf("iv on plaintext: got %v, want protocol_violation", err)
	}
}

func TestEncryptedSessionRoundTrip(t *testing.T) {
	serverKey, err := crypt.GenerateKeyPair(crypt.MinRSAKeySize)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	clientKey, err := crypt.GenerateKeyPair(crypt.MinRSAKeySize)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	secret, err := crypt.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}

	local, peer := transport.Pipe()
	s := New(Options{
		Conn:       local,
		Serializer: jsonSerializer(t),
		Encrypted:  true,
		Secret:     secret,
		PeerKey:    &clientKey.PublicKey,
		Signer:     serverKey,
	})
	defer s.Close() //nolint:errcheck

	ctx := context.Background()
	if err := s.SendRaw(ctx, wire.TypeResult, nil, false, []byte("classified")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	frame, err := peer.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if len(env.IV) == 0 {
		t.Fatal("encrypted envelope carries no iv")
	}

	// The peer opens with the session secret and the server's public key.
	plain, err := crypt.Open(secret, &serverKey.PublicKey, env.Payload, env.IV)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "classified" {
		t.Errorf("payload = %q", plain)
	}

	// Inbound envelopes without an IV are rejected on an encrypted session.
	_, err = s.OpenPayload(&wire.Envelope{Type: wire.TypeCall, Payload: []byte("x")})
	if rpcerror.KindOf(err) != rpcerror.KindProtocolViolation {
		t.Errorf("missing iv: got %v, want protocol_violation", err)
	}

	// And a sealed envelope from the client side opens cleanly.
	sealed, iv, err := crypt.Seal(secret, clientKey, []byte("reply"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plain, err = s.OpenPayload(&wire.Envelope{Type: wire.TypeCall, IV: iv, Payload: sealed})
	if err != nil {
		t.Fatalf("OpenPayload: %v", err)
	}
	if string(plain) != "reply" {
		t.Errorf("opened payload = %q", plain)
	}
}

func TestIdentity(t *testing.T) {
	s, _ := plaintextSession(t)

	if s.Identity() != nil {
		t.Error("identity set before authentication")
	}
	id := &auth.Identity{Name: "alice", AuthType: "static", Roles: []string{"ops"}}
	s.SetIdentity(id)
	if got := s.Identity(); got != id {
		t.Errorf("Identity = %+v", got)
	}
}

func TestScopedInstance(t *testing.T) {
	s, _ := plaintextSession(t)

	created := 0
	factory := func() any { created++; return &struct{ n int }{} }

	a := s.ScopedInstance("svc", factory)
	b := s.ScopedInstance("svc", factory)
	if a != b {
		t.Error("scoped instance not cached")
	}
	if created != 1 {
		t.Errorf("factory ran %d times, want 1", created)
	}

	// A different name gets its own instance.
	c := s.ScopedInstance("other", factory)
	if c == a {
		t.Error("instances shared across service names")
	}
}

func TestCloseLifecycle(t *testing.T) {
	s, _ := plaintextSession(t)

	var hookState State
	s.OnBeforeDispose(func(sess *Session) { hookState = sess.State() })

	// A pending delegate call must fail on close, not hang.
	call, err := s.Delegates.Add(make([]byte, 16))
	if err != nil {
		t.Fatalf("Delegates.Add: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateDisposed {
		t.Errorf("state = %v, want disposed", s.State())
	}
	if hookState != StateDisposing {
		t.Errorf("hook saw state %v, want disposing", hookState)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Close")
	}

	_, err = call.Wait(context.Background())
	if rpcerror.KindOf(err) != rpcerror.KindConnectionLost {
		t.Errorf("pending delegate: got %v, want connection_lost", err)
	}

	// Sends after disposal fail fast.
	err = s.SendMessage(context.Background(), wire.TypeResult, nil, false, nil)
	if rpcerror.KindOf(err) != rpcerror.KindNotConnected {
		t.Errorf("send after close: got %v, want not_connected", err)
	}

	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCloseReleasesProxies(t *testing.T) {
	s, _ := plaintextSession(t)
	ser := jsonSerializer(t)

	invoke := func(context.Context, *message.DelegateInvocation, bool) (*message.MethodCallResult, error) {
		return nil, nil
	}
	key := make([]byte, 16)
	handlerType := reflect.TypeOf(func(string) {})

	built := 0
	create := func() (*delegate.Proxy, error) {
		built++
		return delegate.NewProxy(handlerType, &message.DelegateRef{HandlerKey: key}, ser, invoke)
	}

	p1, err := s.Proxy(key, "func(string)", create)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	// Same handler key and signature: the session reuses its proxy.
	p2, err := s.Proxy(key, "func(string)", create)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if p1 != p2 || built != 1 {
		t.Errorf("proxy not reused: built %d", built)
	}

	released := 0
	p1.OnClose(func() { released++ })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-p1.Done():
	default:
		t.Error("proxy not closed by session disposal")
	}
	if released != 1 {
		t.Errorf("teardown signal fired %d times, want 1", released)
	}

	// No proxies are handed out after disposal.
	_, err = s.Proxy(key, "func(string)", create)
	if rpcerror.KindOf(err) != rpcerror.KindNotConnected {
		t.Errorf("Proxy after close: got %v, want not_connected", err)
	}
}

func TestHookPanicDoesNotAbortClose(t *testing.T) {
	s, _ := plaintextSession(t)
	s.OnBeforeDispose(func(*Session) { panic("hook exploded") })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateDisposed {
		t.Errorf("state = %v, want disposed", s.State())
	}
}

func TestTouchAndIdleFor(t *testing.T) {
	s, _ := plaintextSession(t)

	past := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastActivity().After(past) {
		t.Error("Touch did not advance last activity")
	}

	now := s.LastActivity().Add(30 * time.Second)
	if got := s.IdleFor(now); got != 30*time.Second {
		t.Errorf("IdleFor = %v, want 30s", got)
	}
}
