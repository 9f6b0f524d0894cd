package delegate

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
)

func jsonSerializer(t *testing.T) serializer.Serializer {
	t.Helper()
	ser, err := serializer.ByName("json")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	return ser
}

func TestSubscribeRefCounting(t *testing.T) {
	r := NewRegistry()
	handler := func(msg string) {}

	key1, first, err := r.Subscribe(handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !first {
		t.Error("first subscription not reported as first")
	}

	// The same function again: same key, no second registration.
	key2, first, err := r.Subscribe(handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if first {
		t.Error("second subscription reported as first")
	}
	if !bytes.Equal(key1, key2) {
		t.Error("resubscription minted a new key")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	// First unsubscribe only drops a reference.
	key, removed, ok := r.Unsubscribe(handler)
	if !ok || removed {
		t.Errorf("first Unsubscribe: removed=%v ok=%v", removed, ok)
	}
	if !bytes.Equal(key, key1) {
		t.Error("Unsubscribe returned a different key")
	}

	// Second unsubscribe removes the handler.
	_, removed, ok = r.Unsubscribe(handler)
	if !ok || !removed {
		t.Errorf("second Unsubscribe: removed=%v ok=%v", removed, ok)
	}
	if r.Len() != 0 {
		t.Errorf("Len after removal = %d, want 0", r.Len())
	}

	// Unknown handler: no-op.
	if _, _, ok := r.Unsubscribe(func() {}); ok {
		t.Error("Unsubscribe of unknown handler reported ok")
	}
}

func TestSubscribeDistinctHandlers(t *testing.T) {
	r := NewRegistry()
	k1, _, err := r.Subscribe(func(a int) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	k2, _, err := r.Subscribe(func(a string) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("distinct handlers share a key")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestSubscribeRejectsNonFunc(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Subscribe("not a func"); rpcerror.KindOf(err) != rpcerror.KindArgumentMismatch {
		t.Errorf("got %v, want argument_mismatch", err)
	}
	var nilFn func()
	if _, _, err := r.Subscribe(nilFn); rpcerror.KindOf(err) != rpcerror.KindArgumentMismatch {
		t.Errorf("nil func: got %v, want argument_mismatch", err)
	}
}

func TestRefOf(t *testing.T) {
	r := NewRegistry()
	handler := func(n int) {}

	if _, _, ok := r.RefOf(handler); ok {
		t.Error("RefOf found an unregistered handler")
	}

	key, _, err := r.Subscribe(handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	gotKey, sig, ok := r.RefOf(handler)
	if !ok {
		t.Fatal("RefOf missed a registered handler")
	}
	if !bytes.Equal(gotKey[:], key) {
		t.Error("RefOf key mismatch")
	}
	if sig != service.Signature(reflect.TypeOf(handler)) {
		t.Errorf("signature = %q", sig)
	}
}

func TestInvoke(t *testing.T) {
	r := NewRegistry()
	ser := jsonSerializer(t)
	ctx := context.Background()

	var gotMsg string
	var gotN int
	key, _, err := r.Subscribe(func(msg string, n int) string {
		gotMsg, gotN = msg, n
		return msg + "!"
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	arg := func(v any) []byte {
		blob, err := serializer.Marshal(ser, v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return blob
	}

	ret, hasRet, err := r.Invoke(ctx, ser, key, [][]byte{arg("ping"), arg(3)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotMsg != "ping" || gotN != 3 {
		t.Errorf("handler saw (%q, %d)", gotMsg, gotN)
	}
	if !hasRet || ret != "ping!" {
		t.Errorf("return = %v (hasRet=%v)", ret, hasRet)
	}

	// Arity mismatch.
	_, _, err = r.Invoke(ctx, ser, key, [][]byte{arg("just one")})
	if rpcerror.KindOf(err) != rpcerror.KindArgumentMismatch {
		t.Errorf("arity mismatch: got %v, want argument_mismatch", err)
	}

	// Unknown key.
	_, _, err = r.Invoke(ctx, ser, make([]byte, 16), nil)
	if rpcerror.KindOf(err) != rpcerror.KindMethodUnknown {
		t.Errorf("unknown key: got %v, want method_unknown", err)
	}

	// Malformed key.
	_, _, err = r.Invoke(ctx, ser, []byte{1, 2}, nil)
	if rpcerror.KindOf(err) != rpcerror.KindProtocolViolation {
		t.Errorf("short key: got %v, want protocol_violation", err)
	}
}

func TestInvokeContextAndError(t *testing.T) {
	r := NewRegistry()
	ser := jsonSerializer(t)

	handlerErr := errors.New("handler failed")
	var sawCtx bool
	key, _, err := r.Subscribe(func(ctx context.Context, n int) error {
		sawCtx = ctx != nil
		if n < 0 {
			return handlerErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	arg := func(v any) []byte {
		blob, _ := serializer.Marshal(ser, v)
		return blob
	}

	// Context parameter is supplied locally, not from the wire.
	_, hasRet, err := r.Invoke(context.Background(), ser, key, [][]byte{arg(1)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !sawCtx {
		t.Error("handler did not receive a context")
	}
	if hasRet {
		t.Error("error-only handler reported a return value")
	}

	_, _, err = r.Invoke(context.Background(), ser, key, [][]byte{arg(-1)})
	if !errors.Is(err, handlerErr) {
		t.Errorf("got %v, want handler error", err)
	}
}

func TestProxyRoundTrip(t *testing.T) {
	ser := jsonSerializer(t)

	// Client side: a real handler registry.
	handlers := NewRegistry()
	var received []string
	key, _, err := handlers.Subscribe(func(msg string) string {
		received = append(received, msg)
		return "ack:" + msg
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Server side: a proxy whose invoke path loops straight back into the
	// handler registry, standing in for the wire.
	handlerType := reflect.TypeOf(func(string) string { return "" })
	invoke := func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
		if !wantReply {
			t.Error("proxy with a result did not request a reply")
		}
		ret, hasRet, err := handlers.Invoke(ctx, ser, inv.HandlerKey, inv.Arguments)
		if err != nil {
			return nil, err
		}
		result := &message.MethodCallResult{IsReturnNull: !hasRet}
		if hasRet {
			blob, err := serializer.Marshal(ser, ret)
			if err != nil {
				return nil, err
			}
			result.ReturnValue = blob
		}
		return result, nil
	}

	ref := &message.DelegateRef{HandlerKey: key, Signature: service.Signature(handlerType)}
	proxy, err := NewProxy(handlerType, ref, ser, invoke)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	fn := proxy.Value().Interface().(func(string) string)
	if got := fn("event"); got != "ack:event" {
		t.Errorf("proxy returned %q", got)
	}
	if len(received) != 1 || received[0] != "event" {
		t.Errorf("handler received %v", received)
	}
	if !bytes.Equal(proxy.HandlerKey(), key) {
		t.Error("proxy handler key mismatch")
	}
}

func TestProxyFireAndForget(t *testing.T) {
	ser := jsonSerializer(t)

	var gotReply bool
	invoke := func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
		gotReply = wantReply
		return nil, nil
	}

	key := make([]byte, 16)
	proxy, err := NewProxy(reflect.TypeOf(func(int) {}), &message.DelegateRef{HandlerKey: key}, ser, invoke)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	proxy.Value().Interface().(func(int))(42)
	if gotReply {
		t.Error("void proxy requested a reply")
	}
}

func TestProxyErrorResult(t *testing.T) {
	ser := jsonSerializer(t)

	remote := rpcerror.New(rpcerror.KindConnectionLost, "peer gone")
	invoke := func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
		return nil, remote
	}

	key := make([]byte, 16)
	proxy, err := NewProxy(reflect.TypeOf(func() error { return nil }), &message.DelegateRef{HandlerKey: key}, ser, invoke)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if got := proxy.Value().Interface().(func() error)(); !errors.Is(got, remote) {
		t.Errorf("proxy error = %v", got)
	}
}

func TestProxyClose(t *testing.T) {
	ser := jsonSerializer(t)

	invoked := 0
	invoke := func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error) {
		invoked++
		return nil, nil
	}

	key := make([]byte, 16)
	proxy, err := NewProxy(reflect.TypeOf(func() error { return nil }), &message.DelegateRef{HandlerKey: key}, ser, invoke)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	select {
	case <-proxy.Done():
		t.Fatal("Done closed before Close")
	default:
	}

	closes := 0
	proxy.OnClose(func() { closes++ })

	proxy.Close()
	proxy.Close()
	if closes != 1 {
		t.Errorf("OnClose ran %d times, want 1", closes)
	}
	select {
	case <-proxy.Done():
	default:
		t.Error("Done not closed after Close")
	}

	// A callback registered after the close runs immediately.
	late := false
	proxy.OnClose(func() { late = true })
	if !late {
		t.Error("late OnClose callback did not run")
	}

	// Invocations after the close fail fast without touching the wire.
	err = proxy.Value().Interface().(func() error)()
	if rpcerror.KindOf(err) != rpcerror.KindNotConnected {
		t.Errorf("closed proxy: got %v, want not_connected", err)
	}
	if invoked != 0 {
		t.Error("closed proxy reached its invoke func")
	}
}

func TestProxyContext(t *testing.T) {
	ser := jsonSerializer(t)
	invoke := func(context.Context, *message.DelegateInvocation, bool) (*message.MethodCallResult, error) {
		return nil, nil
	}
	proxy, err := NewProxy(reflect.TypeOf(func() {}), &message.DelegateRef{HandlerKey: make([]byte, 16)}, ser, invoke)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	if got := FromContext(context.Background()); got != nil {
		t.Errorf("bare context carries proxies: %v", got)
	}
	ctx := NewContext(context.Background(), []*Proxy{proxy})
	got := FromContext(ctx)
	if len(got) != 1 || got[0] != proxy {
		t.Errorf("FromContext = %v", got)
	}
}

func TestNewProxyValidation(t *testing.T) {
	ser := jsonSerializer(t)
	invoke := func(context.Context, *message.DelegateInvocation, bool) (*message.MethodCallResult, error) {
		return nil, nil
	}
	key := make([]byte, 16)

	// Non-func parameter type.
	_, err := NewProxy(reflect.TypeOf(0), &message.DelegateRef{HandlerKey: key}, ser, invoke)
	if rpcerror.KindOf(err) != rpcerror.KindArgumentMismatch {
		t.Errorf("non-func: got %v, want argument_mismatch", err)
	}

	// Signature mismatch between what the client registered and the
	// parameter the method declares.
	ref := &message.DelegateRef{HandlerKey: key, Signature: "func(string)"}
	_, err = NewProxy(reflect.TypeOf(func(int) {}), ref, ser, invoke)
	if rpcerror.KindOf(err) != rpcerror.KindArgumentMismatch {
		t.Errorf("signature mismatch: got %v, want argument_mismatch", err)
	}

	// Malformed handler key.
	_, err = NewProxy(reflect.TypeOf(func() {}), &message.DelegateRef{HandlerKey: []byte{1}}, ser, invoke)
	if rpcerror.KindOf(err) != rpcerror.KindProtocolViolation {
		t.Errorf("short key: got %v, want protocol_violation", err)
	}
}
