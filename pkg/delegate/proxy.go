package delegate

import (
	"context"
	"reflect"
	"sync"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
)

// InvokeFunc ships one delegate invocation to the owning client. When
// wantReply is set the call blocks for the client's result; otherwise it
// returns as soon as the envelope is sent and the result is nil.
type InvokeFunc func(ctx context.Context, inv *message.DelegateInvocation, wantReply bool) (*message.MethodCallResult, error)

var (
	proxyCtxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	proxyErrType = reflect.TypeOf((*error)(nil)).Elem()
)

// Proxy is a server-held endpoint for one client delegate. The session
// that built it owns it: session disposal calls Close exactly once, after
// which invocations fail fast with not_connected instead of reaching for
// the dead connection. Services that retain the func value past the
// invocation watch Done or register an OnClose callback to detach.
type Proxy struct {
	fn  reflect.Value
	key []byte

	mu      sync.Mutex
	closed  bool
	onClose []func()
	done    chan struct{}
}

// Value returns the func value the dispatcher passes in place of the
// delegate-typed parameter.
func (p *Proxy) Value() reflect.Value { return p.fn }

// HandlerKey returns the client handler key the proxy forwards to.
func (p *Proxy) HandlerKey() []byte { return p.key }

// Done is closed when the owning session disposes the proxy.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// OnClose registers fn to run when the proxy is closed. A callback
// registered after the close runs immediately.
func (p *Proxy) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close tears the proxy down: Done is closed, OnClose callbacks run, and
// later invocations fail with not_connected. Idempotent.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	callbacks := p.onClose
	p.onClose = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// NewProxy builds a proxy of type t that forwards calls to the client
// handler identified by ref. The dispatcher passes proxy values to
// service methods in place of delegate-typed parameters.
//
// Proxies whose type has no results are fire-and-forget; send failures
// are logged, not surfaced. Proxies with results block for the client's
// reply.
func NewProxy(t reflect.Type, ref *message.DelegateRef, ser serializer.Serializer, invoke InvokeFunc) (*Proxy, error) {
	if t.Kind() != reflect.Func {
		return nil, rpcerror.Newf(rpcerror.KindArgumentMismatch,
			"delegate parameter type %s is not a func", t)
	}
	if ref.Signature != "" && ref.Signature != service.Signature(t) {
		return nil, rpcerror.Newf(rpcerror.KindArgumentMismatch,
			"delegate signature %q does not match parameter type %q", ref.Signature, service.Signature(t))
	}
	if len(ref.HandlerKey) != 16 {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"handler key must be 16 bytes, got %d", len(ref.HandlerKey))
	}

	p := &Proxy{
		key:  append([]byte(nil), ref.HandlerKey...),
		done: make(chan struct{}),
	}

	// Result shape of the proxy type, resolved once.
	retIndex, errIndex := -1, -1
	for i := 0; i < t.NumOut(); i++ {
		if t.Out(i) == proxyErrType {
			errIndex = i
		} else {
			retIndex = i
		}
	}
	wantReply := t.NumOut() > 0

	p.fn = reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		ctx := context.Background()
		dataArgs := args
		if t.NumIn() > 0 && t.In(0) == proxyCtxType {
			ctx = args[0].Interface().(context.Context)
			dataArgs = args[1:]
		}

		var failure error
		if p.isClosed() {
			failure = rpcerror.New(rpcerror.KindNotConnected, "delegate proxy closed")
		}

		inv := &message.DelegateInvocation{HandlerKey: p.key}
		if failure == nil {
			for _, a := range dataArgs {
				blob, err := serializer.Marshal(ser, a.Interface())
				if err != nil {
					failure = rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "serialize delegate argument")
					break
				}
				inv.Arguments = append(inv.Arguments, blob)
			}
		}

		var result *message.MethodCallResult
		if failure == nil {
			result, failure = invoke(ctx, inv, wantReply)
		}

		out := make([]reflect.Value, t.NumOut())
		for i := 0; i < t.NumOut(); i++ {
			out[i] = reflect.Zero(t.Out(i))
		}

		if failure != nil {
			if errIndex >= 0 {
				out[errIndex] = reflect.ValueOf(&failure).Elem()
			} else {
				logger.Warn("Delegate invocation failed", "handler_key", p.key, "error", failure)
			}
			return out
		}

		if retIndex >= 0 && result != nil && !result.IsReturnNull {
			rv := reflect.New(t.Out(retIndex))
			if err := serializer.Unmarshal(ser, result.ReturnValue, rv.Interface()); err != nil {
				wrapped := rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "deserialize delegate result")
				if errIndex >= 0 {
					out[errIndex] = reflect.ValueOf(&wrapped).Elem()
				} else {
					logger.Warn("Delegate result decode failed", "handler_key", p.key, "error", wrapped)
				}
				return out
			}
			out[retIndex] = rv.Elem()
		}
		return out
	})

	return p, nil
}

type proxyCtxKey struct{}

// NewContext returns a context carrying the proxies built for one
// invocation, in parameter order. The dispatcher attaches them so a
// service that retains a delegate past the call can watch its teardown.
func NewContext(ctx context.Context, proxies []*Proxy) context.Context {
	return context.WithValue(ctx, proxyCtxKey{}, proxies)
}

// FromContext returns the proxies of the current invocation, or nil when
// the call carries no delegate parameters.
func FromContext(ctx context.Context) []*Proxy {
	proxies, _ := ctx.Value(proxyCtxKey{}).([]*Proxy)
	return proxies
}
