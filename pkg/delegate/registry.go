// Package delegate implements the two halves of remote callbacks: the
// client-side handler registry that owns real functions, and the
// server-side proxies that forward invocations back to the owning client.
package delegate

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/serializer"
	"github.com/marmos91/remoting/pkg/service"
)

// entry is one registered handler. Subscribing the same function again
// bumps the ref count instead of minting a second key, so a handler fires
// once per event no matter how many times it was subscribed.
type entry struct {
	key  [16]byte
	fn   reflect.Value
	sig  string
	refs int
}

// Registry owns client-side handlers, keyed both by wire handler key and
// by function identity.
type Registry struct {
	mu     sync.Mutex
	byKey  map[[16]byte]*entry
	byFunc map[uintptr]*entry
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[[16]byte]*entry),
		byFunc: make(map[uintptr]*entry),
	}
}

// Subscribe registers fn and returns its handler key plus whether this is
// the first reference (only then does a subscription call need to reach
// the server).
func (r *Registry) Subscribe(fn any) (key []byte, first bool, err error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, false, rpcerror.New(rpcerror.KindArgumentMismatch, "delegate handler must be a non-nil func")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := v.Pointer()
	if e, ok := r.byFunc[id]; ok {
		e.refs++
		return append([]byte(nil), e.key[:]...), false, nil
	}

	e := &entry{
		fn:   v,
		sig:  service.Signature(v.Type()),
		refs: 1,
	}
	e.key = uuid.New()
	r.byKey[e.key] = e
	r.byFunc[id] = e
	return append([]byte(nil), e.key[:]...), true, nil
}

// Unsubscribe drops one reference to fn. It returns the handler key and
// whether the handler is now fully removed (only then does the removal
// need to reach the server). Unsubscribing an unknown handler is a no-op.
func (r *Registry) Unsubscribe(fn any) (key []byte, removed bool, ok bool) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := v.Pointer()
	e, found := r.byFunc[id]
	if !found {
		return nil, false, false
	}

	e.refs--
	key = append([]byte(nil), e.key[:]...)
	if e.refs > 0 {
		return key, false, true
	}
	delete(r.byFunc, id)
	delete(r.byKey, e.key)
	return key, true, true
}

// RefOf returns the DelegateRef for fn without changing its ref count, or
// false if fn is not registered.
func (r *Registry) RefOf(fn any) ([16]byte, string, bool) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return [16]byte{}, "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFunc[v.Pointer()]
	if !ok {
		return [16]byte{}, "", false
	}
	return e.key, e.sig, true
}

// Len reports the number of distinct registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// Invoke dispatches a delegate invocation to its handler: each argument
// blob is deserialized into the handler's corresponding parameter type.
// The non-error return value (if the handler has one) comes back for the
// synchronous reply path, together with whether one exists.
func (r *Registry) Invoke(ctx context.Context, ser serializer.Serializer, handlerKey []byte, args [][]byte) (ret any, hasRet bool, err error) {
	if len(handlerKey) != 16 {
		return nil, false, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"handler key must be 16 bytes, got %d", len(handlerKey))
	}
	var key [16]byte
	copy(key[:], handlerKey)

	r.mu.Lock()
	e, ok := r.byKey[key]
	r.mu.Unlock()
	if !ok {
		return nil, false, rpcerror.Newf(rpcerror.KindMethodUnknown, "no handler for key %x", handlerKey)
	}

	ft := e.fn.Type()
	wantCtx := ft.NumIn() > 0 && ft.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem()
	dataParams := ft.NumIn()
	if wantCtx {
		dataParams--
	}
	if len(args) != dataParams {
		return nil, false, rpcerror.Newf(rpcerror.KindArgumentMismatch,
			"handler %s takes %d arguments, got %d", e.sig, dataParams, len(args))
	}

	in := make([]reflect.Value, 0, ft.NumIn())
	if wantCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	offset := ft.NumIn() - dataParams
	for i, blob := range args {
		pt := ft.In(offset + i)
		pv := reflect.New(pt)
		if len(blob) > 0 {
			if err := serializer.Unmarshal(ser, blob, pv.Interface()); err != nil {
				return nil, false, rpcerror.Wrap(rpcerror.KindSerializationFailed, err, "deserialize delegate argument")
			}
		}
		in = append(in, pv.Elem())
	}

	out := e.fn.Call(in)

	for i := len(out) - 1; i >= 0; i-- {
		if ft.Out(i) == reflect.TypeOf((*error)(nil)).Elem() {
			if !out[i].IsNil() {
				return nil, false, out[i].Interface().(error)
			}
			continue
		}
		return out[i].Interface(), true, nil
	}
	return nil, false, nil
}
