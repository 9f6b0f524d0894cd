// Package pending tracks in-flight requests awaiting a correlated
// response. The client uses one table for method calls; the server uses
// one per session for synchronous delegate invocations.
package pending

import (
	"context"
	"sync"

	"github.com/marmos91/remoting/pkg/message"
	"github.com/marmos91/remoting/pkg/rpcerror"
)

// Outcome is what a completed call resolves to: either a result message
// or an error, never both.
type Outcome struct {
	Result *message.MethodCallResult
	Err    error
}

// Call is one in-flight request. The channel carries exactly one outcome.
type Call struct {
	id   [16]byte
	done chan Outcome
}

// ID returns the correlation id of the call.
func (c *Call) ID() []byte {
	id := c.id
	return id[:]
}

// Wait blocks until the call completes or ctx expires. Context expiry
// maps to call_timeout (deadline) or cancelled; the entry stays in the
// table so a late response is still swallowed by Complete.
func (c *Call) Wait(ctx context.Context) (*message.MethodCallResult, error) {
	select {
	case out := <-c.done:
		return out.Result, out.Err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rpcerror.Wrap(rpcerror.KindCallTimeout, ctx.Err(), "awaiting response")
		}
		return nil, rpcerror.Wrap(rpcerror.KindCancelled, ctx.Err(), "awaiting response")
	}
}

// Table is a correlation-keyed registry of in-flight calls.
type Table struct {
	mu    sync.Mutex
	calls map[[16]byte]*Call
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{calls: make(map[[16]byte]*Call)}
}

// Add registers a new call under id. The entry must exist before the
// request frame is sent, otherwise a fast response could arrive with no
// waiter. A duplicate id is a protocol violation.
func (t *Table) Add(id []byte) (*Call, error) {
	if len(id) != 16 {
		return nil, rpcerror.Newf(rpcerror.KindInternal, "correlation id must be 16 bytes, got %d", len(id))
	}
	var key [16]byte
	copy(key[:], id)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.calls[key]; exists {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation, "duplicate correlation id %x", id)
	}
	call := &Call{id: key, done: make(chan Outcome, 1)}
	t.calls[key] = call
	return call, nil
}

// Complete resolves the call registered under id and removes it. Returns
// false when no such call exists, which covers late responses after a
// timeout already consumed the entry via Forget, and duplicate responses.
func (t *Table) Complete(id []byte, result *message.MethodCallResult, err error) bool {
	if len(id) != 16 {
		return false
	}
	var key [16]byte
	copy(key[:], id)

	t.mu.Lock()
	call, ok := t.calls[key]
	if ok {
		delete(t.calls, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.done <- Outcome{Result: result, Err: err}
	return true
}

// Forget removes the call without resolving it. Used after a local
// timeout so the table does not leak; a response arriving later is then
// discarded by Complete.
func (t *Table) Forget(id []byte) {
	if len(id) != 16 {
		return
	}
	var key [16]byte
	copy(key[:], id)

	t.mu.Lock()
	delete(t.calls, key)
	t.mu.Unlock()
}

// Drain fails every in-flight call with err and empties the table.
// Called on connection loss and on close.
func (t *Table) Drain(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[[16]byte]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.done <- Outcome{Err: err}
	}
}

// Len reports the number of in-flight calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
