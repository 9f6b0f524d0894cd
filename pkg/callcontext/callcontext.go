// Package callcontext implements per-call ambient metadata.
//
// A Context is a concurrent name/value map carried inside a
// context.Context. The client snapshots it at the point of each outbound
// call and ships the entries with the call message; the server installs
// them for the duration of the invocation and returns the post-invocation
// snapshot, which the client merges back. Service and caller code never
// touch the wire representation.
package callcontext

import (
	"context"
	"maps"
	"sync"
)

// Context is a mutable name → value map, safe for concurrent use.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// New creates an empty call context.
func New() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores a value under name.
func (c *Context) Set(name string, v any) {
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
}

// Get returns the value stored under name.
func (c *Context) Get(name string) (any, bool) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	return v, ok
}

// Delete removes name from the context.
func (c *Context) Delete(name string) {
	c.mu.Lock()
	delete(c.values, name)
	c.mu.Unlock()
}

// Snapshot returns a copy of all entries.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Merge overwrites entries with the given values, keeping unrelated keys.
func (c *Context) Merge(entries map[string]any) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	maps.Copy(c.values, entries)
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

type ctxKey struct{}

// WithContext attaches a call context to ctx.
func WithContext(ctx context.Context, cc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, cc)
}

// FromContext extracts the call context from ctx, or nil if none is
// attached.
func FromContext(ctx context.Context) *Context {
	cc, _ := ctx.Value(ctxKey{}).(*Context)
	return cc
}

// With derives a context carrying a fresh call context seeded with
// entries. This is the explicit helper for scoping ambient state to a
// group of calls.
func With(ctx context.Context, entries map[string]any) context.Context {
	cc := New()
	cc.Merge(entries)
	return WithContext(ctx, cc)
}

// Set stores a value in the call context attached to ctx. It is a no-op
// when ctx carries no call context.
func Set(ctx context.Context, name string, v any) {
	if cc := FromContext(ctx); cc != nil {
		cc.Set(name, v)
	}
}

// Get reads a value from the call context attached to ctx.
func Get(ctx context.Context, name string) (any, bool) {
	if cc := FromContext(ctx); cc != nil {
		return cc.Get(name)
	}
	return nil, false
}
