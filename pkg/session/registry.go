package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
)

// Registry tracks live sessions by id. Lookups happen on every inbound
// frame, so storage is a sync.Map; the explicit counter keeps Count O(1).
type Registry struct {
	sessions sync.Map // uuid.UUID -> *Session
	count    atomic.Int64

	hookMu    sync.RWMutex
	onCreated []func(*Session)
	onClosed  []func(*Session)
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnCreated registers a hook fired after a session is added.
func (r *Registry) OnCreated(fn func(*Session)) {
	r.hookMu.Lock()
	r.onCreated = append(r.onCreated, fn)
	r.hookMu.Unlock()
}

// OnClosed registers a hook fired after a session is removed and closed.
func (r *Registry) OnClosed(fn func(*Session)) {
	r.hookMu.Lock()
	r.onClosed = append(r.onClosed, fn)
	r.hookMu.Unlock()
}

// Add inserts the session and fires the created hooks.
func (r *Registry) Add(s *Session) {
	r.sessions.Store(s.ID(), s)
	r.count.Add(1)
	logger.Debug("Session registered", "session_id", s.ID(), "address", s.Conn().RemoteAddr())

	r.hookMu.RLock()
	hooks := r.onCreated
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove disposes the session with the given id and fires the closed
// hooks. Returns false when no such session exists, which makes
// concurrent removals (sweeper vs. goodbye vs. receive-loop exit) safe.
func (r *Registry) Remove(id uuid.UUID) bool {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	s := v.(*Session)
	r.count.Add(-1)

	if err := s.Close(); err != nil {
		logger.Debug("Session close", "session_id", id, "error", err)
	}

	r.hookMu.RLock()
	hooks := r.onClosed
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// ForEach visits every session until fn returns false. The snapshot is
// weakly consistent; sessions added or removed during the walk may or may
// not be seen.
func (r *Registry) ForEach(fn func(*Session) bool) {
	r.sessions.Range(func(_, v any) bool {
		return fn(v.(*Session))
	})
}

// CloseAll removes every session, for server shutdown.
func (r *Registry) CloseAll() {
	var ids []uuid.UUID
	r.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(uuid.UUID))
		return true
	})
	for _, id := range ids {
		r.Remove(id)
	}
}
