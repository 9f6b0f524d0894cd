package session

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/pkg/transport"
)

func registrySession(t *testing.T) *Session {
	t.Helper()
	local, _ := transport.Pipe()
	s := New(Options{Conn: local, Serializer: jsonSerializer(t)})
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()

	var createdIDs, closedIDs []uuid.UUID
	r.OnCreated(func(s *Session) { createdIDs = append(createdIDs, s.ID()) })
	r.OnClosed(func(s *Session) { closedIDs = append(closedIDs, s.ID()) })

	s := registrySession(t)
	r.Add(s)
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if len(createdIDs) != 1 || createdIDs[0] != s.ID() {
		t.Errorf("created hooks = %v", createdIDs)
	}

	got, ok := r.Get(s.ID())
	if !ok || got != s {
		t.Error("Get did not return the added session")
	}

	if !r.Remove(s.ID()) {
		t.Fatal("Remove returned false")
	}
	if r.Count() != 0 {
		t.Errorf("Count after Remove = %d, want 0", r.Count())
	}
	if s.State() != StateDisposed {
		t.Error("removed session not disposed")
	}
	if len(closedIDs) != 1 || closedIDs[0] != s.ID() {
		t.Errorf("closed hooks = %v", closedIDs)
	}

	// Concurrent-removal safety: the second remover sees false.
	if r.Remove(s.ID()) {
		t.Error("second Remove returned true")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	sessions := make([]*Session, 3)
	for i := range sessions {
		sessions[i] = registrySession(t)
		r.Add(sessions[i])
	}

	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("Count after CloseAll = %d, want 0", r.Count())
	}
	for i, s := range sessions {
		if s.State() != StateDisposed {
			t.Errorf("session %d not disposed", i)
		}
	}
}

func TestSweepRemovesIdleOnly(t *testing.T) {
	r := NewRegistry()

	idle := registrySession(t)
	busy := registrySession(t)
	r.Add(idle)
	r.Add(busy)

	swept := 0
	r.OnClosed(func(*Session) { swept++ })

	sw := NewSweeper(r, time.Minute, time.Hour)

	// Both sessions were just touched; nothing is overdue yet.
	if n := sw.Sweep(time.Now()); n != 0 {
		t.Errorf("premature sweep removed %d", n)
	}

	// Two minutes later only the untouched session is overdue.
	future := time.Now().Add(2 * time.Minute)
	busy.lastActivity.Store(future.UnixNano())

	if n := sw.Sweep(future); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if _, ok := r.Get(idle.ID()); ok {
		t.Error("idle session survived the sweep")
	}
	if _, ok := r.Get(busy.ID()); !ok {
		t.Error("active session was swept")
	}
	if idle.State() != StateDisposed {
		t.Error("swept session not disposed")
	}
	if swept != 1 {
		t.Errorf("closed hooks fired %d times, want 1", swept)
	}
}

func TestSweeperLoop(t *testing.T) {
	r := NewRegistry()
	s := registrySession(t)
	r.Add(s)
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	sweptCh := make(chan int, 1)
	sw := NewSweeper(r, time.Minute, 10*time.Millisecond)
	sw.OnSwept = func(n int) {
		select {
		case sweptCh <- n:
		default:
		}
	}
	sw.Start()
	defer sw.Stop()

	select {
	case n := <-sweptCh:
		if n != 1 {
			t.Errorf("OnSwept reported %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never fired")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestSweeperDisabled(t *testing.T) {
	r := NewRegistry()
	sw := NewSweeper(r, 0, time.Second)
	sw.Start()
	sw.Stop() // must not hang: no goroutine was launched
}
