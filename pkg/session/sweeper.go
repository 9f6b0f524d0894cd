package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/remoting/internal/logger"
)

// Sweeper periodically disposes sessions that have been idle longer than
// MaxAge. Scanning takes a read-only snapshot of idle candidates first;
// removals happen outside the walk so the registry is never mutated while
// being ranged over.
type Sweeper struct {
	registry *Registry
	maxAge   time.Duration
	interval time.Duration

	// OnSwept is invoked with the number of sessions disposed by each
	// sweep that removed at least one. Used for metrics.
	OnSwept func(count int)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the registry. A non-positive maxAge
// or interval disables sweeping entirely.
func NewSweeper(registry *Registry, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		maxAge:   maxAge,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (sw *Sweeper) Start() {
	if sw.maxAge <= 0 || sw.interval <= 0 {
		logger.Debug("Session sweeper disabled")
		return
	}
	sw.wg.Add(1)
	go sw.run()
}

// Stop halts the sweep loop and waits for an in-progress sweep.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.done) })
	sw.wg.Wait()
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			if n := sw.Sweep(time.Now()); n > 0 && sw.OnSwept != nil {
				sw.OnSwept(n)
			}
		}
	}
}

// Sweep disposes every session idle longer than MaxAge and returns how
// many were removed.
func (sw *Sweeper) Sweep(now time.Time) int {
	var idle []uuid.UUID
	sw.registry.ForEach(func(s *Session) bool {
		if s.State() == StateActive && s.IdleFor(now) > sw.maxAge {
			idle = append(idle, s.ID())
		}
		return true
	})

	swept := 0
	for _, id := range idle {
		if sw.registry.Remove(id) {
			swept++
			logger.Info("Swept inactive session", "session_id", id, "max_age", sw.maxAge)
		}
	}
	return swept
}
