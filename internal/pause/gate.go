// Package pause provides the suspend/resume gate consulted by the sender's
// chunk loop before every write.
package pause

import (
	"context"
	"sync"
)

// Gate is open by default. Pause closes it, Resume reopens it, and Wait
// blocks while it is closed. The zero value is an open gate.
type Gate struct {
	mu     sync.Mutex
	paused bool
	// resumed is closed by Resume to release every waiter at once.
	resumed chan struct{}
}

func New() *Gate {
	return &Gate{}
}

// Pause closes the gate. Pausing a paused gate is a no-op.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
}

// Resume opens the gate and wakes any blocked Wait.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resumed)
}

// Toggle flips the gate and reports whether it is now paused.
func (g *Gate) Toggle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumed)
		return false
	}
	g.paused = true
	g.resumed = make(chan struct{})
	return true
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait returns immediately when the gate is open. Otherwise it blocks until
// Resume or until ctx is done, in which case ctx.Err() is returned. The
// reported bool is true when the call actually had to wait.
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return false, nil
	}
	resumed := g.resumed
	g.mu.Unlock()

	select {
	case <-resumed:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
