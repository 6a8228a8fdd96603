package pipeline

import (
	"sync"
	"time"
)

// fallGate enforces the detection cooldown: at most one event may pass per
// window. The gate is consulted before any event is created.
type fallGate struct {
	mu         sync.Mutex
	window     time.Duration
	lastFallAt time.Time
}

func newFallGate(window time.Duration) *fallGate {
	return &fallGate{window: window}
}

// Allow reports whether a fall at now may produce an event, consuming the
// window when it does.
func (g *fallGate) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastFallAt.IsZero() && now.Sub(g.lastFallAt) < g.window {
		return false
	}
	g.lastFallAt = now
	return true
}

// LastFallAt returns the time the gate last opened.
func (g *fallGate) LastFallAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastFallAt
}
