// ABOUTME: Sliding-window request admission control keyed by client address
// ABOUTME: Prunes expired timestamps on every check; no background sweeper

package ratelimit

import (
	"sync"
	"time"
)

// Gate admits at most MaxRequests per key within a rolling window.
// It is a defense-in-depth control, not a hard quota: state is process-local
// and approximate under multi-process deployment.
type Gate struct {
	maxRequests int
	window      time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time

	// now is injectable for tests
	now func() time.Time
}

// New creates a Gate allowing maxRequests per window for each key.
func New(maxRequests int, window time.Duration) *Gate {
	return &Gate{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records an attempt for key and reports whether it is admitted.
// Timestamps older than the window are discarded on every call, so memory
// per key is bounded by natural decay.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	windowStart := now.Add(-g.window)

	kept := g.requests[key][:0]
	for _, t := range g.requests[key] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= g.maxRequests {
		g.requests[key] = kept
		return false
	}

	g.requests[key] = append(kept, now)
	return true
}
