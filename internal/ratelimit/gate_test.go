// ABOUTME: Tests for the sliding-window rate gate
// ABOUTME: Uses an injected clock to verify window expiry without sleeping

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(max int, window time.Duration) (*Gate, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := New(max, window)
	g.now = clock.now
	return g, clock
}

func TestGate_AllowsUpToLimit(t *testing.T) {
	g, _ := newTestGate(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !g.Allow("1.2.3.4") {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
	}
	if g.Allow("1.2.3.4") {
		t.Error("request 4 admitted, want rejected")
	}
}

func TestGate_WindowSlides(t *testing.T) {
	g, clock := newTestGate(2, time.Minute)

	if !g.Allow("k") || !g.Allow("k") {
		t.Fatal("initial requests rejected")
	}
	if g.Allow("k") {
		t.Fatal("over-limit request admitted")
	}

	// After the window passes, the old timestamps decay.
	clock.advance(61 * time.Second)
	if !g.Allow("k") {
		t.Error("request after window expiry rejected, want admitted")
	}
}

func TestGate_PartialDecay(t *testing.T) {
	g, clock := newTestGate(2, time.Minute)

	g.Allow("k")
	clock.advance(40 * time.Second)
	g.Allow("k")

	// First timestamp is 40s old, second is fresh: still full.
	if g.Allow("k") {
		t.Fatal("request admitted while window full")
	}

	// 25s later the first timestamp (now 65s old) has decayed.
	clock.advance(25 * time.Second)
	if !g.Allow("k") {
		t.Error("request rejected after oldest timestamp decayed")
	}
}

func TestGate_KeysAreIndependent(t *testing.T) {
	g, _ := newTestGate(1, time.Minute)

	if !g.Allow("a") {
		t.Fatal("first key rejected")
	}
	if !g.Allow("b") {
		t.Error("second key rejected, want independent budget")
	}
	if g.Allow("a") {
		t.Error("first key admitted twice")
	}
}

func TestGate_ConcurrentAccess(t *testing.T) {
	g := New(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Allow(fmt.Sprintf("key-%d", n%2))
			}
		}(i)
	}
	wg.Wait()
}
