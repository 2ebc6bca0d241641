package agent

import (
	"sync"
	"testing"
	"time"
)

type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	clock := &steppingClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(60, 2, clock.Now)

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("third request should be throttled")
	}
	if !rl.Allow("u2") {
		t.Fatal("other users must have their own bucket")
	}

	clock.Advance(time.Second)
	if !rl.Allow("u1") {
		t.Fatal("token should refill after one second at 60/min")
	}
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	clock := &steppingClock{t: time.Unix(1_700_000_000, 0)}
	rl := newRateLimiter(60, 1, clock.Now)

	rl.Allow("u1")
	clock.Advance(11 * time.Minute)
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) != 0 {
		t.Fatalf("expected idle limiter to be evicted, have %d", len(rl.limiters))
	}
}
