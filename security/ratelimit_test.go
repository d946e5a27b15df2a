package security

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	// Requests up to the burst are admitted
	for i := 0; i < 5; i++ {
		if d := rl.Allow("1.2.3.4", ActionAuthorize); !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	d := rl.Allow("1.2.3.4", ActionAuthorize)
	if d.Allowed {
		t.Fatal("request over burst should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	if d.ResetAt.IsZero() || d.ResetAt.Before(time.Now().Add(-time.Second)) {
		t.Errorf("ResetAt = %v, want a future reset time", d.ResetAt)
	}
}

func TestRateLimiter_ActionClassesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.Allow("1.2.3.4", ActionPoll)
	}
	if rl.Allow("1.2.3.4", ActionPoll).Allowed {
		t.Error("poll action should be exhausted")
	}

	if !rl.Allow("1.2.3.4", ActionAuthorize).Allowed {
		t.Error("authorize action should have its own budget")
	}
}

func TestRateLimiter_IPsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.Allow("1.2.3.4", ActionToken)
	}
	if rl.Allow("1.2.3.4", ActionToken).Allowed {
		t.Error("first IP should be exhausted")
	}
	if !rl.Allow("5.6.7.8", ActionToken).Allowed {
		t.Error("second IP should be unaffected")
	}
}

func TestRateLimiter_ZeroRateDisablesLimiting(t *testing.T) {
	rl := NewRateLimiter(0, 0, slog.Default())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		if !rl.Allow("1.2.3.4", ActionPoll).Allowed {
			t.Fatal("limiting disabled, every request should be admitted")
		}
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(100, 1, slog.Default())
	defer rl.Stop()

	if !rl.Allow("1.2.3.4", ActionToken).Allowed {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("1.2.3.4", ActionToken).Allowed {
		t.Fatal("second immediate request should be rejected")
	}

	time.Sleep(20 * time.Millisecond) // 100 rps refills within 10ms

	if !rl.Allow("1.2.3.4", ActionToken).Allowed {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i), ActionAuthorize)
	}

	rl.mu.Lock()
	entries := len(rl.limiters)
	rl.mu.Unlock()

	if entries > 3 {
		t.Errorf("tracked entries = %d, want <= 3", entries)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(1, 10, slog.Default())
	defer rl.Stop()

	const goroutines = 100
	var allowed atomic.Int32
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if rl.Allow("1.2.3.4", ActionPoll).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// Burst of 10 + at most a token or two of refill during the test
	if got := allowed.Load(); got > 12 {
		t.Errorf("allowed %d concurrent requests, want <= 12 (no undercounting)", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("1.2.3.4", ActionAuthorize)
	rl.Cleanup(0)

	rl.mu.Lock()
	entries := len(rl.limiters)
	rl.mu.Unlock()

	if entries != 0 {
		t.Errorf("entries after cleanup = %d, want 0", entries)
	}
}
