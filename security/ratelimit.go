package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action classes guarding the authentication endpoints. Limits are tracked
// per (client IP, action class) so a client hammering the device-flow poll
// endpoint cannot exhaust the authorize budget and vice versa.
const (
	ActionAuthorize = "oauth_authorize"
	ActionToken     = "oauth_token"
	ActionPoll      = "oauth_poll"
)

// Decision is the outcome of a rate-limit check. The check itself is
// non-blocking: a rejected request is never queued.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // how long until a request would be admitted
	ResetAt    time.Time     // absolute time the caller may retry at
}

// rateLimiterEntry tracks a limiter and its last access time
type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-(IP, action) rate limiting using a token bucket,
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limiters        map[string]*list.Element // key -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	rate            int
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a rate limiter with automatic cleanup and LRU
// eviction. requestsPerSecond of zero disables limiting entirely.
// Default max entries is 10,000; use NewRateLimiterWithConfig to change it.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, 10000, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on the
// number of tracked (IP, action) pairs. When the cap is reached the least
// recently used entry is evicted.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a request from clientIP for the given action class is
// admitted. Rejected requests carry retry metadata for a structured 429
// response.
func (rl *RateLimiter) Allow(clientIP, action string) Decision {
	if rl.rate <= 0 {
		return Decision{Allowed: true}
	}

	now := time.Now()
	key := action + ":" + clientIP

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var entry *rateLimiterEntry
	if elem, exists := rl.limiters[key]; exists {
		rl.lruList.MoveToFront(elem)
		entry = elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
	} else {
		if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry = &rateLimiterEntry{
			key:        key,
			limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
			lastAccess: now,
		}
		rl.limiters[key] = rl.lruList.PushFront(entry)
	}

	reservation := entry.limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return Decision{Allowed: true}
	}

	// Not admitted: give the token back and report when to retry.
	reservation.Cancel()
	return Decision{
		Allowed:    false,
		RetryAfter: delay,
		ResetAt:    now.Add(delay),
	}
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.key)
	rl.lruList.Remove(elem)

	rl.logger.Debug("rate limiter LRU eviction",
		"key", entry.key,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been accessed for maxIdleTime
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.key)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
