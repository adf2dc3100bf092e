package server

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies per-identifier token buckets. Idle entries are swept
// in the background so the map cannot grow without bound.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	perSecond int
	burst     int
	logger    *slog.Logger
	stop      chan struct{}
}

// NewRateLimiter starts a rate limiter with the given refill rate and burst.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	if burst < 1 {
		burst = perSecond
	}
	rl := &RateLimiter{
		entries:   make(map[string]*limiterEntry),
		perSecond: perSecond,
		burst:     burst,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from the identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[identifier]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst)}
		rl.entries[identifier] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(30 * time.Minute)
		case <-rl.stop:
			return
		}
	}
}

// sweep drops entries that have been idle longer than maxIdle.
func (rl *RateLimiter) sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, entry := range rl.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.entries, id)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(rl.entries))
	}
}

// Stop terminates the background sweeper.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}
