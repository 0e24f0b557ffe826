package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxLimiters bounds the number of identifiers tracked at once.
	DefaultMaxLimiters = 10000

	defaultSweepInterval = 5 * time.Minute
	defaultIdleTimeout   = 30 * time.Minute
)

type bucket struct {
	id       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per identifier (client id, tenant, event
// type) and evicts the least recently used bucket once full.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List

	limit      rate.Limit
	burst      int
	maxEntries int

	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	evictions int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst per identifier and starts its idle sweep.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxLimiters, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit identifier cap.
// maxEntries of 0 means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid rate limiter capacity, using default", "max_entries", maxEntries)
		maxEntries = DefaultMaxLimiters
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop(defaultSweepInterval, defaultIdleTimeout)
	return rl
}

// Allow consumes one token for id and reports whether the request may proceed.
// A nil limiter allows everything.
func (rl *RateLimiter) Allow(id string) bool {
	if rl == nil {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[id]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.buckets) >= rl.maxEntries {
		rl.evictOldest()
	}

	b := &bucket{id: id, limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.buckets[id] = rl.lru.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	rl.lru.Remove(elem)
	delete(rl.buckets, b.id)
	rl.evictions++
	rl.logger.Debug("Rate limiter evicted bucket", "evictions", rl.evictions, "entries", len(rl.buckets))
}

// Sweep drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	// The list is ordered by recency, so stop at the first fresh bucket.
	for elem := rl.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if b.lastSeen.After(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.buckets, b.id)
		removed++
		elem = prev
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep completed", "removed", removed, "remaining", len(rl.buckets))
	}
	return removed
}

func (rl *RateLimiter) sweepLoop(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep(maxIdle)
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}
