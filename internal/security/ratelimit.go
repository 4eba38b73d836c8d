package security

import (
	"errors"
	"sync"
	"time"

	"proctord/internal/clock"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	clock        clock.Clock
	rate         float64 // tokens per second
	burst        int
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a limiter that sustains rate operations per
// second with bursts of up to burst. A nil clock uses wall time.
func NewRateLimiter(rate float64, burst int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:      clk,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: clk.Now(),
	}
}

// Allow reports whether one operation may proceed now.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// Block rejects all operations for duration.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = r.clock.Now().Add(duration)
}

// Reset restores full capacity and lifts any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = float64(r.burst)
	r.lastRefill = r.clock.Now()
	r.blockedUntil = time.Time{}
}

// ConnectionLimiter limits the number of concurrent connections.
type ConnectionLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perIP    map[string]int
	maxPerIP int
}

// NewConnectionLimiter creates a limiter. A non-positive limit disables
// that check.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:      max,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// Acquire attempts to take a connection slot for ip.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.current >= cl.max {
		return false
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return false
	}
	cl.current++
	cl.perIP[ip]++
	return true
}

// Release returns a slot taken by Acquire.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if cl.perIP[ip] > 0 {
		cl.perIP[ip]--
		if cl.perIP[ip] == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// Current returns the current number of connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}

// FailureLimiter locks a key out after too many failures inside a sliding
// window. It guards credential checks against brute force.
type FailureLimiter struct {
	mu           sync.Mutex
	clock        clock.Clock
	failures     map[string]*failureRecord
	maxFailures  int
	window       time.Duration
	lockDuration time.Duration
}

type failureRecord struct {
	times       []time.Time
	lockedUntil time.Time
}

// NewFailureLimiter locks a key for lockDuration once maxFailures
// failures fall within window.
func NewFailureLimiter(maxFailures int, window, lockDuration time.Duration, clk clock.Clock) *FailureLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &FailureLimiter{
		clock:        clk,
		failures:     make(map[string]*failureRecord),
		maxFailures:  maxFailures,
		window:       window,
		lockDuration: lockDuration,
	}
}

// RecordFailure records a failure for key and reports whether the key is
// now locked.
func (fl *FailureLimiter) RecordFailure(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.clock.Now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}
	record.times = append(fl.recent(record.times, now), now)

	if len(record.times) >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
		record.times = nil
	}
	return now.Before(record.lockedUntil)
}

// LockedFor returns how long key remains locked, or zero.
func (fl *FailureLimiter) LockedFor(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return 0
	}
	return max(0, record.lockedUntil.Sub(fl.clock.Now()))
}

// RecordSuccess forgets the failures recorded for key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, key)
}

// Prune drops records that are neither locked nor holding recent failures.
// It returns the number removed.
func (fl *FailureLimiter) Prune() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.clock.Now()
	removed := 0
	for key, record := range fl.failures {
		record.times = fl.recent(record.times, now)
		if len(record.times) == 0 && !now.Before(record.lockedUntil) {
			delete(fl.failures, key)
			removed++
		}
	}
	return removed
}

// recent keeps the failure times still inside the window.
func (fl *FailureLimiter) recent(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-fl.window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
