package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per minute. It keeps
// count of denied calls so callers can report what they dropped.
type Limiter struct {
	mu sync.Mutex

	rate       int     // tokens per minute
	burst      int     // max tokens
	tokens     float64 // current tokens
	lastRefill time.Time
	suppressed uint64

	now func() time.Time
}

// New creates a limiter that starts with a full bucket.
func New(ratePerMinute, burst int) *Limiter {
	return &Limiter{
		rate:       ratePerMinute,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	l.tokens += float64(l.rate) * elapsed.Minutes()
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now

	if l.tokens < 1.0 {
		l.suppressed++
		return false
	}
	l.tokens -= 1.0
	return true
}

// TakeSuppressed returns the number of denied calls since the previous call
// and resets the counter.
func (l *Limiter) TakeSuppressed() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.suppressed
	l.suppressed = 0
	return n
}

// Stats returns the configured rate and burst and the tokens left.
func (l *Limiter) Stats() (rate, burst int, tokens float64) {
	if l == nil {
		return 0, 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate, l.burst, l.tokens
}

// Update replaces the rate and burst. Non-positive values are ignored.
func (l *Limiter) Update(ratePerMinute, burst int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ratePerMinute > 0 {
		l.rate = ratePerMinute
	}
	if burst > 0 {
		l.burst = burst
	}
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}
