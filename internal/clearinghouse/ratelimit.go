package clearinghouse

import (
	"sync"
	"time"
)

// Window identifies a rate-limit accounting period.
type Window string

const (
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Default request ceilings per window.
const (
	DefaultRequestsPerSecond = 10
	DefaultRequestsPerMinute = 100
	DefaultRequestsPerHour   = 1000
	DefaultRequestsPerDay    = 10000

	// Endpoint-specific quotas
	EligibilityChecksPerDay = 500
	ClaimsPerBatch          = 100
)

// Limits holds the per-window request ceilings.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits returns the sandbox quota configuration.
func DefaultLimits() Limits {
	return Limits{
		PerSecond: DefaultRequestsPerSecond,
		PerMinute: DefaultRequestsPerMinute,
		PerHour:   DefaultRequestsPerHour,
		PerDay:    DefaultRequestsPerDay,
	}
}

// RateLimitStatus is the result of a pre-flight limiter check.
type RateLimitStatus struct {
	WithinLimit bool
	// Remaining is the capacity left in the second window
	Remaining int
	// RetryAfter is the time until the violated window resets
	RetryAfter time.Duration
	// Window is the violated window when WithinLimit is false
	Window Window
}

type bucket struct {
	window    Window
	limit     int
	count     int
	resetTime time.Time
}

// RateLimiter tracks request counts across four windows. Buckets reset
// lazily on check/increment, never via a background sweep. Quota is consumed
// per attempted call, including calls that fail at the relay.
type RateLimiter struct {
	mu      sync.Mutex
	buckets []*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the given ceilings. Windows with a
// non-positive ceiling fall back to the defaults.
func NewRateLimiter(limits Limits) *RateLimiter {
	def := DefaultLimits()
	if limits.PerSecond <= 0 {
		limits.PerSecond = def.PerSecond
	}
	if limits.PerMinute <= 0 {
		limits.PerMinute = def.PerMinute
	}
	if limits.PerHour <= 0 {
		limits.PerHour = def.PerHour
	}
	if limits.PerDay <= 0 {
		limits.PerDay = def.PerDay
	}

	rl := &RateLimiter{now: time.Now}
	start := rl.now()
	rl.buckets = []*bucket{
		{window: WindowSecond, limit: limits.PerSecond},
		{window: WindowMinute, limit: limits.PerMinute},
		{window: WindowHour, limit: limits.PerHour},
		{window: WindowDay, limit: limits.PerDay},
	}
	for _, b := range rl.buckets {
		b.resetTime = nextReset(b.window, start)
	}
	return rl
}

// Check evaluates all windows for the given endpoint. Stale buckets are
// reset first, then the call is admitted or rejected. Check does not consume
// quota; Increment does.
func (rl *RateLimiter) Check(endpoint string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.resetStale(now)

	for _, b := range rl.buckets {
		if b.count >= b.limit {
			retryAfter := b.resetTime.Sub(now)
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			return RateLimitStatus{
				WithinLimit: false,
				RetryAfter:  retryAfter,
				Window:      b.window,
			}
		}
	}

	second := rl.buckets[0]
	return RateLimitStatus{
		WithinLimit: true,
		Remaining:   second.limit - second.count,
	}
}

// Increment consumes one unit of quota in every window. Called once per
// attempted outbound call, never for calls rejected pre-flight.
func (rl *RateLimiter) Increment() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.resetStale(rl.now())
	for _, b := range rl.buckets {
		b.count++
	}
}

// resetStale zeroes any bucket whose window has elapsed and advances its
// reset time. Caller holds the mutex.
func (rl *RateLimiter) resetStale(now time.Time) {
	for _, b := range rl.buckets {
		if !now.Before(b.resetTime) {
			b.count = 0
			b.resetTime = nextReset(b.window, now)
		}
	}
}

// nextReset computes the next boundary for a window. The day window aligns
// to local midnight; the others roll forward from now.
func nextReset(w Window, now time.Time) time.Time {
	switch w {
	case WindowSecond:
		return now.Add(time.Second)
	case WindowMinute:
		return now.Add(time.Minute)
	case WindowHour:
		return now.Add(time.Hour)
	case WindowDay:
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	default:
		return now.Add(time.Second)
	}
}
