package clearinghouse

import (
	"testing"
	"time"
)

// newTestLimiter pins the limiter clock and returns a pointer the test can
// advance.
func newTestLimiter(limits Limits, start time.Time) (*RateLimiter, *time.Time) {
	clock := start
	rl := NewRateLimiter(limits)
	rl.now = func() time.Time { return clock }
	for _, b := range rl.buckets {
		b.resetTime = nextReset(b.window, start)
	}
	return rl, &clock
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(Limits{})
	want := []int{DefaultRequestsPerSecond, DefaultRequestsPerMinute, DefaultRequestsPerHour, DefaultRequestsPerDay}
	for i, b := range rl.buckets {
		if b.limit != want[i] {
			t.Errorf("bucket %s limit = %d, want %d", b.window, b.limit, want[i])
		}
	}
}

func TestRateLimiterRejectsAtSecondLimit(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(Limits{PerSecond: 3}, start)

	for i := 0; i < 3; i++ {
		status := rl.Check("/api/v1/claims")
		if !status.WithinLimit {
			t.Fatalf("call %d rejected unexpectedly: %+v", i+1, status)
		}
		if status.Remaining != 3-i {
			t.Errorf("call %d remaining = %d, want %d", i+1, status.Remaining, 3-i)
		}
		rl.Increment()
	}

	status := rl.Check("/api/v1/claims")
	if status.WithinLimit {
		t.Fatal("expected rejection after limit consumed")
	}
	if status.Window != WindowSecond {
		t.Errorf("violated window = %s, want second", status.Window)
	}
	if status.RetryAfter < time.Second {
		t.Errorf("retry after = %v, want at least 1s", status.RetryAfter)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rl, clock := newTestLimiter(Limits{PerSecond: 2}, start)

	rl.Increment()
	rl.Increment()
	if status := rl.Check("/api/v1/claims"); status.WithinLimit {
		t.Fatal("expected rejection at limit")
	}

	*clock = start.Add(1100 * time.Millisecond)
	status := rl.Check("/api/v1/claims")
	if !status.WithinLimit {
		t.Fatalf("expected admission after window reset: %+v", status)
	}
	if status.Remaining != 2 {
		t.Errorf("remaining after reset = %d, want 2", status.Remaining)
	}
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rl, clock := newTestLimiter(Limits{PerSecond: 10, PerMinute: 2}, start)

	rl.Increment()
	*clock = start.Add(2 * time.Second)
	rl.Increment()

	status := rl.Check("/api/v1/eligibility/check")
	if status.WithinLimit {
		t.Fatal("expected minute-window rejection")
	}
	if status.Window != WindowMinute {
		t.Errorf("violated window = %s, want minute", status.Window)
	}

	*clock = start.Add(61 * time.Second)
	if status := rl.Check("/api/v1/eligibility/check"); !status.WithinLimit {
		t.Fatalf("expected admission after minute reset: %+v", status)
	}
}

func TestRateLimiterDayResetsAtMidnight(t *testing.T) {
	start := time.Date(2026, 9, 1, 23, 59, 30, 0, time.UTC)
	rl, clock := newTestLimiter(Limits{PerSecond: 10, PerMinute: 10, PerHour: 10, PerDay: 1}, start)

	rl.Increment()
	status := rl.Check("/api/v1/claims")
	if status.WithinLimit {
		t.Fatal("expected day-window rejection")
	}
	if status.Window != WindowDay {
		t.Errorf("violated window = %s, want day", status.Window)
	}
	// Midnight is 30 seconds out, but the floor is 1s.
	if status.RetryAfter < time.Second || status.RetryAfter > 30*time.Second {
		t.Errorf("retry after = %v, want between 1s and 30s", status.RetryAfter)
	}

	*clock = time.Date(2026, 9, 2, 0, 0, 1, 0, time.UTC)
	if status := rl.Check("/api/v1/claims"); !status.WithinLimit {
		t.Fatalf("expected admission after midnight: %+v", status)
	}
}

func TestRateLimiterCheckDoesNotConsume(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(Limits{PerSecond: 5}, start)

	for i := 0; i < 10; i++ {
		rl.Check("/api/v1/claims")
	}
	status := rl.Check("/api/v1/claims")
	if !status.WithinLimit || status.Remaining != 5 {
		t.Errorf("repeated checks consumed quota: %+v", status)
	}
}
