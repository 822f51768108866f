package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/entityledger/internal/metrics"
)

// Rate limiter defaults.
const (
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// RateLimiter spaces external calls by a single shared delay.
//
// Callers reserve the next slot under the mutex and sleep outside it, so
// concurrent workers queue up one delay apart without holding the lock.
// A 429 doubles the delay up to max; each success halves the distance back
// to base.
//
// Thread-safety: RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu    sync.Mutex
	clock Clock
	base  time.Duration
	max   time.Duration
	delay time.Duration
	last  time.Time
	gauge func(time.Duration)
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithClock sets the time source.
func WithClock(c Clock) LimiterOption {
	return func(l *RateLimiter) {
		l.clock = c
	}
}

// WithDelays sets the base and maximum delay.
func WithDelays(base, max time.Duration) LimiterOption {
	return func(l *RateLimiter) {
		if base > 0 {
			l.base = base
		}
		if max >= l.base {
			l.max = max
		}
	}
}

// WithLimiterMetrics reports the current delay on m.RateLimitDelay.
func WithLimiterMetrics(m *metrics.Metrics) LimiterOption {
	return func(l *RateLimiter) {
		l.gauge = func(d time.Duration) { m.RateLimitDelay.Set(d.Seconds()) }
	}
}

// NewRateLimiter creates a limiter starting at the base delay.
func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		clock: SystemClock{},
		base:  DefaultBaseDelay,
		max:   DefaultMaxDelay,
		gauge: func(time.Duration) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.max < l.base {
		l.max = l.base
	}
	l.delay = l.base
	l.gauge(l.delay)
	return l
}

// Wait blocks until the caller's slot arrives.
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.clock.Now()
	slot := now
	if !l.last.IsZero() {
		if next := l.last.Add(l.delay); next.After(now) {
			slot = next
		}
	}
	l.last = slot
	l.mu.Unlock()

	return l.clock.Sleep(ctx, slot.Sub(now))
}

// OnRateLimited doubles the delay, capped at max.
func (l *RateLimiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay *= 2
	if l.delay > l.max {
		l.delay = l.max
	}
	l.gauge(l.delay)
}

// OnSuccess decays the delay toward base.
func (l *RateLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delay <= l.base {
		return
	}
	l.delay = l.base + (l.delay-l.base)/2
	if l.delay-l.base < time.Millisecond {
		l.delay = l.base
	}
	l.gauge(l.delay)
}

// Delay returns the current delay.
func (l *RateLimiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}
