package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityledger/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateLimiter_SpacesCalls(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	l := NewRateLimiter(WithClock(clk), WithDelays(100*time.Millisecond, time.Second))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 100 * time.Millisecond}, clk.Sleeps())
}

func TestRateLimiter_BackoffAndDecay(t *testing.T) {
	l := NewRateLimiter(WithClock(testutil.NewFakeClock(epoch)), WithDelays(100*time.Millisecond, 500*time.Millisecond))

	l.OnRateLimited()
	assert.Equal(t, 200*time.Millisecond, l.Delay())
	l.OnRateLimited()
	l.OnRateLimited()
	assert.Equal(t, 500*time.Millisecond, l.Delay(), "capped at max")

	l.OnSuccess()
	assert.Equal(t, 300*time.Millisecond, l.Delay())
	for i := 0; i < 20; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, 100*time.Millisecond, l.Delay())
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	l := NewRateLimiter(WithClock(testutil.NewFakeClock(epoch)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestRouter_FallbackAndCooldown(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	primary := &Endpoint{Name: "primary"}
	fallback := &Endpoint{Name: "fallback"}
	r := NewRouter(clk, 30*time.Second, primary, fallback)
	ctx := context.Background()

	ep, err := r.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, primary, ep)

	r.MarkRateLimited(primary, 0)
	assert.Equal(t, StateRateLimited, r.State(primary))
	assert.Equal(t, 1, r.Failures(primary))
	ep, err = r.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, fallback, ep)

	// Both limited: block until the shorter cooldown ends.
	r.MarkRateLimited(fallback, 10*time.Second)
	ep, err = r.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, fallback, ep)
	assert.Equal(t, []time.Duration{10 * time.Second}, clk.Sleeps())
	assert.Equal(t, StateOpen, r.State(fallback))

	// Primary's cooldown expires and it is preferred again.
	clk.Advance(20 * time.Second)
	ep, err = r.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, primary, ep)

	r.MarkSuccess(primary)
	assert.Equal(t, 0, r.Failures(primary))
}

func TestRouter_NoEndpoints(t *testing.T) {
	_, err := NewRouter(nil, 0).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
