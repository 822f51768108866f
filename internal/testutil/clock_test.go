package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_SleepAdvances(t *testing.T) {
	c := NewFakeClock(epoch)
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second}, c.Sleeps())

	c.Reset()
	assert.Empty(t, c.Sleeps())
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())
}

func TestFakeClock_SleepHonorsCancelledContext(t *testing.T) {
	c := NewFakeClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeClock_ConcurrentAccess(t *testing.T) {
	c := NewFakeClock(epoch)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, epoch.Add(100*time.Millisecond), c.Now())
}
