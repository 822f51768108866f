package queue

import "sync/atomic"

// Clock issues monotonic deferred-item IDs.
//
// IDs are strictly increasing and survive restarts: the checkpoint records
// Current() and NewClockAt resumes from it.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock whose next ID is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next ID.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued ID without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// AdvanceTo moves the clock forward to at least n. It never moves backward.
func (c *Clock) AdvanceTo(n int64) {
	for {
		cur := c.seq.Load()
		if cur >= n || c.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
