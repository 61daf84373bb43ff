package engine

import "sync/atomic"

// Clock hands out strictly increasing enqueue sequence numbers.
//
// Thread-safety: safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1. Used to resume
// after the highest seq found in the queue.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Advance moves the clock forward to at least n. It never moves backwards.
func (c *Clock) Advance(n int64) {
	for {
		cur := c.seq.Load()
		if n <= cur || c.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
