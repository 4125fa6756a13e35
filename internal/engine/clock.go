package engine

import "sync/atomic"

// Clock is the monotonic revision counter. Every committed edit or
// structural change takes the next value, so revisions order commits
// without relying on wall time.
//
// Thread Safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock at revision 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock at start. Used when reopening a stored graph
// so revisions keep increasing across sessions.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new revision.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the latest issued revision.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
