// Package ticks provides the monotonically non-decreasing counter BBC
// stamps onto a buffer's last-use field. In a real kernel this is the timer
// interrupt count; here BBC's Release calls Advance each time it drops a
// buffer's refcnt to 0, and a test or other caller may advance it too.
// Reads are relaxed: ordering among buffers is not promised,
// only monotonicity of the counter itself.
package ticks

import "sync/atomic"

// Counter is a shareable monotonic tick source.
type Counter struct {
	n atomic.Uint64
}

// NewCounter returns a counter starting at 0.
func NewCounter() *Counter {
	return &Counter{}
}

// Now returns the current tick value. Safe for concurrent use; the read is
// relaxed with respect to any other counter mutation.
func (c *Counter) Now() uint64 {
	return c.n.Load()
}

// Advance moves the counter forward by one tick and returns the new value.
// A real kernel would call this from its timer-interrupt handler.
func (c *Counter) Advance() uint64 {
	return c.n.Add(1)
}
