// Package hrt provides the monotonic microsecond clock shared by the bridge
// components. Timestamps are counted from the clock's origin and never follow
// wall-clock adjustments.
package hrt

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Time is an absolute timestamp in microseconds since the clock origin.
type Time uint64

// Duration converts a time.Duration to a microsecond delta.
func Duration(d time.Duration) Time {
	if d <= 0 {
		return 0
	}
	return Time(d / time.Microsecond)
}

// Std returns t as a time.Duration since the origin.
func (t Time) Std() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// Clock is a monotonic clock. The zero value is not usable; use New.
type Clock struct {
	c      clock.Clock
	origin time.Time
}

// New returns a clock backed by the system monotonic clock.
func New() *Clock {
	return NewWithClock(clock.New())
}

// NewWithClock wraps c, typically a *clock.Mock in tests. The origin is
// captured now, so the first reading is 0 plus whatever elapses afterwards.
func NewWithClock(c clock.Clock) *Clock {
	return &Clock{c: c, origin: c.Now()}
}

// Now returns the current timestamp.
func (c *Clock) Now() Time {
	return Duration(c.c.Since(c.origin))
}

// Elapsed returns the time passed since t. It is zero if t lies in the future.
func (c *Clock) Elapsed(t Time) time.Duration {
	now := c.Now()
	if now <= t {
		return 0
	}
	return (now - t).Std()
}

// Ticker returns a ticker driven by the underlying clock.
func (c *Clock) Ticker(d time.Duration) *clock.Ticker {
	return c.c.Ticker(d)
}

// Source exposes the wrapped clock.
func (c *Clock) Source() clock.Clock {
	return c.c
}
