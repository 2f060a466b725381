// Package ratelimit gates sends on a publishing channel to a fixed ceiling.
//
// The Policy holds no state. The caller keeps a Stamp per channel and commits
// it only after a send actually happened, so rejected or aborted attempts
// never push the next window out.
package ratelimit

import (
	"time"

	"actuator-bridge/internal/core/hrt"
)

// Stamp is the last accepted send on one channel. The zero value is unset.
type Stamp struct {
	at    hrt.Time
	valid bool
}

// Commit records a send at now.
func (s *Stamp) Commit(now hrt.Time) {
	s.at = now
	s.valid = true
}

// At returns the last send time and whether one was recorded.
func (s Stamp) At() (hrt.Time, bool) {
	return s.at, s.valid
}

// Policy allows at most CeilingHz sends per second. Zero disables the gate.
type Policy struct {
	CeilingHz uint32
}

// Interval is the minimum spacing between two accepted sends.
func (p Policy) Interval() time.Duration {
	if p.CeilingHz == 0 {
		return 0
	}
	return time.Duration(1_000_000/p.CeilingHz) * time.Microsecond
}

// Allow reports whether a send at now respects the ceiling.
func (p Policy) Allow(now hrt.Time, last Stamp) bool {
	if !last.valid || p.CeilingHz == 0 {
		return true
	}
	if now < last.at {
		return false
	}
	return now-last.at >= hrt.Time(1_000_000/p.CeilingHz)
}
