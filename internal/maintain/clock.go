package maintain

import (
	"sync/atomic"
	"time"
)

// HandshakeClock rate-limits handshake sends to at most one per MinInterval
// (spec §4.7's "at most one handshake every 3s"), modeled as a single
// atomic unix-nano guarded compare-and-swap rather than a mutex+timestamp
// pair, the idiomatic Go rendering of a lock-free rate gate.
type HandshakeClock struct {
	last        atomic.Int64
	MinInterval time.Duration
}

// NewHandshakeClock returns a clock that allows an immediate first fire.
func NewHandshakeClock(minInterval time.Duration) *HandshakeClock {
	return &HandshakeClock{MinInterval: minInterval}
}

// TryFire reports whether a handshake may be sent now, and if so advances
// the clock so a concurrent caller cannot also win within MinInterval.
func (c *HandshakeClock) TryFire(now time.Time) bool {
	n := now.UnixNano()
	for {
		last := c.last.Load()
		if n-last < int64(c.MinInterval) {
			return false
		}
		if c.last.CompareAndSwap(last, n) {
			return true
		}
	}
}
