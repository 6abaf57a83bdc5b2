package pipeline

import (
	"sync"
	"time"
)

// congestionHalfLifeMicros controls how fast the congestion metric decays:
// it halves roughly every this many microseconds of wall-clock elapsed
// since the last update (spec.md §4.6: "decayed by elapsed wall-clock
// microseconds since last update").
const congestionHalfLifeMicros = 100_000 // 100ms

// Congestion tracks a fixed-point congestion value per device, decayed by
// elapsed wall-clock time and incremented on slow device completions
// (spec.md §4.6).
type Congestion struct {
	mu       sync.Mutex
	value    uint64
	lastSeen time.Time
	now      func() time.Time
}

// NewCongestion constructs a Congestion tracker starting at zero.
func NewCongestion() *Congestion {
	return &Congestion{now: time.Now, lastSeen: time.Now()}
}

// NoteSlowCompletion records that a device completion took longer than
// expected, bumping the congestion value (spec.md: "incremented on slow
// device completions").
func (c *Congestion) NoteSlowCompletion(amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decayLocked()
	c.value += amount
}

// Value returns the current decayed congestion value, a 0..N measure
// (spec.md: "exposed as a 0..N value").
func (c *Congestion) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decayLocked()

	return c.value
}

// Congested reports the boolean view userspace sees: non-zero congestion.
func (c *Congestion) Congested() bool {
	return c.Value() > 0
}

// decayLocked halves the congestion value once per elapsed half-life
// window, called with c.mu held.
func (c *Congestion) decayLocked() {
	now := c.now()
	elapsed := now.Sub(c.lastSeen).Microseconds()

	if elapsed <= 0 {
		return
	}

	halvings := elapsed / congestionHalfLifeMicros
	if halvings <= 0 {
		return
	}

	for i := int64(0); i < halvings && c.value > 0; i++ {
		c.value /= 2
	}

	c.lastSeen = now
}
