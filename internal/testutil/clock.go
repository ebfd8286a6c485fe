package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe logical clock for tests: every
// Now() advances a fixed step from a fixed epoch, so two runs of the
// same scenario produce identical timestamps.
type DeterministicClock struct {
	mu    sync.Mutex
	epoch time.Time
	step  time.Duration
	ticks int64
}

// NewDeterministicClock creates a clock starting at epoch and advancing
// step per Now() call.
func NewDeterministicClock(epoch time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{epoch: epoch.UTC(), step: step}
}

// Now returns the next timestamp.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.epoch.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Reset rewinds the clock to its epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
