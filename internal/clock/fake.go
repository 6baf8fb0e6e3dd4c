package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time stands still until Advance is called
// or until something waits on After: a wait moves the clock forward by the
// requested duration and fires at once, so code that sleeps runs instantly
// while still observing the time it would have waited.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

// NewFake returns a Fake initialized to the given time.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After advances the clock by d, records the wait and returns a channel that
// has already received the new time.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d > 0 {
		c.current = c.current.Add(d)
		c.waits = append(c.waits, d)
	}
	ch <- c.current
	return ch
}

// Advance moves the clock forward by d without recording a wait.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Waits returns every positive duration passed to After, in call order.
func (c *Fake) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// TotalWaited sums Waits.
func (c *Fake) TotalWaited() time.Duration {
	var total time.Duration
	for _, d := range c.Waits() {
		total += d
	}
	return total
}
