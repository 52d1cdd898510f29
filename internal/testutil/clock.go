package testutil

import (
	"sync"
	"time"
)

// StepClock is a deterministic clock for tests. Every call to Now advances
// it by a fixed step, so consecutive mutations get distinct instants and a
// test can take a reading "between" two operations.
//
// Thread-safety: all methods are safe for concurrent use.
type StepClock struct {
	mu      sync.Mutex
	start   time.Time
	current time.Time
	step    time.Duration
}

// DefaultStart is the first instant a NewStepClock returns.
var DefaultStart = time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)

// NewStepClock returns a clock starting at DefaultStart advancing one second
// per reading.
func NewStepClock() *StepClock {
	return NewStepClockAt(DefaultStart, time.Second)
}

// NewStepClockAt returns a clock whose first reading is start.
func NewStepClockAt(start time.Time, step time.Duration) *StepClock {
	return &StepClock{start: start, current: start.Add(-step), step: step}
}

// Now advances the clock and returns the new instant.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(c.step)
	return c.current
}

// Current returns the last instant handed out without advancing.
func (c *StepClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d without producing a reading.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Reset returns the clock to its start.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.start.Add(-c.step)
}
