package store

import (
	"sync"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
)

// Clock supplies the instants stamped on rows and used to resolve LATEST.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// monotonicClock never returns the same instant twice, so two mutations in
// one process never produce a zero-width interval.
type monotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	last   time.Time
}

// NewClock wraps source (time.Now when nil) into a strictly increasing clock
// at document.Precision.
func NewClock(source func() time.Time) Clock {
	if source == nil {
		source = time.Now
	}
	return &monotonicClock{source: source}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := document.Normalize(c.source())
	if !now.After(c.last) {
		now = c.last.Add(document.Precision)
	}
	c.last = now
	return now
}
