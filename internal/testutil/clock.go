package testutil

import (
	"sync"
	"time"
)

// Epoch is the first timestamp handed out by a Clock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock hands out strictly increasing timestamps one second apart, starting
// at Epoch. Atom timestamps in tests come from here so records are
// byte-identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	tick int64
}

// NewClock creates a clock whose first Next returns Epoch.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next timestamp in RFC 3339 form.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := Epoch.Add(time.Duration(c.tick) * time.Second)
	c.tick++
	return ts.Format(time.RFC3339)
}

// Reset rewinds the clock to Epoch.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = 0
}
