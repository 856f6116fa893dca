package campaign

import (
	"sync"
	"time"
)

// DefaultMinTransitionInterval absorbs duplicate rapid triggers from the UI
const DefaultMinTransitionInterval = 500 * time.Millisecond

// Cooldown admits at most one request per interval. A zero interval admits everything.
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewCooldown creates a cooldown guard
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval, now: time.Now}
}

// Ready reports whether a request now is outside the window of the last
// admitted one. It does not record anything.
func (c *Cooldown) Ready() bool {
	if c == nil || c.interval <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.IsZero() || c.now().Sub(c.last) >= c.interval
}

// Mark records an admitted request and opens a new window
func (c *Cooldown) Mark() {
	if c == nil || c.interval <= 0 {
		return
	}
	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
}
