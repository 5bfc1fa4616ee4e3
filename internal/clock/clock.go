// Package clock produces device-local message IDs and client timestamps.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock hands out locally-unique message IDs and monotonic client
// timestamps. Wall clocks can step backwards (NTP, suspend/resume); two
// sends in a row must still carry strictly increasing client timestamps or
// pending-message ordering breaks.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// NewLocalID returns a fresh device-unique message ID, used as the
// idempotency key for remote writes.
func (c *Clock) NewLocalID() string {
	return uuid.New().String()
}

// NowUnixMilli returns the current client timestamp in milliseconds,
// guaranteed strictly greater than any previously returned value.
func (c *Clock) NowUnixMilli() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
