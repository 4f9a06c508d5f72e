// Package window implements a sliding-window usage counter over a trailing
// interval. All operations share one mutex and do no I/O, so contention is
// limited to O(1) accounting work.
package window

import (
	"sync"
	"time"
)

// event is one granted admission. Entries are appended in arrival order,
// which matches time order under the counter's lock.
type event struct {
	at       time.Time
	weight   int
	requests int
}

// Counter tracks weight and request units consumed within a trailing window.
type Counter struct {
	mu        sync.Mutex
	span      time.Duration
	events    []event
	weightSum int
	reqSum    int
	now       func() time.Time
}

// New creates a Counter over the given trailing span.
func New(span time.Duration) *Counter {
	return &Counter{span: span, now: time.Now}
}

// SetClock overrides the time source. Test hook; not safe to call once the
// counter is shared.
func (c *Counter) SetClock(now func() time.Time) {
	c.now = now
}

// Record appends a usage event at the current time.
func (c *Counter) Record(weight, requests int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(weight, requests)
}

// TryRecord atomically checks the would-be usage against the given limits
// and records the event only when both stay within bounds. The check and
// the append happen under one critical section so concurrent callers can
// never over-admit.
func (c *Counter) TryRecord(weight, requests, maxWeight, maxRequests int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.now())
	if c.weightSum+weight > maxWeight || c.reqSum+requests > maxRequests {
		return false
	}
	c.record(weight, requests)
	return true
}

// Usage evicts expired events and returns the weight and request units
// consumed within the window as of now.
func (c *Counter) Usage() (weight, requests int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.now())
	return c.weightSum, c.reqSum
}

// EarliestExpiry returns the time until the oldest event inside the window
// exits it, or zero when the window is empty.
func (c *Counter) EarliestExpiry() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.evict(now)
	if len(c.events) == 0 {
		return 0
	}
	return c.events[0].at.Add(c.span).Sub(now)
}

func (c *Counter) record(weight, requests int) {
	c.evict(c.now())
	c.events = append(c.events, event{at: c.now(), weight: weight, requests: requests})
	c.weightSum += weight
	c.reqSum += requests
}

// evict drops events whose timestamp has fallen out of the trailing span.
// Caller holds the lock.
func (c *Counter) evict(now time.Time) {
	cutoff := now.Add(-c.span)
	i := 0
	for ; i < len(c.events); i++ {
		if c.events[i].at.After(cutoff) {
			break
		}
		c.weightSum -= c.events[i].weight
		c.reqSum -= c.events[i].requests
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
}
