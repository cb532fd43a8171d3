package chordcheck

import (
	"maps"
	"sync"
	"time"
)

// rateWindow is the trailing window Rate counts over.
const rateWindow = time.Second

// MessageCounter tracks the remote calls one harness run has issued.
// All operations serialize on a single mutex.
type MessageCounter struct {
	mu       sync.Mutex
	total    int
	byMethod map[string]int
	window   []time.Time // ascending, pruned to the trailing rateWindow
	now      func() time.Time
}

// NewMessageCounter creates an empty counter.
func NewMessageCounter() *MessageCounter {
	return &MessageCounter{
		byMethod: make(map[string]int),
		now:      time.Now,
	}
}

// Record counts one call to method.
func (c *MessageCounter) Record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var now = c.now()
	c.total++
	c.byMethod[method]++
	c.window = append(c.window, now)
	c.prune(now)
}

// Rate returns how many calls were recorded within the last second.
func (c *MessageCounter) Rate() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(c.now())
	return len(c.window)
}

// Total returns the number of calls recorded since the last reset.
func (c *MessageCounter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// ByMethod returns a copy of the per-method tallies.
func (c *MessageCounter) ByMethod() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.byMethod)
}

// Reset clears the total, the per-method tallies and the rate window.
func (c *MessageCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = 0
	c.byMethod = make(map[string]int)
	c.window = c.window[:0]
}

// prune drops timestamps older than the trailing window.
// Must be called with lock held.
func (c *MessageCounter) prune(now time.Time) {
	var (
		cutoff = now.Add(-rateWindow)
		keep   = 0
	)
	for keep < len(c.window) && c.window[keep].Before(cutoff) {
		keep++
	}
	if keep > 0 {
		c.window = append(c.window[:0], c.window[keep:]...)
	}
}
