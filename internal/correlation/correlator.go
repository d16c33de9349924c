package correlation

import (
	"sync"
	"time"
)

// Restart is a confirmed memory restart: the process named in a
// max-memory-restart log line came back online.
type Restart struct {
	ID      int64
	Name    string
	ArmedAt time.Time
}

// Correlator holds at most one pending process id. A newer memory restart
// replaces the pending one; the replaced id's online event is then never
// matched.
type Correlator struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending int64
	armed   bool
	armedAt time.Time
}

// NewCorrelator returns a Correlator. A ttl of zero keeps a pending id
// until it is matched or replaced.
func NewCorrelator(ttl time.Duration) *Correlator {
	return &Correlator{
		ttl: ttl,
		now: time.Now,
	}
}

// Arm records id as pending and returns the id it replaced, if any.
func (c *Correlator) Arm(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, overwritten := c.pending, c.armed
	c.pending = id
	c.armed = true
	c.armedAt = c.now()
	return prev, overwritten
}

// Observe matches an online process against the pending id. On a match the
// pending id is cleared, so the same online event never matches twice.
func (c *Correlator) Observe(id int64, name string) (Restart, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed || c.pending != id {
		return Restart{}, false
	}
	c.armed = false
	c.pending = 0
	return Restart{ID: id, Name: name, ArmedAt: c.armedAt}, true
}

func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.pending = 0
}

func (c *Correlator) Pending() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.armed
}

func (c *Correlator) TTL() time.Duration {
	return c.ttl
}

// Expire drops the pending id when it is older than the ttl and reports
// whether it did.
func (c *Correlator) Expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 || !c.armed {
		return false
	}
	if now.Sub(c.armedAt) <= c.ttl {
		return false
	}
	c.armed = false
	c.pending = 0
	return true
}
