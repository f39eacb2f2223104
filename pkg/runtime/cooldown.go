package runtime

import (
	"sync"
	"time"
)

// cooldownTracker remembers which provider profiles recently failed so
// the failover loop can skip them until their window expires. Expired
// entries are dropped on read.
type cooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{until: make(map[string]time.Time)}
}

// Set puts a profile on cooldown for the given duration.
func (c *cooldownTracker) Set(profileID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[profileID] = time.Now().Add(d)
}

// Active reports whether the profile is still cooling down.
func (c *cooldownTracker) Active(profileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.until[profileID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(c.until, profileID)
		return false
	}
	return true
}

// Clear removes a profile's cooldown after a successful call.
func (c *cooldownTracker) Clear(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, profileID)
}
