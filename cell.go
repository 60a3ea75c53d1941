package utmetadata

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/sync"
)

// Holds the verified metadata shared by every connection of an Engine. Written at most once.
type cell struct {
	mu   sync.RWMutex
	data []byte
	set  chansync.SetOnce
}

// Load returns the stored slice itself. It must not be modified.
func (c *cell) Load() ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.data != nil
}

func (c *cell) Known() bool {
	_, ok := c.Load()
	return ok
}

// Commit stores b unless something is already stored. Only the call that moves the cell from
// unknown to known returns true. Callers verify b first, so a losing commit carries the same
// value.
func (c *cell) Commit(b []byte) bool {
	if b == nil {
		b = []byte{}
	}

	c.mu.Lock()
	if c.data != nil {
		c.mu.Unlock()
		return false
	}
	c.data = b
	c.mu.Unlock()

	return c.set.Set()
}

func (c *cell) Done() events.Done {
	return c.set.Done()
}
