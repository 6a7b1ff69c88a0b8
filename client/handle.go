package client

import (
	"remotectl/world"
	"sync"
)

// HandleCell holds the remote entity a client mirrors to. The discovery callback writes it on an
// I/O goroutine and the frame loop reads it; neither side holds the lock across a blocking call.
type HandleCell struct {
	mu     sync.Mutex
	entity world.Entity
	set    bool
}

// Get returns the stored handle, if any.
func (c *HandleCell) Get() (world.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entity, c.set
}

func (c *HandleCell) Set(e world.Entity) {
	c.mu.Lock()
	c.entity, c.set = e, true
	c.mu.Unlock()
}

func (c *HandleCell) Clear() {
	c.mu.Lock()
	c.entity, c.set = 0, false
	c.mu.Unlock()
}
