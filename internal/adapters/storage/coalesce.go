package storage

import (
	"sync"

	"github.com/extensionbay/registry/internal/core/models"
)

// coalescingSaver serializes registry writes: at most one write is in
// flight at a time, and a burst of saves collapses into a single trailing
// write of the newest document. Intermediate documents may be dropped, but
// an older document is never written after a newer one.
type coalescingSaver struct {
	write func(models.Registry)

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight bool
	pending  models.Registry
}

func newCoalescingSaver(write func(models.Registry)) *coalescingSaver {
	c := &coalescingSaver{write: write}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Save schedules doc for persistence. If a write is already running, doc
// replaces any previously pending document and is written when the
// in-flight write finishes.
func (c *coalescingSaver) Save(doc models.Registry) {
	c.mu.Lock()
	if c.inFlight {
		c.pending = doc
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()
	go c.drain(doc)
}

func (c *coalescingSaver) drain(doc models.Registry) {
	for {
		c.write(doc)
		c.mu.Lock()
		if c.pending == nil {
			c.inFlight = false
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		doc, c.pending = c.pending, nil
		c.mu.Unlock()
	}
}

// flush blocks until no write is in flight or pending.
func (c *coalescingSaver) flush() {
	c.mu.Lock()
	for c.inFlight {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
