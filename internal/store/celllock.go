package store

import (
	"sync"

	"github.com/ianremillard/planter/internal/ids"
)

// cellLocks is a fair mutex keyed by CellId, implemented as a map of
// reference-counted mutexes. Every
// execution-affecting call for a given cell (JobRun, JobKill, PtyOpen,
// CellRemove) acquires the cell's slot before forwarding to the worker
// manager, so concurrent operations on the same cell are linearized while
// operations on different cells proceed in parallel.
type cellLocks struct {
	mu      sync.Mutex
	entries map[ids.CellId]*cellSlot
}

type cellSlot struct {
	mu  sync.Mutex
	ref int
}

func newCellLocks() *cellLocks {
	return &cellLocks{entries: make(map[ids.CellId]*cellSlot)}
}

// Acquire blocks until the named cell's slot is free, then returns a
// release function the caller must invoke exactly once.
func (c *cellLocks) Acquire(id ids.CellId) func() {
	c.mu.Lock()
	slot, ok := c.entries[id]
	if !ok {
		slot = &cellSlot{}
		c.entries[id] = slot
	}
	slot.ref++
	c.mu.Unlock()

	slot.mu.Lock()

	return func() {
		slot.mu.Unlock()
		c.mu.Lock()
		slot.ref--
		if slot.ref == 0 {
			delete(c.entries, id)
		}
		c.mu.Unlock()
	}
}
