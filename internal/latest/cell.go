// Package latest provides a single-slot mailbox that always holds the most recent value.
//
// Producers overwrite the slot and readers never wait.
// Nothing is queued, so a slow consumer sees the newest value and older ones are dropped.
package latest

import (
	"sync"
	"sync/atomic"
)

// Cell holds the latest published value of T.
//
// Thread-safety: Store, Load, Reset and Close are safe for concurrent use.
type Cell[T any] struct {
	mu      sync.Mutex
	val     T
	version uint64
	has     bool
	closed  bool

	overwrites atomic.Uint64 // values replaced before anyone loaded them
	loaded     bool
}

// New returns an empty cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{}
}

// Store publishes v, replacing whatever was there. It never blocks on readers.
// Returns the new version number. Stores after Close are ignored and return 0.
func (c *Cell[T]) Store(v T) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	if c.has && !c.loaded {
		c.overwrites.Add(1)
	}
	c.val = v
	c.version++
	c.has = true
	c.loaded = false
	return c.version
}

// Load returns the current value and its version without waiting.
// ok is false while the cell is empty.
func (c *Cell[T]) Load() (v T, version uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has {
		return v, c.version, false
	}
	c.loaded = true
	return c.val, c.version, true
}

// Reset empties the cell. Versions keep increasing across resets so
// a reader holding an old version never mistakes a new value for a stale one.
// Stores after Reset succeed; only Close is terminal.
func (c *Cell[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	c.val = zero
	c.has = false
	c.loaded = false
}

// Close makes the cell read-only: subsequent stores are dropped.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Overwrites returns how many values were replaced before being read.
func (c *Cell[T]) Overwrites() uint64 {
	return c.overwrites.Load()
}
