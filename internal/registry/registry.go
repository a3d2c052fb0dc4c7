// Package registry holds the set of active stickers.
//
// Writers (the control console, presets) serialise on a mutex and publish a brand-new
// immutable slice; the render loop reads it with a single atomic load. A Snapshot is
// therefore always a complete view as of one point in time and never changes underneath
// the reader.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/andresmejia3/stickercam/internal/types"
)

// Snapshot is an immutable, ordered view of the registry. Index 0 is drawn first.
type Snapshot struct {
	Stickers   []types.StickerSpec
	Generation uint64
}

// Len returns the number of stickers in the snapshot.
func (s Snapshot) Len() int { return len(s.Stickers) }

// Registry is an ordered set of stickers unique by ID and by asset reference.
type Registry struct {
	mu      sync.Mutex // serialises writers
	current atomic.Pointer[Snapshot]

	// OnChange, if set, is called after every mutation with the new size (under the writer lock).
	OnChange func(size int)
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{})
	return r
}

// Snapshot returns the current contents. It never blocks on writers.
// Callers must not modify the returned slice.
func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Len returns the current number of stickers.
func (r *Registry) Len() int {
	return len(r.current.Load().Stickers)
}

// Generation increments on every mutation that changed the contents.
func (r *Registry) Generation() uint64 {
	return r.current.Load().Generation
}

// Add appends spec. If a sticker with the same asset reference is already active,
// nothing changes and the existing entry is returned with added=false.
// An empty ID is filled with a random UUID.
func (r *Registry) Add(spec types.StickerSpec) (entry types.StickerSpec, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	for _, s := range cur.Stickers {
		if s.Asset == spec.Asset {
			return s, false
		}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	} else {
		for _, s := range cur.Stickers {
			if s.ID == spec.ID {
				return s, false
			}
		}
	}

	next := make([]types.StickerSpec, len(cur.Stickers), len(cur.Stickers)+1)
	copy(next, cur.Stickers)
	next = append(next, spec)
	r.publish(cur, next)
	return spec, true
}

// Remove deletes the sticker with the given ID. It reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	idx := -1
	for i, s := range cur.Stickers {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	next := make([]types.StickerSpec, 0, len(cur.Stickers)-1)
	next = append(next, cur.Stickers[:idx]...)
	next = append(next, cur.Stickers[idx+1:]...)
	r.publish(cur, next)
	return true
}

// Clear removes every sticker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if len(cur.Stickers) == 0 {
		return
	}
	r.publish(cur, nil)
}

// Load adds each spec in order, skipping duplicates. It returns how many were added.
func (r *Registry) Load(specs []types.StickerSpec) int {
	n := 0
	for _, s := range specs {
		if _, added := r.Add(s); added {
			n++
		}
	}
	return n
}

// Find returns the sticker with the given ID.
func (r *Registry) Find(id string) (types.StickerSpec, bool) {
	for _, s := range r.Snapshot().Stickers {
		if s.ID == id {
			return s, true
		}
	}
	return types.StickerSpec{}, false
}

// publish must be called with mu held.
func (r *Registry) publish(cur *Snapshot, stickers []types.StickerSpec) {
	r.current.Store(&Snapshot{Stickers: stickers, Generation: cur.Generation + 1})
	if r.OnChange != nil {
		r.OnChange(len(stickers))
	}
}
