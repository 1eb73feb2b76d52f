package slot

import (
	"fmt"
	"sort"
	"sync"
)

// ID identifies a resource slot. The zero ID is never issued.
type ID uint64

// String returns the canonical form of a slot ID.
func (id ID) String() string {
	return fmt.Sprintf("slot#%d", uint64(id))
}

// Info is the registry's metadata for a slot.
type Info struct {
	ID   ID
	Name string
	// Bytes is the size of the slot's backing storage, if known.
	Bytes int64
}

// Registry tracks the live resource slots. It is safe for concurrent use:
// application goroutines register slots while the scheduler validates
// instruction batches against it.
type Registry struct {
	mu    sync.RWMutex
	next  ID
	slots map[ID]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[ID]Info),
	}
}

// Register allocates a new slot and returns its ID.
func (r *Registry) Register(name string, bytes int64) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.slots[id] = Info{ID: id, Name: name, Bytes: bytes}
	return id
}

// Unregister removes a slot. It reports whether the slot existed.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[id]; !ok {
		return false
	}
	delete(r.slots, id)
	return true
}

// Lookup returns the metadata for a slot.
func (r *Registry) Lookup(id ID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.slots[id]
	return info, ok
}

// Contains reports whether a slot is registered.
func (r *Registry) Contains(id ID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Missing returns the IDs from ids that are not registered, in input order
// and without duplicates.
func (r *Registry) Missing(ids ...ID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []ID
	seen := make(map[ID]struct{})
	for _, id := range ids {
		if _, ok := r.slots[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing
}

// Len returns the number of registered slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// All returns a snapshot of all registered slots ordered by ID.
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Info, 0, len(r.slots))
	for _, info := range r.slots {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
