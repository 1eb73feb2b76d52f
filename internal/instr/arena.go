package instr

import "fmt"

// Handle addresses an instruction in an Arena. A handle stays invalid
// forever once its instruction is removed, even if the slot is reused.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

type entry struct {
	gen uint32
	in  *Instruction
}

// Arena is a slab of live instructions. It is owned by the scheduler
// goroutine and is not safe for concurrent use.
type Arena struct {
	entries []entry
	free    []uint32
	live    int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Insert stores in and returns its handle.
func (a *Arena) Insert(in *Instruction) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.entries))
		a.entries = append(a.entries, entry{gen: 1})
	}
	a.entries[idx].in = in
	a.live++
	h := Handle{index: idx, gen: a.entries[idx].gen}
	in.SetHandle(h)
	return h
}

// Get resolves a handle. It fails for removed or never-issued handles.
func (a *Arena) Get(h Handle) (*Instruction, bool) {
	if h.IsZero() || int(h.index) >= len(a.entries) {
		return nil, false
	}
	e := a.entries[h.index]
	if e.gen != h.gen || e.in == nil {
		return nil, false
	}
	return e.in, true
}

// Remove drops the instruction behind h and invalidates h.
func (a *Arena) Remove(h Handle) bool {
	if _, ok := a.Get(h); !ok {
		return false
	}
	e := &a.entries[h.index]
	e.in = nil
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	a.free = append(a.free, h.index)
	a.live--
	return true
}

// Len returns the number of live instructions.
func (a *Arena) Len() int { return a.live }

// Each calls fn for every live instruction in slot order.
func (a *Arena) Each(fn func(*Instruction)) {
	for _, e := range a.entries {
		if e.in != nil {
			fn(e.in)
		}
	}
}
