package depgraph

import (
	"errors"
	"fmt"

	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/slot"
)

// ErrUnknownSlot is wrapped by ConfigError.
var ErrUnknownSlot = errors.New("unknown resource slot")

// ConfigError reports an instruction that references unregistered slots.
type ConfigError struct {
	Instruction string
	Missing     []slot.ID
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("instruction '%s' references unregistered slots %v", e.Instruction, e.Missing)
}

func (e *ConfigError) Unwrap() error { return ErrUnknownSlot }

// readerCompactAt bounds how many dead readers a slot history accumulates
// before it is compacted.
const readerCompactAt = 16

type history struct {
	writer  instr.Handle
	readers []instr.Handle
}

// Builder links instructions by their slot accesses. It is owned by the
// scheduler goroutine.
type Builder struct {
	slots   *slot.Registry
	arena   *instr.Arena
	access  map[slot.ID]*history
	barrier instr.Handle
	counts  map[instr.EdgeKind]uint64
}

// New creates a builder over the given registry and arena.
func New(slots *slot.Registry, arena *instr.Arena) *Builder {
	return &Builder{
		slots:  slots,
		arena:  arena,
		access: make(map[slot.ID]*history),
		counts: make(map[instr.EdgeKind]uint64),
	}
}

// Validate checks that every slot touched by the batch is registered. The
// first offending instruction is reported.
func (b *Builder) Validate(ins []*instr.Instruction) error {
	for _, in := range ins {
		if missing := b.slots.Missing(in.Slots()...); len(missing) > 0 {
			return &ConfigError{Instruction: in.Name, Missing: missing}
		}
	}
	return nil
}

func (b *Builder) live(h instr.Handle) (*instr.Instruction, bool) {
	in, ok := b.arena.Get(h)
	if !ok || in.State() >= instr.Done {
		return nil, false
	}
	return in, true
}

// edgeSet accumulates at most one edge per predecessor, in discovery order.
type edgeSet struct {
	to    *instr.Instruction
	order []*instr.Instruction
	edges map[instr.Handle]*instr.Edge
}

func (s *edgeSet) add(from *instr.Instruction, kind instr.EdgeKind, id slot.ID, hasSlot bool) {
	if from == s.to {
		return
	}
	e, ok := s.edges[from.Handle()]
	if !ok {
		e = &instr.Edge{From: from.Handle(), To: s.to.Handle(), Kind: kind}
		s.edges[from.Handle()] = e
		s.order = append(s.order, from)
	}
	if !hasSlot {
		return
	}
	for _, existing := range e.Slots {
		if existing == id {
			return
		}
	}
	e.Slots = append(e.Slots, id)
}

// Connect creates the dependence edges of in, which must already be in the
// arena, and records its accesses. It returns the created edges.
func (b *Builder) Connect(in *instr.Instruction) []instr.Edge {
	set := &edgeSet{to: in, edges: make(map[instr.Handle]*instr.Edge)}

	if in.IsBarrier() {
		b.arena.Each(func(prev *instr.Instruction) {
			if prev.State() < instr.Done {
				set.add(prev, instr.BarrierEdge, 0, false)
			}
		})
	} else if bar, ok := b.live(b.barrier); ok {
		set.add(bar, instr.BarrierEdge, 0, false)
	}

	for _, id := range in.Reads() {
		h := b.history(id)
		if w, ok := b.live(h.writer); ok {
			set.add(w, instr.ReadAfterWrite, id, true)
		}
	}
	for _, id := range in.Writes() {
		h := b.history(id)
		if w, ok := b.live(h.writer); ok {
			set.add(w, instr.WriteAfterWrite, id, true)
		}
		for _, r := range h.readers {
			if rd, ok := b.live(r); ok {
				set.add(rd, instr.WriteAfterRead, id, true)
			}
		}
	}

	for _, id := range in.Reads() {
		h := b.history(id)
		if len(h.readers) >= readerCompactAt {
			h.readers = b.compact(h.readers)
		}
		h.readers = append(h.readers, in.Handle())
	}
	for _, id := range in.Writes() {
		h := b.history(id)
		h.writer = in.Handle()
		h.readers = nil
	}
	if in.IsBarrier() {
		b.barrier = in.Handle()
	}

	edges := make([]instr.Edge, 0, len(set.order))
	for _, from := range set.order {
		e := *set.edges[from.Handle()]
		from.AddSucc(e, in)
		b.counts[e.Kind]++
		edges = append(edges, e)
	}
	return edges
}

func (b *Builder) history(id slot.ID) *history {
	h, ok := b.access[id]
	if !ok {
		h = &history{}
		b.access[id] = h
	}
	return h
}

func (b *Builder) compact(readers []instr.Handle) []instr.Handle {
	kept := readers[:0]
	for _, r := range readers {
		if _, ok := b.live(r); ok {
			kept = append(kept, r)
		}
	}
	return kept
}

// Forget drops the access history of a slot that no longer exists.
func (b *Builder) Forget(id slot.ID) {
	delete(b.access, id)
}

// Tracked returns the number of slots with access history.
func (b *Builder) Tracked() int { return len(b.access) }

// EdgeCounts returns how many edges of each kind have been created.
func (b *Builder) EdgeCounts() map[instr.EdgeKind]uint64 {
	out := make(map[instr.EdgeKind]uint64, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}
