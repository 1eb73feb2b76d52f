package instr

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/slot"
)

// EdgeKind classifies a dependence edge.
type EdgeKind int

const (
	ReadAfterWrite EdgeKind = iota
	WriteAfterRead
	WriteAfterWrite
	// BarrierEdge orders an instruction against a barrier.
	BarrierEdge
)

func (k EdgeKind) String() string {
	switch k {
	case ReadAfterWrite:
		return "RAW"
	case WriteAfterRead:
		return "WAR"
	case WriteAfterWrite:
		return "WAW"
	case BarrierEdge:
		return "barrier"
	default:
		return "unknown"
	}
}

// Edge is a dependence from one instruction to a later one. Slots lists every
// slot the pair shares.
type Edge struct {
	From  Handle
	To    Handle
	Kind  EdgeKind
	Slots []slot.ID
}

// Instruction is a unit of work. Fields below the exported ones are owned by
// the scheduler goroutine, except the completion flag and error which a stream
// worker publishes through Finish.
type Instruction struct {
	Name    string
	Stream  string
	Operand Operand

	reads  []slot.ID
	writes []slot.ID

	handle Handle
	seq    uint64
	preds  int
	succs  []Edge
	batch  *Batch

	claimed  atomic.Bool
	state    atomic.Int32
	done     atomic.Bool
	err      error
	taint    map[slot.ID]struct{}
	finished time.Time
}

func newInstruction(name, stream string, op Operand, reads, writes []slot.ID) *Instruction {
	return &Instruction{
		Name:    name,
		Stream:  stream,
		Operand: op,
		reads:   reads,
		writes:  writes,
	}
}

// NewCall builds a kernel call reading inputs and writing outputs.
func NewCall(name, stream string, k kernels.Kernel, attrs kernels.Attrs, inputs, outputs []*remat.Tensor) *Instruction {
	op := &remat.Op{Kernel: k, Attrs: attrs, Inputs: inputs, Outputs: outputs}
	return newInstruction(name, stream, &Call{Op: op}, slotsOf(inputs), slotsOf(outputs))
}

// NewCopy builds a copy from src into dst.
func NewCopy(name, stream string, src, dst *remat.Tensor) *Instruction {
	return newInstruction(name, stream, &Copy{Src: src, Dst: dst},
		[]slot.ID{src.Slot()}, []slot.ID{dst.Slot()})
}

// NewRelease builds a release of t. It writes t's slot so it runs after every
// earlier reader.
func NewRelease(name, stream string, t *remat.Tensor) *Instruction {
	return newInstruction(name, stream, &Release{Tensor: t}, nil, []slot.ID{t.Slot()})
}

// NewControl builds a control instruction with explicit accesses.
func NewControl(name, stream string, fn func(ctx context.Context) error, reads, writes []slot.ID) *Instruction {
	return newInstruction(name, stream, &Control{Fn: fn}, reads, writes)
}

// NewBarrier builds a barrier. fn may be nil.
func NewBarrier(name, stream string, fn func(ctx context.Context) error) *Instruction {
	return newInstruction(name, stream, &Control{Fn: fn, Barrier: true}, nil, nil)
}

// NewFused wraps consecutive members into a single instruction whose
// accesses are the union of theirs.
func NewFused(stream string, members []*Instruction) *Instruction {
	var reads, writes []slot.ID
	for _, m := range members {
		reads = append(reads, m.reads...)
		writes = append(writes, m.writes...)
	}
	name := fmt.Sprintf("fused(%s..%s)", members[0].Name, members[len(members)-1].Name)
	return newInstruction(name, stream, &Fused{Members: members}, dedupe(reads), dedupe(writes))
}

func slotsOf(ts []*remat.Tensor) []slot.ID {
	ids := make([]slot.ID, len(ts))
	for i, t := range ts {
		ids[i] = t.Slot()
	}
	return dedupe(ids)
}

func dedupe(ids []slot.ID) []slot.ID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[slot.ID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Reads returns the read-set.
func (in *Instruction) Reads() []slot.ID { return in.reads }

// Writes returns the write-set.
func (in *Instruction) Writes() []slot.ID { return in.writes }

// Slots returns the read-set followed by the write-set.
func (in *Instruction) Slots() []slot.ID {
	all := make([]slot.ID, 0, len(in.reads)+len(in.writes))
	all = append(all, in.reads...)
	return append(all, in.writes...)
}

// IsBarrier reports whether the instruction is a barrier.
func (in *Instruction) IsBarrier() bool {
	c, ok := in.Operand.(*Control)
	return ok && c.Barrier
}

// Fusible reports whether the instruction may be merged with neighbours on
// the same stream.
func (in *Instruction) Fusible() bool {
	switch op := in.Operand.(type) {
	case *Release, *Copy:
		return true
	case *Call:
		return op.Op.Kernel.Fusible()
	case *Control, *Fused:
		return false
	default:
		panic(fmt.Sprintf("instr: unhandled operand %T", in.Operand))
	}
}

// Handle returns the arena handle assigned at ingestion.
func (in *Instruction) Handle() Handle { return in.handle }

// SetHandle records the arena handle.
func (in *Instruction) SetHandle(h Handle) { in.handle = h }

// Seq returns the submission sequence number.
func (in *Instruction) Seq() uint64 { return in.seq }

// SetSeq records the submission sequence number.
func (in *Instruction) SetSeq(seq uint64) { in.seq = seq }

// Submitted reports whether a batch has claimed the instruction.
func (in *Instruction) Submitted() bool { return in.claimed.Load() }

// Batch returns the batch the instruction was submitted in.
func (in *Instruction) Batch() *Batch { return in.batch }

// AddSucc records an outgoing edge and counts it against the successor.
func (in *Instruction) AddSucc(e Edge, to *Instruction) {
	in.succs = append(in.succs, e)
	to.preds++
}

// Succs returns the outgoing edges.
func (in *Instruction) Succs() []Edge { return in.succs }

// Preds returns the number of unresolved predecessors.
func (in *Instruction) Preds() int { return in.preds }

// ResolvePred decrements the unresolved predecessor count and returns it.
func (in *Instruction) ResolvePred() int {
	in.preds--
	return in.preds
}

// State returns the lifecycle state.
func (in *Instruction) State() State { return State(in.state.Load()) }

// SetState sets the lifecycle state.
func (in *Instruction) SetState(s State) { in.state.Store(int32(s)) }

// Finish publishes the execution result. Completed observes it.
func (in *Instruction) Finish(err error) {
	in.err = err
	in.finished = time.Now()
	in.done.Store(true)
}

// Completed is the non-blocking completion query.
func (in *Instruction) Completed() bool { return in.done.Load() }

// Err returns the execution error. It is only meaningful once Completed.
func (in *Instruction) Err() error { return in.err }

// FinishedAt returns when Finish was called.
func (in *Instruction) FinishedAt() time.Time { return in.finished }

// Fail marks an instruction that will never execute as Done with err.
func (in *Instruction) Fail(err error) {
	in.Finish(err)
	in.SetState(Done)
}

// SetTaint narrows the failure scope of an erroring instruction to slots.
// Without a taint set, a failure affects every successor.
func (in *Instruction) SetTaint(slots map[slot.ID]struct{}) { in.taint = slots }

// Taints reports whether the failure of in must propagate across an edge
// on the given slots.
func (in *Instruction) Taints(slots []slot.ID) bool {
	if in.err == nil {
		return false
	}
	if in.taint == nil || len(slots) == 0 {
		return true
	}
	for _, s := range slots {
		if _, ok := in.taint[s]; ok {
			return true
		}
	}
	return false
}

func (in *Instruction) String() string {
	return fmt.Sprintf("%s[%s@%s %s]", in.Name, in.Operand.Kind(), in.Stream, in.State())
}
