package remat

import (
	"context"
	"fmt"

	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/kernels"
)

type frame struct {
	op       *Op
	expanded bool
}

// materializeLocked makes t resident, recomputing evicted ancestors first.
// It is a no-op for resident tensors.
//
// Each frame pins its op's inputs when expanded and unpins them after the op
// runs, so inputs survive the allocations of later recomputes. The same op
// may be pushed twice when two consumers share it; the second run finds its
// outputs resident and only releases its pins.
func (p *Pool) materializeLocked(ctx context.Context, t *Tensor) error {
	if t.resident() {
		return nil
	}
	root := p.producerOf(t)
	if root == nil {
		return fmt.Errorf("read '%s': %w", t.name, ErrUnproduced)
	}
	stack := []*frame{{op: root}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			p.unwindLocked(stack)
			return err
		}
		top := stack[len(stack)-1]
		if !top.expanded {
			top.expanded = true
			for _, in := range top.op.Inputs {
				in.pins++
			}
			for _, in := range top.op.Inputs {
				if in.resident() {
					continue
				}
				prod := p.producerOf(in)
				if prod == nil {
					p.unwindLocked(stack)
					return fmt.Errorf("recompute '%s' needs '%s': %w", top.op.Name(), in.name, ErrUnproduced)
				}
				stack = append(stack, &frame{op: prod})
			}
			continue
		}
		stack = stack[:len(stack)-1]
		err := p.recomputeLocked(ctx, top.op)
		p.unpinLocked(top.op.Inputs)
		p.dropReleasedLocked(top.op.Inputs)
		if err != nil {
			p.unwindLocked(stack)
			return fmt.Errorf("recompute '%s' for '%s': %w", top.op.Name(), t.name, err)
		}
	}
	return nil
}

// dropReleasedLocked frees released ancestors that a recompute brought back
// once nothing pins them.
func (p *Pool) dropReleasedLocked(ts []*Tensor) {
	for _, t := range ts {
		if t.released && t.pins == 0 {
			p.freeLocked(t)
		}
	}
}

// unwindLocked releases the pins of expanded frames left on an abandoned stack.
func (p *Pool) unwindLocked(stack []*frame) {
	for _, f := range stack {
		if f.expanded {
			p.unpinLocked(f.op.Inputs)
		}
	}
}

// producerOf returns the op that recomputes t. A non-resident value without
// a producer that has been produced before means its history was lost.
func (p *Pool) producerOf(t *Tensor) *Op {
	if t.released && t.producer == nil {
		panic(&ConsistencyError{Slot: t.slot, Reason: "recompute of a deleted value"})
	}
	if t.producer == nil {
		if t.produced {
			panic(&ConsistencyError{Slot: t.slot, Reason: "evicted value has no recorded producer"})
		}
		return nil
	}
	return t.producer
}

// recomputeLocked re-runs op with its inputs already resident and pinned.
func (p *Pool) recomputeLocked(ctx context.Context, op *Op) error {
	var fresh []*Tensor
	for _, out := range op.Outputs {
		if out.resident() {
			continue
		}
		b, err := p.allocateLocked(out.bytes)
		if err != nil {
			p.discardLocked(fresh)
			return err
		}
		p.placeLocked(out, b)
		fresh = append(fresh, out)
	}
	if len(fresh) == 0 {
		return nil
	}

	for _, out := range op.Outputs {
		out.pins++
	}
	err := p.computeLocked(ctx, op)
	p.unpinLocked(op.Outputs)
	if err != nil {
		p.discardLocked(fresh)
		return err
	}

	p.stats.Recomputes++
	p.logger.Debug("Recomputed op.", "kernel", op.Name(), "outputs", len(fresh), "clock", p.clock)
	p.touchLocked(op)
	return nil
}

// computeLocked runs the kernel with a scoped scratch buffer.
func (p *Pool) computeLocked(ctx context.Context, op *Op) error {
	args := &kernels.Args{Attrs: op.Attrs}
	inShapes := make([][]int, len(op.Inputs))
	for i, in := range op.Inputs {
		args.Inputs = append(args.Inputs, in.arg())
		inShapes[i] = in.shape
	}
	for _, out := range op.Outputs {
		args.Outputs = append(args.Outputs, out.arg())
	}
	if size := op.Kernel.ScratchBytes(inShapes, op.Attrs); size > 0 {
		scratch, err := p.allocateLocked(size)
		if err != nil {
			return err
		}
		defer p.alloc.Deallocate(scratch)
		args.Scratch = scratch.Data
	}
	return op.Kernel.Compute(ctx, args)
}

// discardLocked frees freshly placed outputs after a failed compute.
func (p *Pool) discardLocked(ts []*Tensor) {
	for _, t := range ts {
		p.freeLocked(t)
	}
}

// touchLocked records cost and access time after a compute and advances the
// logical clock by the cost: the sum of input and output bytes.
func (p *Pool) touchLocked(op *Op) float64 {
	var cost float64
	for _, in := range op.Inputs {
		cost += float64(in.bytes)
	}
	for _, out := range op.Outputs {
		cost += float64(out.bytes)
	}
	for _, out := range op.Outputs {
		out.cost = cost
		out.lastAccess = p.clock
	}
	for _, in := range op.Inputs {
		in.lastAccess = p.clock
	}
	p.clock += cost
	return cost
}

// aliased reports whether out shares storage with any input of op.
func aliased(op *Op, out *Tensor) bool {
	for _, in := range op.Inputs {
		if in.block != nil && out.block != nil && sameBlock(in.block, out.block) {
			return true
		}
	}
	return false
}

func sameBlock(a, b *alloc.Block) bool {
	return a.Addr == b.Addr
}
