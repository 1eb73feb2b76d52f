package remat

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/vk/flowvm/internal/kernels"
)

// Lease holds the pins and buffers of one call between Prepare and
// Commit or Abort.
type Lease struct {
	pool   *Pool
	op     *Op
	fresh  []*Tensor
	closed bool

	Inputs  []kernels.Arg
	Outputs []kernels.Arg
}

// Prepare readies op for execution: it pins and materializes the inputs,
// preserves values that depend on outputs about to be overwritten, and
// allocates the outputs, evicting under pressure.
func (p *Pool) Prepare(ctx context.Context, op *Op) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, out := range op.Outputs {
		if out.released {
			return nil, fmt.Errorf("write '%s': %w", out.name, ErrReleased)
		}
	}
	if err := p.pinLocked(ctx, op.Inputs); err != nil {
		return nil, err
	}

	for _, out := range op.Outputs {
		if err := p.freezeUsersLocked(ctx, op, out); err != nil {
			p.unpinLocked(op.Inputs)
			return nil, err
		}
	}

	l := &Lease{pool: p, op: op}
	for _, out := range op.Outputs {
		out.pins++
	}
	for _, out := range op.Outputs {
		if out.resident() {
			continue
		}
		b, err := p.allocateLocked(out.bytes)
		if err != nil {
			p.discardLocked(l.fresh)
			p.unpinLocked(op.Outputs)
			p.unpinLocked(op.Inputs)
			return nil, fmt.Errorf("allocate output '%s': %w", out.name, err)
		}
		p.placeLocked(out, b)
		l.fresh = append(l.fresh, out)
	}

	for _, in := range op.Inputs {
		l.Inputs = append(l.Inputs, in.arg())
	}
	for _, out := range op.Outputs {
		l.Outputs = append(l.Outputs, out.arg())
	}
	return l, nil
}

// freezeUsersLocked handles an overwrite of out: every live value whose
// recompute reads out's current contents is made resident and permanently
// non-evictable, since recomputing it afterwards would read the new contents.
// Released values are not preserved themselves but are walked through, so
// live values that recompute through them are frozen as well.
func (p *Pool) freezeUsersLocked(ctx context.Context, op *Op, out *Tensor) error {
	seen := make(map[*Tensor]bool)
	stack := sortedUsers(out)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] || isOutput(op, u) {
			continue
		}
		seen[u] = true
		if u.released {
			stack = append(stack, sortedUsers(u)...)
			continue
		}
		if u.frozen {
			continue
		}
		u.pins++
		err := p.materializeLocked(ctx, u)
		u.pins--
		if err != nil {
			return fmt.Errorf("preserve '%s' before overwriting '%s': %w", u.name, out.name, err)
		}
		u.frozen = true
		u.evictable = false
		p.logger.Debug("Froze dependent value before overwrite.", "tensor", u.name, "overwritten", out.name)
	}
	return nil
}

// sortedUsers returns t's users in descending slot order, so a stack pops
// them lowest slot first.
func sortedUsers(t *Tensor) []*Tensor {
	users := make([]*Tensor, 0, len(t.users))
	for u := range t.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b *Tensor) int { return cmp.Compare(b.slot, a.slot) })
	return users
}

// Scratch allocates a transient buffer through the pool.
func (l *Lease) Scratch(size int64) ([]float64, func(), error) {
	if size <= 0 {
		return nil, func() {}, nil
	}
	b, err := l.pool.Allocate(size)
	if err != nil {
		return nil, func() {}, fmt.Errorf("allocate %d scratch bytes: %w", size, err)
	}
	return b.Data, func() { l.pool.Deallocate(b) }, nil
}

// Commit records a successful compute: it installs the op as producer of its
// outputs, updates costs and the clock, drops all pins and applies eager
// eviction. Outputs that alias an input are never made evictable.
func (l *Lease) Commit() {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	l.close()

	op := l.op
	for _, out := range op.Outputs {
		p.setProducerLocked(out, op)
		out.produced = true
		switch {
		case aliased(op, out):
			out.evictable = false
		case !out.frozen:
			out.evictable = true
		}
	}
	cost := p.touchLocked(op)
	p.unpinLocked(op.Outputs)
	p.unpinLocked(op.Inputs)

	if p.cfg.Enabled && p.cfg.EagerEviction {
		for _, in := range op.Inputs {
			if in.retain || !in.candidate() || isOutput(op, in) {
				continue
			}
			p.evictLocked(in)
			p.stats.EagerEvictions++
		}
	}
	p.logger.Debug("Committed op.", "kernel", op.Name(), "cost", cost, "clock", p.clock)
}

// Abort drops all pins after a failed compute and frees outputs that were
// allocated by Prepare.
func (l *Lease) Abort() {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	l.close()

	p.discardLocked(l.fresh)
	p.unpinLocked(l.op.Outputs)
	p.unpinLocked(l.op.Inputs)
}

func (l *Lease) close() {
	if l.closed {
		panic("remat: lease closed twice")
	}
	l.closed = true
}

func isOutput(op *Op, t *Tensor) bool {
	for _, out := range op.Outputs {
		if out == t {
			return true
		}
	}
	return false
}
