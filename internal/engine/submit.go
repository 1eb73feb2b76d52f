package engine

import (
	"context"
	"fmt"

	"github.com/vk/flowvm/internal/depgraph"
	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/scheduler"
	"github.com/vk/flowvm/internal/slot"
)

// NewTensor registers a slot for a tensor of the given shape and adds the
// tensor to the pool. Retained tensors are never evicted eagerly.
func (e *Engine) NewTensor(name string, shape []int, retain bool) (*remat.Tensor, error) {
	id := e.slots.Register(name, kernels.Bytes(shape))
	t, err := e.pool.NewTensor(id, name, shape, retain)
	if err != nil {
		e.slots.Unregister(id)
		return nil, err
	}
	return t, nil
}

// Submit validates ins as one batch and queues it. A batch that references
// unknown slots or streams, or an instruction that was already submitted, is
// rejected here and never queued.
func (e *Engine) Submit(ins ...*instr.Instruction) (*instr.Batch, error) {
	for i, in := range ins {
		if in == nil {
			return nil, fmt.Errorf("%w: nil instruction at %d", instr.ErrRejected, i)
		}
		if !e.sched.HasStream(in.Stream) {
			return nil, fmt.Errorf("%w: instruction '%s' targets stream '%s': %w", instr.ErrRejected, in.Name, in.Stream, scheduler.ErrUnknownStream)
		}
		if missing := e.slots.Missing(in.Slots()...); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %w", instr.ErrRejected, &depgraph.ConfigError{Instruction: in.Name, Missing: missing})
		}
	}
	b, err := instr.NewBatch(ins...)
	if err != nil {
		return nil, err
	}
	e.sched.Submit(b)
	e.logger.Debug("Batch submitted.", "size", b.Len())
	return b, nil
}

// Wait blocks until b completes, ctx is done or the engine stops.
func (e *Engine) Wait(ctx context.Context, b *instr.Batch) error {
	select {
	case <-b.Done():
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		if err := e.Err(); err != nil {
			return err
		}
		return ErrNotRunning
	}
}

// Run submits ins and waits for them.
func (e *Engine) Run(ctx context.Context, ins ...*instr.Instruction) error {
	b, err := e.Submit(ins...)
	if err != nil {
		return err
	}
	return e.Wait(ctx, b)
}

// Read copies a tensor to the host. It is ordered after every earlier write
// of the tensor and recomputes it if it was evicted.
func (e *Engine) Read(ctx context.Context, t *remat.Tensor) ([]float64, error) {
	var out []float64
	in := instr.NewControl("read("+t.Name()+")", e.control, func(ctx context.Context) error {
		data, err := e.pool.Read(ctx, t)
		out = data
		return err
	}, []slot.ID{t.Slot()}, nil)

	if err := e.Run(ctx, in); err != nil {
		return nil, err
	}
	return out, nil
}

// Barrier submits a barrier on the control stream and waits for it.
func (e *Engine) Barrier(ctx context.Context) error {
	return e.Run(ctx, instr.NewBarrier("barrier", e.control, nil))
}

// ControlStream returns the name of the stream used for control
// instructions.
func (e *Engine) ControlStream() string { return e.control }

// AddProbe registers a scheduler probe.
func (e *Engine) AddProbe(p scheduler.Probe) { e.sched.AddProbe(p) }

// Idle reports whether every submitted instruction has been reclaimed.
func (e *Engine) Idle() bool { return e.sched.Idle() }

// LiveCount returns the number of submitted instructions not yet reclaimed.
func (e *Engine) LiveCount() int { return e.sched.Live() }

// Pool exposes the tensor pool.
func (e *Engine) Pool() *remat.Pool { return e.pool }
