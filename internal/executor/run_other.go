package executor

import (
	"context"
	"fmt"

	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/slot"
	"github.com/vk/flowvm/internal/stream"
)

func (e *Executor) runRelease(name string, op *instr.Release) error {
	if err := e.pool.Release(op.Tensor); err != nil {
		return fmt.Errorf("release in '%s': %w", name, err)
	}
	e.slots.Unregister(op.Tensor.Slot())
	return nil
}

func (e *Executor) runControl(ctx context.Context, op *instr.Control) error {
	if op.Fn == nil {
		return nil
	}
	return op.Fn(ctx)
}

// runFused executes members in order. A failing member taints the slots it
// touches; a later member that conflicts with a tainted slot is skipped, as
// it would have been had the members been dispatched separately.
func (e *Executor) runFused(ctx context.Context, dev *stream.DeviceCtx, in *instr.Instruction, op *instr.Fused) error {
	taintedWrites := make(map[slot.ID]struct{})
	taintedReads := make(map[slot.ID]struct{})
	var firstErr error

	taint := func(m *instr.Instruction) {
		for _, s := range m.Writes() {
			taintedWrites[s] = struct{}{}
		}
		for _, s := range m.Reads() {
			taintedReads[s] = struct{}{}
		}
	}

	for _, m := range op.Members {
		if conflicts(m, taintedWrites, taintedReads) {
			m.Finish(fmt.Errorf("'%s': %w", m.Name, instr.ErrUpstreamFailed))
			taint(m)
			continue
		}
		m.SetState(instr.Running)
		err := e.Execute(ctx, dev, m)
		m.Finish(err)
		if err != nil {
			taint(m)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		scope := make(map[slot.ID]struct{}, len(taintedWrites)+len(taintedReads))
		for s := range taintedWrites {
			scope[s] = struct{}{}
		}
		for s := range taintedReads {
			scope[s] = struct{}{}
		}
		in.SetTaint(scope)
	}
	return firstErr
}

// conflicts reports whether m reads or writes a slot a failed member wrote,
// or writes a slot a failed member read.
func conflicts(m *instr.Instruction, writes, reads map[slot.ID]struct{}) bool {
	for _, s := range m.Slots() {
		if _, ok := writes[s]; ok {
			return true
		}
	}
	for _, s := range m.Writes() {
		if _, ok := reads[s]; ok {
			return true
		}
	}
	return false
}
