package executor

import (
	"context"
	"fmt"

	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/stream"
)

// runCall pins and materializes the inputs, allocates outputs, runs the
// kernel with scoped scratch and commits or aborts the lease.
func (e *Executor) runCall(ctx context.Context, dev *stream.DeviceCtx, name string, op *remat.Op) error {
	logger := e.logger.With("instruction", name, "kernel", op.Name())
	logger.Debug("Preparing call.")

	lease, err := e.pool.Prepare(ctx, op)
	if err != nil {
		return fmt.Errorf("prepare '%s': %w", name, err)
	}

	inShapes := make([][]int, len(op.Inputs))
	for i, in := range op.Inputs {
		inShapes[i] = in.Shape()
	}
	scratch := op.Kernel.ScratchBytes(inShapes, op.Attrs)

	err = dev.WithScratch(scratch, func(buf []float64) error {
		args := &kernels.Args{
			Inputs:  lease.Inputs,
			Outputs: lease.Outputs,
			Scratch: buf,
			Attrs:   op.Attrs,
		}
		if err := op.Kernel.Compute(ctx, args); err != nil {
			return &KernelError{Instruction: name, Kernel: op.Name(), Err: err}
		}
		return nil
	})
	if err != nil {
		lease.Abort()
		logger.Debug("Call aborted.", "error", err)
		return err
	}

	lease.Commit()
	logger.Debug("Call committed.")
	return nil
}

// runCopy moves a tensor across streams through the copy kernel, so the
// destination stays recomputable from its source.
func (e *Executor) runCopy(ctx context.Context, dev *stream.DeviceCtx, name string, cp *instr.Copy) error {
	op := &remat.Op{
		Kernel:  kernels.Copy(),
		Inputs:  []*remat.Tensor{cp.Src},
		Outputs: []*remat.Tensor{cp.Dst},
	}
	return e.runCall(ctx, dev, name, op)
}
