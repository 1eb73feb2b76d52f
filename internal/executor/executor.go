// Package executor runs a single instruction on a stream's device. It is the
// ExecFunc every stream worker calls, and the only place that switches over
// the operand variants.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/slot"
	"github.com/vk/flowvm/internal/stream"
)

// KernelError reports a failed kernel compute.
type KernelError struct {
	Instruction string
	Kernel      string
	Err         error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel '%s' failed in '%s': %v", e.Kernel, e.Instruction, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Executor executes instructions against a tensor pool.
type Executor struct {
	pool   *remat.Pool
	slots  *slot.Registry
	logger *slog.Logger
}

// New creates an executor.
func New(pool *remat.Pool, slots *slot.Registry, logger *slog.Logger) *Executor {
	return &Executor{
		pool:   pool,
		slots:  slots,
		logger: logger.With("component", "executor"),
	}
}

// Execute runs in. Its signature matches stream.ExecFunc.
func (e *Executor) Execute(ctx context.Context, dev *stream.DeviceCtx, in *instr.Instruction) error {
	switch op := in.Operand.(type) {
	case *instr.Call:
		return e.runCall(ctx, dev, in.Name, op.Op)
	case *instr.Copy:
		return e.runCopy(ctx, dev, in.Name, op)
	case *instr.Release:
		return e.runRelease(in.Name, op)
	case *instr.Control:
		return e.runControl(ctx, op)
	case *instr.Fused:
		return e.runFused(ctx, dev, in, op)
	default:
		panic(fmt.Sprintf("executor: unhandled operand %T", op))
	}
}
