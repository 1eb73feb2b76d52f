package observer

import (
	"context"

	"github.com/vk/flowvm/internal/ctxlog"
)

// Log writes one debug line per event, or a warning for failures, to the
// logger carried by the context.
type Log struct{}

func (Log) Observe(ctx context.Context, ev Event) error {
	logger := ctxlog.FromContext(ctx)
	if ev.Status == StatusOK {
		logger.Debug("Instruction finished.", "instruction", ev.Instruction, "kind", ev.Kind, "stream", ev.Stream, "seq", ev.Seq)
		return nil
	}
	logger.Warn("Instruction did not succeed.", "instruction", ev.Instruction, "status", ev.Status, "error", ev.Error)
	return nil
}

func (Log) Close() error { return nil }
