// Package observer defines the completion notifications the engine's
// callback goroutine delivers for every reclaimed instruction.
package observer

import (
	"context"
	"errors"
	"time"

	"github.com/vk/flowvm/internal/instr"
)

// Status summarizes how an instruction ended.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
)

// Event is one finalized instruction.
type Event struct {
	Instruction string    `json:"instruction"`
	Kind        string    `json:"kind"`
	Stream      string    `json:"stream"`
	Seq         uint64    `json:"seq"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Finished    time.Time `json:"finished"`
}

// FromInstruction builds the event for a Done instruction.
func FromInstruction(in *instr.Instruction) Event {
	ev := Event{
		Instruction: in.Name,
		Stream:      in.Stream,
		Seq:         in.Seq(),
		Status:      StatusOK,
		Finished:    in.FinishedAt(),
	}
	if in.Operand != nil {
		ev.Kind = in.Operand.Kind().String()
	}
	if err := in.Err(); err != nil {
		ev.Error = err.Error()
		switch {
		case errors.Is(err, instr.ErrRejected):
			ev.Status = StatusRejected
		case errors.Is(err, instr.ErrCanceled):
			ev.Status = StatusCanceled
		case errors.Is(err, instr.ErrUpstreamFailed):
			ev.Status = StatusSkipped
		default:
			ev.Status = StatusFailed
		}
	}
	return ev
}

// Observer receives events on the callback goroutine. Implementations must
// not block for long; a returned error is logged and otherwise ignored.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans events out to several observers.
type Multi []Observer

// Observe delivers ev to every observer and joins their errors.
func (m Multi) Observe(ctx context.Context, ev Event) error {
	var errs []error
	for _, o := range m {
		if err := o.Observe(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every observer and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, o := range m {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
