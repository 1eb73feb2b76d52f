package instr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// BatchStatus is the admission state of a batch.
type BatchStatus int32

const (
	// Queued batches wait in the inbound queue.
	Queued BatchStatus = iota
	// Accepted batches have been ingested by the scheduler.
	Accepted
	// Rejected batches failed validation.
	Rejected
	// Canceled batches were withdrawn before ingestion.
	Canceled
)

func (s BatchStatus) String() string {
	switch s {
	case Queued:
		return "queued"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Batch is a group of instructions submitted together. Its completion is
// signalled once every instruction has been finalized.
type Batch struct {
	Instructions []*Instruction

	status    atomic.Int32
	remaining atomic.Int64
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// NewBatch groups instructions into a batch and claims them for it. An
// instruction can be claimed once; if any of ins is nil, already claimed or
// listed twice, nothing is claimed and the error wraps ErrRejected.
func NewBatch(ins ...*Instruction) (*Batch, error) {
	for i, in := range ins {
		if in == nil || !in.claimed.CompareAndSwap(false, true) {
			for _, prev := range ins[:i] {
				prev.claimed.Store(false)
			}
			if in == nil {
				return nil, fmt.Errorf("%w: nil instruction at %d", ErrRejected, i)
			}
			return nil, fmt.Errorf("%w: instruction '%s': %w", ErrRejected, in.Name, ErrAlreadySubmitted)
		}
	}

	b := &Batch{
		Instructions: ins,
		done:         make(chan struct{}),
	}
	for _, in := range ins {
		in.batch = b
	}
	b.remaining.Store(int64(len(ins)))
	if len(ins) == 0 {
		close(b.done)
	}
	return b, nil
}

// Len returns the number of instructions.
func (b *Batch) Len() int { return len(b.Instructions) }

// Status returns the admission state.
func (b *Batch) Status() BatchStatus { return BatchStatus(b.status.Load()) }

// Cancel withdraws a batch that has not been ingested yet. It reports
// whether the cancellation took effect.
func (b *Batch) Cancel() bool {
	return b.status.CompareAndSwap(int32(Queued), int32(Canceled))
}

// Admit moves a queued batch to to. It fails if the batch was canceled.
func (b *Batch) Admit(to BatchStatus) bool {
	return b.status.CompareAndSwap(int32(Queued), int32(to))
}

// Done is closed when every instruction has been finalized.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Err returns the batch's root-cause error. Upstream-skip errors only
// surface when no instruction failed on its own.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Wait blocks until the batch completes or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize records one instruction's outcome. It is called exactly once per
// instruction by the callback goroutine.
func (b *Batch) Finalize(in *Instruction) {
	if err := in.Err(); err != nil {
		b.mu.Lock()
		if b.err == nil || (errors.Is(b.err, ErrUpstreamFailed) && !errors.Is(err, ErrUpstreamFailed)) {
			b.err = err
		}
		b.mu.Unlock()
	}
	if b.remaining.Add(-1) == 0 {
		close(b.done)
	}
}
