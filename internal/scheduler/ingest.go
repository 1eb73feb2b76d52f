package scheduler

import (
	"fmt"

	"github.com/vk/flowvm/internal/depgraph"
	"github.com/vk/flowvm/internal/instr"
)

// ingest drains the inbound queue and links every accepted batch into the
// live graph. It returns the number of instructions taken off the queue.
func (s *Scheduler) ingest() (int, error) {
	s.mu.Lock()
	batches := s.inbound
	s.inbound = nil
	s.mu.Unlock()

	n := 0
	for _, b := range batches {
		n += b.Len()
		if err := s.validate(b.Instructions); err != nil {
			if b.Admit(instr.Rejected) {
				s.counters.rejected.Add(1)
				s.logger.Warn("Batch rejected.", "size", b.Len(), "error", err)
				s.reject(b, fmt.Errorf("%w: %w", instr.ErrRejected, err))
			} else {
				s.cancel(b)
			}
			continue
		}
		if !b.Admit(instr.Accepted) {
			s.cancel(b)
			continue
		}

		for _, in := range s.fuse(b.Instructions) {
			s.insert(in)
		}
		if s.cfg.VerifyGraph {
			if err := depgraph.DetectCycles(s.arena); err != nil {
				return n, fmt.Errorf("dependency graph check failed: %w", err)
			}
		}
	}
	return n, nil
}

func (s *Scheduler) validate(ins []*instr.Instruction) error {
	seen := make(map[*instr.Instruction]struct{}, len(ins))
	for _, in := range ins {
		if in.Operand == nil {
			return fmt.Errorf("instruction '%s' has no operand", in.Name)
		}
		if _, dup := seen[in]; dup {
			return fmt.Errorf("instruction '%s': %w", in.Name, instr.ErrAlreadySubmitted)
		}
		seen[in] = struct{}{}
		if in.State() != instr.Pending || !in.Handle().IsZero() {
			return fmt.Errorf("instruction '%s': %w", in.Name, instr.ErrAlreadySubmitted)
		}
		if _, ok := s.streams[in.Stream]; !ok {
			return fmt.Errorf("instruction '%s' targets stream '%s': %w", in.Name, in.Stream, ErrUnknownStream)
		}
	}
	return s.builder.Validate(ins)
}

func (s *Scheduler) cancel(b *instr.Batch) {
	s.counters.canceled.Add(1)
	s.logger.Debug("Batch canceled before ingestion.", "size", b.Len())
	s.reject(b, instr.ErrCanceled)
}

// reject completes every instruction of b with err without linking it.
func (s *Scheduler) reject(b *instr.Batch, err error) {
	for _, in := range b.Instructions {
		in.Fail(err)
	}
	s.collect(b.Instructions...)
}

func (s *Scheduler) insert(in *instr.Instruction) {
	s.seq++
	in.SetSeq(s.seq)
	s.arena.Insert(in)
	s.counters.inserted.Add(1)

	edges := s.builder.Connect(in)
	s.logger.Debug("Instruction linked.", "instruction", in.Name, "stream", in.Stream, "preds", in.Preds(), "edges", len(edges))
	if in.Preds() == 0 {
		s.streams[in.Stream].Enqueue(in)
	}
}

// fuse merges runs of consecutive fusible instructions on the same stream
// into fused instructions of at most FusionWindow members. Runs never span
// batches, so the merged sequence has the same accesses in the same order.
func (s *Scheduler) fuse(ins []*instr.Instruction) []*instr.Instruction {
	window := s.cfg.FusionWindow
	if window < 2 {
		return ins
	}

	out := make([]*instr.Instruction, 0, len(ins))
	var run []*instr.Instruction
	flush := func() {
		switch len(run) {
		case 0:
		case 1:
			out = append(out, run[0])
		default:
			members := append([]*instr.Instruction(nil), run...)
			out = append(out, instr.NewFused(members[0].Stream, members))
			s.counters.fused.Add(1)
		}
		run = run[:0]
	}

	for _, in := range ins {
		if !in.Fusible() {
			flush()
			out = append(out, in)
			continue
		}
		if len(run) > 0 && (run[0].Stream != in.Stream || len(run) == window) {
			flush()
		}
		run = append(run, in)
	}
	flush()
	return out
}
