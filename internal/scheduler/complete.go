package scheduler

import (
	"fmt"

	"github.com/vk/flowvm/internal/instr"
)

// complete marks in Done, resolves its successor edges and retires it.
// Successors whose last predecessor resolves are either enqueued on their
// stream or, when doomed by an upstream failure, completed in turn.
func (s *Scheduler) complete(first *instr.Instruction) {
	work := []*instr.Instruction{first}
	for len(work) > 0 {
		in := work[len(work)-1]
		work = work[:len(work)-1]

		in.SetState(instr.Done)
		failed := in.Err() != nil
		if failed {
			s.counters.failed.Add(1)
			s.logger.Debug("Instruction failed.", "instruction", in.Name, "error", in.Err())
		}

		for _, e := range in.Succs() {
			succ, ok := s.arena.Get(e.To)
			if !ok {
				continue
			}
			if failed && e.Kind != instr.BarrierEdge && !succ.Completed() && in.Taints(e.Slots) {
				succ.Finish(fmt.Errorf("'%s' skipped after '%s' failed: %w", succ.Name, in.Name, instr.ErrUpstreamFailed))
			}
			if succ.ResolvePred() > 0 {
				continue
			}
			if succ.Completed() {
				work = append(work, succ)
				continue
			}
			s.streams[succ.Stream].Enqueue(succ)
		}
		s.retire(in)
	}
}

// retire removes a Done instruction from the graph and hands it, or its
// members, to the garbage queue.
func (s *Scheduler) retire(in *instr.Instruction) {
	s.arena.Remove(in.Handle())
	s.counters.erased.Add(1)

	done := []*instr.Instruction{in}
	if f, ok := in.Operand.(*instr.Fused); ok {
		done = f.Members
		for _, m := range done {
			if !m.Completed() {
				m.Finish(in.Err())
			}
			m.SetState(instr.Done)
		}
	}
	for _, m := range done {
		if r, ok := m.Operand.(*instr.Release); ok && m.Err() == nil {
			s.builder.Forget(r.Tensor.Slot())
		}
	}
	s.collect(done...)
}
