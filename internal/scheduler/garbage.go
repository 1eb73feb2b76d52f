package scheduler

import (
	"github.com/vk/flowvm/internal/instr"
)

// collect appends Done instructions to the garbage queue.
func (s *Scheduler) collect(ins ...*instr.Instruction) {
	if len(ins) == 0 {
		return
	}
	s.gmu.Lock()
	s.garbage = append(s.garbage, ins...)
	s.gmu.Unlock()

	select {
	case s.gwake <- struct{}{}:
	default:
	}
}

// GarbageReady is signalled whenever the garbage queue grows.
func (s *Scheduler) GarbageReady() <-chan struct{} { return s.gwake }

// TakeGarbage drains the garbage queue.
func (s *Scheduler) TakeGarbage() []*instr.Instruction {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	out := s.garbage
	s.garbage = nil
	return out
}

// Reclaim finalizes an instruction taken from the garbage queue: it moves
// it to Garbage, records its outcome on its batch and drops it from the
// live count. The callback goroutine calls it once per instruction.
func (s *Scheduler) Reclaim(in *instr.Instruction) {
	in.SetState(instr.Garbage)
	if b := in.Batch(); b != nil {
		b.Finalize(in)
	}
	s.live.Add(-1)
}
