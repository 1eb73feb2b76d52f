package depgraph

import (
	"fmt"

	"github.com/vk/flowvm/internal/instr"
)

// DetectCycles checks the live instruction graph for cycles. Edges only
// point from earlier to later submissions, so a cycle means the builder or
// the fusion pass is broken.
func DetectCycles(arena *instr.Arena) error {
	permanent := make(map[instr.Handle]bool)
	temporary := make(map[instr.Handle]bool)

	var visit func(in *instr.Instruction) error
	visit = func(in *instr.Instruction) error {
		h := in.Handle()
		if permanent[h] {
			return nil
		}
		if temporary[h] {
			return fmt.Errorf("cycle detected involving instruction '%s'", in.Name)
		}
		temporary[h] = true
		for _, e := range in.Succs() {
			next, ok := arena.Get(e.To)
			if !ok {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(temporary, h)
		permanent[h] = true
		return nil
	}

	var err error
	arena.Each(func(in *instr.Instruction) {
		if err == nil && !permanent[in.Handle()] {
			err = visit(in)
		}
	})
	return err
}
