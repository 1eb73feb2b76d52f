package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vk/flowvm/internal/instr"
)

// DebugString lists the live instructions in submission order with their
// state, stream and unresolved predecessor count, followed by per-stream
// queue depths. Only probes and the loop goroutine may call it.
func (s *Scheduler) DebugString() string {
	var live []*instr.Instruction
	s.arena.Each(func(in *instr.Instruction) {
		live = append(live, in)
	})
	sort.Slice(live, func(i, j int) bool { return live[i].Seq() < live[j].Seq() })

	c := s.Counters()
	var sb strings.Builder
	fmt.Fprintf(&sb, "flying=%d inserted=%d erased=%d live=%d\n", len(live), c.Inserted, c.Erased, s.Live())
	for _, in := range live {
		fmt.Fprintf(&sb, "  %4d %s %s preds=%d\n", in.Seq(), in.Handle(), in, in.Preds())
	}
	for _, st := range s.order {
		stats := st.Stats()
		fmt.Fprintf(&sb, "  stream %s (%s): ready=%d inflight=%d\n", stats.Name, stats.Kind, stats.Ready, stats.Inflight)
	}
	return sb.String()
}
