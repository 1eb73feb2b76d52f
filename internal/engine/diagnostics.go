package engine

import (
	"context"

	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/scheduler"
	"github.com/vk/flowvm/internal/stream"
)

// Stats is the engine-wide diagnostic view.
type Stats struct {
	Idle     bool               `json:"idle"`
	Live     int                `json:"live"`
	Flying   int                `json:"flying"`
	Counters scheduler.Counters `json:"counters"`
	Edges    map[string]uint64  `json:"edges"`
	Streams  []stream.Stats     `json:"streams"`
	Memory   alloc.Stats        `json:"memory"`
	Pool     remat.Snapshot     `json:"pool"`
}

// Snapshot returns the pool's resident set and eviction candidates.
func (e *Engine) Snapshot() remat.Snapshot { return e.pool.Snapshot() }

// Stats collects the diagnostic view. Scheduler-owned state is read by a
// probe, so the engine must be running.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.onLoop(ctx, func(s *scheduler.Scheduler) {
		st.Flying = s.Flying()
		st.Edges = make(map[string]uint64)
		for k, v := range s.Builder().EdgeCounts() {
			st.Edges[k.String()] = v
		}
		for _, str := range s.Streams() {
			st.Streams = append(st.Streams, str.Stats())
		}
	})
	if err != nil {
		return Stats{}, err
	}
	st.Idle = e.Idle()
	st.Live = e.LiveCount()
	st.Counters = e.sched.Counters()
	st.Memory = e.budget.Stats()
	st.Pool = e.pool.Snapshot()
	return st, nil
}

// Debug returns the scheduler's live instruction dump.
func (e *Engine) Debug(ctx context.Context) (string, error) {
	var out string
	err := e.onLoop(ctx, func(s *scheduler.Scheduler) { out = s.DebugString() })
	return out, err
}

// onLoop runs fn once on the scheduler goroutine and waits for it.
func (e *Engine) onLoop(ctx context.Context, fn func(s *scheduler.Scheduler)) error {
	ran := make(chan struct{})
	e.sched.AddProbe(func(s *scheduler.Scheduler) bool {
		fn(s)
		close(ran)
		return true
	})
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrNotRunning
	}
}
