// Package scheduler provides the single scheduling loop that moves
// instructions from submission to reclamation.
//
// # Why Scheduler Exists
//
// Instructions arrive from many goroutines, touch shared resource slots and
// run on several streams at once. Something has to decide, without locks on
// the hot path, which instruction may run next. The scheduler owns the
// instruction arena, the dependency builder and the stream ready lists; no
// other goroutine mutates them. Everything external is funneled through the
// inbound queue.
//
// # How It Works
//
// Run repeats a tick until its context ends:
//  1. Drain the inbound queue. Each batch is validated as a whole, fused
//     where consecutive instructions allow it, inserted into the arena and
//     linked by the dependency builder.
//  2. Dispatch ready instructions from every stream's head, within the
//     stream's in-flight window.
//  3. Poll every stream for completed instructions. Completion resolves
//     successor edges; a failure dooms the successors it taints.
//  4. Move completed instructions to the garbage queue for the callback
//     goroutine.
//  5. Run registered probes.
//
// When a tick makes no progress the loop waits for a wake-up (a submission
// or a stream completion) or the poll interval, whichever comes first. The
// loop never waits on the inbound queue alone.
//
// # Failure Propagation
//
// A failed instruction does not stop the loop. Its successors are doomed:
// they stay in the graph until their own predecessors resolve, so ordering
// against later writers is preserved, and are then completed with
// instr.ErrUpstreamFailed without being dispatched. Barrier edges order but
// never propagate failure.
package scheduler
