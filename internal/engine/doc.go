// Package engine wires the slot registry, allocator, tensor pool, streams,
// executor and scheduler into one running instance.
//
// # Goroutines
//
// Start launches, in one errgroup, the scheduler loop, one worker per
// stream and the callback goroutine that drains the scheduler's garbage
// queue, notifies observers and finalizes batches. A panic inside an
// instruction (an internal consistency error) stops the group; every
// waiter then sees the fatal error.
//
// # Submitting Work
//
// Tensors are created with NewTensor and referenced by instructions built
// with the instr constructors. Submit validates a batch against the slot
// registry and the stream set before queueing it, so configuration errors
// are reported synchronously. Kernel and allocation failures surface
// through the returned batch.
package engine
