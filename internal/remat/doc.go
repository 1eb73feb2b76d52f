// Package remat implements the rematerialization memory manager.
//
// A Pool owns every rematerializable tensor value on a device. When an
// allocation fails for lack of memory, the pool evicts the resident value with
// the lowest policy score (frees its storage, keeps its producer) and retries.
// Pinning an evicted value recomputes it, and any evicted ancestors, from the
// recorded producing op before returning.
//
// Recompute is driven by an explicit stack rather than recursion, so the depth
// of an ancestor chain never grows the goroutine stack.
//
// All pool state is guarded by a single mutex. Stream workers call Prepare and
// Commit around each kernel, and recomputes run while that mutex is held.
package remat
