package instr

// State is an instruction's position in its lifecycle.
type State int32

const (
	// Pending instructions wait for predecessors.
	Pending State = iota
	// Ready instructions have no unresolved predecessors.
	Ready
	// Dispatched instructions are queued on their stream.
	Dispatched
	// Running instructions are being executed by a stream worker.
	Running
	// Done instructions have finished, successfully or not.
	Done
	// Garbage instructions have been finalized by the callback goroutine.
	Garbage
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case Running:
		return "running"
	case Done:
		return "done"
	case Garbage:
		return "garbage"
	default:
		return "unknown"
	}
}
