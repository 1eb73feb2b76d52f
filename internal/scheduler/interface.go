package scheduler

// Probe is called on the scheduler goroutine at the end of every tick. It
// may inspect the scheduler and pause or resume dispatch. Returning true
// unregisters it.
type Probe func(s *Scheduler) bool

// Counters are lifetime totals, safe to read from any goroutine.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Inserted  uint64 `json:"inserted"`
	Erased    uint64 `json:"erased"`
	Fused     uint64 `json:"fused"`
	Rejected  uint64 `json:"rejected"`
	Canceled  uint64 `json:"canceled"`
	Failed    uint64 `json:"failed"`
	Ticks     uint64 `json:"ticks"`
}
