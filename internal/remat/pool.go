package remat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/slot"
)

// Config controls the pool's reclamation behaviour.
type Config struct {
	// Enabled turns on eviction. With it off, allocation failures are
	// reported immediately.
	Enabled bool
	Policy  Policy
	// EagerEviction evicts a call's inputs as soon as the call unpins them,
	// unless they are marked retain.
	EagerEviction bool
}

// Stats are the pool's running counters.
type Stats struct {
	Tensors        int    `json:"tensors"`
	ResidentBytes  int64  `json:"resident_bytes"`
	PeakBytes      int64  `json:"peak_bytes"`
	Evictions      uint64 `json:"evictions"`
	EagerEvictions uint64 `json:"eager_evictions"`
	Recomputes     uint64 `json:"recomputes"`
}

// Pool is the registry of rematerializable tensors for one device.
type Pool struct {
	mu      sync.Mutex
	alloc   alloc.Allocator
	cfg     Config
	logger  *slog.Logger
	tensors map[slot.ID]*Tensor
	clock   float64
	stats   Stats
}

// NewPool creates a pool that allocates from a.
func NewPool(a alloc.Allocator, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Policy == nil {
		cfg.Policy = DefaultDTR()
	}
	return &Pool{
		alloc:   a,
		cfg:     cfg,
		logger:  logger.With("component", "remat"),
		tensors: make(map[slot.ID]*Tensor),
	}
}

// NewTensor registers an unproduced tensor for a slot. Tensors marked retain
// are never eagerly evicted.
func (p *Pool) NewTensor(id slot.ID, name string, shape []int, retain bool) (*Tensor, error) {
	if !kernels.ValidShape(shape) {
		return nil, fmt.Errorf("tensor '%s': invalid shape %v", name, shape)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tensors[id]; exists {
		return nil, fmt.Errorf("%s: %w", id, ErrDuplicateTensor)
	}
	t := &Tensor{
		slot:   id,
		name:   name,
		shape:  append([]int(nil), shape...),
		bytes:  kernels.Bytes(shape),
		retain: retain,
		users:  make(map[*Tensor]struct{}),
	}
	p.tensors[id] = t
	p.stats.Tensors++
	return t, nil
}

// Lookup finds the tensor bound to a slot.
func (p *Pool) Lookup(id slot.ID) (*Tensor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tensors[id]
	return t, ok
}

// Clock returns the logical clock.
func (p *Pool) Clock() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Allocate serves transient allocations (scratch buffers) from the pool's
// allocator, evicting under pressure like any output allocation.
func (p *Pool) Allocate(size int64) (*alloc.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateLocked(size)
}

// Deallocate returns a transient allocation.
func (p *Pool) Deallocate(b *alloc.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alloc.Deallocate(b)
}

// Pin protects tensors from eviction, recomputing any that are not
// resident. Every successful Pin must be matched by Unpin.
func (p *Pool) Pin(ctx context.Context, ts ...*Tensor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinLocked(ctx, ts)
}

// Unpin releases pins taken by Pin.
func (p *Pool) Unpin(ts ...*Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpinLocked(ts)
}

// Read pins t, copies its contents out and unpins it.
func (p *Pool) Read(ctx context.Context, t *Tensor) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pinLocked(ctx, []*Tensor{t}); err != nil {
		return nil, err
	}
	defer p.unpinLocked([]*Tensor{t})

	out := make([]float64, kernels.NumElements(t.shape))
	copy(out, t.block.Data)
	t.lastAccess = p.clock
	return out, nil
}

// Release drops a tensor. Its storage is freed at once; its bookkeeping stays
// while another live tensor may need it for recompute.
func (p *Pool) Release(t *Tensor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.released {
		return fmt.Errorf("release '%s': %w", t.name, ErrReleased)
	}
	if t.pins > 0 {
		panic(&ConsistencyError{Slot: t.slot, Reason: fmt.Sprintf("release of pinned tensor (pins=%d)", t.pins)})
	}
	t.released = true
	p.freeLocked(t)
	if len(t.users) == 0 {
		p.deleteLocked(t)
	}
	p.logger.Debug("Tensor released.", "tensor", t.name, "slot", t.slot)
	return nil
}

func (p *Pool) pinLocked(ctx context.Context, ts []*Tensor) error {
	for _, t := range ts {
		if t.released {
			return fmt.Errorf("pin '%s': %w", t.name, ErrReleased)
		}
	}
	// Pin everything first so materializing one tensor cannot evict another.
	for _, t := range ts {
		t.pins++
	}
	for _, t := range ts {
		if err := p.materializeLocked(ctx, t); err != nil {
			p.unpinLocked(ts)
			return err
		}
	}
	return nil
}

func (p *Pool) unpinLocked(ts []*Tensor) {
	for _, t := range ts {
		if t.pins <= 0 {
			panic(&ConsistencyError{Slot: t.slot, Reason: "unpin of an unpinned tensor"})
		}
		t.pins--
	}
}

// allocateLocked allocates size bytes, evicting the lowest-scored candidate
// after each out-of-memory failure until the request fits or nothing is left.
func (p *Pool) allocateLocked(size int64) (*alloc.Block, error) {
	evicted := 0
	for {
		b, err := p.alloc.Allocate(size)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, alloc.ErrOutOfMemory) {
			return nil, err
		}
		if !p.cfg.Enabled {
			return nil, &AllocationError{Size: size, Evicted: evicted, Err: err}
		}
		victim := p.victimLocked()
		if victim == nil {
			p.logger.Warn("No eviction candidate left.", "size", size, "evicted", evicted)
			return nil, &AllocationError{Size: size, Evicted: evicted, Err: err}
		}
		p.evictLocked(victim)
		p.stats.Evictions++
		evicted++
	}
}

// victimLocked returns the candidate with the lowest score, breaking ties by
// slot ID so runs are reproducible.
func (p *Pool) victimLocked() *Tensor {
	var best *Tensor
	var bestScore float64
	for _, t := range p.tensors {
		if !t.candidate() {
			continue
		}
		score := p.cfg.Policy.Score(p.candidateOf(t))
		if best == nil || score < bestScore || (score == bestScore && t.slot < best.slot) {
			best, bestScore = t, score
		}
	}
	return best
}

func (p *Pool) candidateOf(t *Tensor) Candidate {
	return Candidate{
		Slot:      t.slot,
		Name:      t.name,
		Bytes:     t.bytes,
		Cost:      t.cost,
		Staleness: p.clock - t.lastAccess + 1,
	}
}

// evictLocked frees a value's storage. The producer link stays.
func (p *Pool) evictLocked(t *Tensor) {
	if t.producer == nil {
		panic(&ConsistencyError{Slot: t.slot, Reason: "evicting a value with no producer"})
	}
	p.logger.Debug("Evicting tensor.", "tensor", t.name, "bytes", t.bytes, "cost", t.cost, "clock", p.clock)
	p.freeLocked(t)
}

func (p *Pool) freeLocked(t *Tensor) {
	if t.block == nil {
		return
	}
	p.alloc.Deallocate(t.block)
	t.block = nil
	p.stats.ResidentBytes -= t.bytes
}

func (p *Pool) placeLocked(t *Tensor, b *alloc.Block) {
	t.block = b
	p.stats.ResidentBytes += t.bytes
	if p.stats.ResidentBytes > p.stats.PeakBytes {
		p.stats.PeakBytes = p.stats.ResidentBytes
	}
}

// setProducerLocked records op as out's producer, dropping the links of any
// previous producer.
func (p *Pool) setProducerLocked(out *Tensor, op *Op) {
	if out.producer == op {
		return
	}
	if old := out.producer; old != nil {
		for _, in := range old.Inputs {
			p.dropUserLocked(in, out)
		}
	}
	out.producer = op
	for _, in := range op.Inputs {
		if in != out {
			in.users[out] = struct{}{}
		}
	}
}

func (p *Pool) dropUserLocked(in, user *Tensor) {
	delete(in.users, user)
	if in.released && len(in.users) == 0 {
		p.deleteLocked(in)
	}
}

// deleteLocked removes a released tensor and cascades to released ancestors
// that are no longer needed.
func (p *Pool) deleteLocked(t *Tensor) {
	stack := []*Tensor{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := p.tensors[cur.slot]; !ok {
			continue
		}
		p.freeLocked(cur)
		delete(p.tensors, cur.slot)
		p.stats.Tensors--
		if cur.producer == nil {
			continue
		}
		for _, in := range cur.producer.Inputs {
			delete(in.users, cur)
			if in.released && len(in.users) == 0 {
				stack = append(stack, in)
			}
		}
		cur.producer = nil
	}
}
