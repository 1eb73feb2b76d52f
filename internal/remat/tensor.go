package remat

import (
	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/slot"
)

// Op is the recorded producer of one or more tensors. It is everything a
// recompute needs to re-run the original computation.
type Op struct {
	Kernel  kernels.Kernel
	Attrs   kernels.Attrs
	Inputs  []*Tensor
	Outputs []*Tensor
}

// Name returns the kernel name.
func (o *Op) Name() string {
	if o == nil || o.Kernel == nil {
		return "<none>"
	}
	return o.Kernel.Name()
}

// Tensor is a rematerializable value bound to a resource slot. Immutable
// identity lives on the struct; everything else is guarded by the owning
// pool's mutex and read through Pool.Info.
type Tensor struct {
	slot   slot.ID
	name   string
	shape  []int
	bytes  int64
	retain bool

	block      *alloc.Block
	pins       int
	evictable  bool
	frozen     bool
	released   bool
	produced   bool
	lastAccess float64
	cost       float64
	producer   *Op
	users      map[*Tensor]struct{}
}

// Slot returns the resource slot backing the tensor.
func (t *Tensor) Slot() slot.ID { return t.slot }

// Name returns the tensor's name.
func (t *Tensor) Name() string { return t.name }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	return s
}

// Bytes returns the tensor's storage size.
func (t *Tensor) Bytes() int64 { return t.bytes }

func (t *Tensor) resident() bool { return t.block != nil }

func (t *Tensor) arg() kernels.Arg {
	return kernels.Arg{Shape: t.shape, Data: t.block.Data}
}

// candidate reports whether t may be chosen for eviction.
func (t *Tensor) candidate() bool {
	return t.resident() && t.pins == 0 && t.evictable && !t.frozen && !t.released
}
