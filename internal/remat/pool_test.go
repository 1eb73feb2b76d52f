package remat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/slot"
)

// countingKernel wraps a kernel and counts Compute calls.
type countingKernel struct {
	kernels.Kernel
	calls atomic.Int32
}

func (k *countingKernel) Compute(ctx context.Context, args *kernels.Args) error {
	k.calls.Add(1)
	return k.Kernel.Compute(ctx, args)
}

type fixture struct {
	t      *testing.T
	pool   *Pool
	budget *alloc.Budget
	next   slot.ID
}

func newFixture(t *testing.T, limit int64, cfg Config) *fixture {
	t.Helper()
	budget, err := alloc.NewBudget(limit)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{t: t, pool: NewPool(budget, cfg, logger), budget: budget}
}

func (f *fixture) tensor(name string, retain bool) *Tensor {
	f.t.Helper()
	f.next++
	tn, err := f.pool.NewTensor(f.next, name, []int{4}, retain)
	require.NoError(f.t, err)
	return tn
}

func (f *fixture) run(op *Op) {
	f.t.Helper()
	ctx := context.Background()
	l, err := f.pool.Prepare(ctx, op)
	require.NoError(f.t, err)
	err = op.Kernel.Compute(ctx, &kernels.Args{Inputs: l.Inputs, Outputs: l.Outputs, Attrs: op.Attrs})
	require.NoError(f.t, err)
	l.Commit()
}

func (f *fixture) evict(tn *Tensor) {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	f.pool.evictLocked(tn)
}

func (f *fixture) read(tn *Tensor) []float64 {
	f.t.Helper()
	data, err := f.pool.Read(context.Background(), tn)
	require.NoError(f.t, err)
	return data
}

func iotaOp(out *Tensor, start float64) *Op {
	return &Op{Kernel: kernels.Iota(), Attrs: kernels.Attrs{"start": start}, Outputs: []*Tensor{out}}
}

func enabled() Config {
	return Config{Enabled: true}
}

func TestNewTensorValidation(t *testing.T) {
	f := newFixture(t, 0, enabled())
	_, err := f.pool.NewTensor(1, "bad", []int{0}, false)
	require.Error(t, err)

	_, err = f.pool.NewTensor(1, "a", []int{2}, false)
	require.NoError(t, err)
	_, err = f.pool.NewTensor(1, "b", []int{2}, false)
	require.ErrorIs(t, err, ErrDuplicateTensor)
}

func TestRecomputeOfEvictedInputHappensOnce(t *testing.T) {
	f := newFixture(t, 64, enabled())
	v := f.tensor("v", false)
	out := f.tensor("out", false)

	producer := &countingKernel{Kernel: kernels.Iota()}
	p := &Op{Kernel: producer, Attrs: kernels.Attrs{"start": 3}, Outputs: []*Tensor{v}}
	f.run(p)
	original := f.read(v)
	require.Equal(t, int32(1), producer.calls.Load())

	f.evict(v)
	assert.False(t, f.pool.Info(v).Resident)

	f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 1}, Inputs: []*Tensor{v}, Outputs: []*Tensor{out}})

	assert.Equal(t, int32(2), producer.calls.Load(), "exactly one recompute")
	assert.Equal(t, uint64(1), f.pool.Stats().Recomputes)
	assert.Equal(t, original, f.read(v))
	assert.Equal(t, original, f.read(out))
}

func TestRecomputeChainIsBitIdentical(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a, b, c := f.tensor("a", false), f.tensor("b", false), f.tensor("c", false)

	f.run(iotaOp(a, -2))
	f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 0.3}, Inputs: []*Tensor{a}, Outputs: []*Tensor{b}})
	f.run(&Op{Kernel: kernels.Relu(), Inputs: []*Tensor{b}, Outputs: []*Tensor{c}})
	want := f.read(c)

	for _, tn := range []*Tensor{a, b, c} {
		f.evict(tn)
	}
	got := f.read(c)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(3), f.pool.Stats().Recomputes)

	// Everything came back resident and nothing stays pinned.
	for _, tn := range []*Tensor{a, b, c} {
		info := f.pool.Info(tn)
		assert.True(t, info.Resident, tn.Name())
		assert.Zero(t, info.Pins, tn.Name())
	}

	// Recomputing a resident value is a no-op.
	require.NoError(t, f.pool.Pin(context.Background(), c))
	f.pool.Unpin(c)
	assert.Equal(t, uint64(3), f.pool.Stats().Recomputes)
}

func TestEvictionPicksLowestScore(t *testing.T) {
	for _, policy := range []Policy{DefaultDTR(), LRU{}} {
		t.Run(policy.Name(), func(t *testing.T) {
			f := newFixture(t, 64, Config{Enabled: true, Policy: policy})
			a, b, c := f.tensor("a", false), f.tensor("b", false), f.tensor("c", false)

			f.run(iotaOp(a, 0))
			f.run(iotaOp(b, 10))
			f.run(iotaOp(c, 20))

			assert.False(t, f.pool.Info(a).Resident, "oldest value is evicted first")
			assert.True(t, f.pool.Info(b).Resident)
			assert.True(t, f.pool.Info(c).Resident)
			assert.Equal(t, uint64(1), f.pool.Stats().Evictions)
			assert.Equal(t, []float64{0, 1, 2, 3}, f.read(a), "evicted value is recomputed on read")
		})
	}
}

func TestPinnedValuesAreNeverEvicted(t *testing.T) {
	f := newFixture(t, 64, enabled())
	a, b, c := f.tensor("a", false), f.tensor("b", false), f.tensor("c", false)
	f.run(iotaOp(a, 0))
	f.run(iotaOp(b, 0))

	ctx := context.Background()
	require.NoError(t, f.pool.Pin(ctx, a, b))

	_, err := f.pool.Prepare(ctx, iotaOp(c, 0))
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr), "got %v", err)
	assert.Zero(t, allocErr.Evicted)
	require.ErrorIs(t, err, alloc.ErrOutOfMemory)

	assert.True(t, f.pool.Info(a).Resident)
	assert.True(t, f.pool.Info(b).Resident)
	assert.Zero(t, f.pool.Info(c).Pins, "failed prepare leaves no pins behind")

	f.pool.Unpin(a, b)
	f.run(iotaOp(c, 0))
}

func TestDisabledPoolDoesNotEvict(t *testing.T) {
	f := newFixture(t, 32, Config{Enabled: false})
	a, b := f.tensor("a", false), f.tensor("b", false)
	f.run(iotaOp(a, 0))

	_, err := f.pool.Prepare(context.Background(), iotaOp(b, 0))
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.True(t, f.pool.Info(a).Resident)
}

func TestInPlaceOutputIsNeverEvictable(t *testing.T) {
	f := newFixture(t, 64, enabled())
	x, y := f.tensor("x", false), f.tensor("y", false)
	f.run(iotaOp(x, -1))
	require.True(t, f.pool.Info(x).Evictable)

	f.run(&Op{Kernel: kernels.Relu(), Inputs: []*Tensor{x}, Outputs: []*Tensor{x}})
	assert.False(t, f.pool.Info(x).Evictable)
	assert.Equal(t, []float64{0, 0, 1, 2}, f.read(x))

	f.run(iotaOp(y, 0))
	// The budget is full; z can only displace y.
	f.run(iotaOp(f.tensor("z", false), 0))
	assert.True(t, f.pool.Info(x).Resident)
	assert.False(t, f.pool.Info(y).Resident)
}

func TestEagerEvictionSkipsRetained(t *testing.T) {
	f := newFixture(t, 0, Config{Enabled: true, EagerEviction: true})
	a, keep, sum := f.tensor("a", false), f.tensor("keep", true), f.tensor("sum", false)
	f.run(iotaOp(a, 0))
	f.run(iotaOp(keep, 1))

	f.run(&Op{Kernel: kernels.Add(), Inputs: []*Tensor{a, keep}, Outputs: []*Tensor{sum}})

	assert.False(t, f.pool.Info(a).Resident)
	assert.True(t, f.pool.Info(keep).Resident)
	assert.True(t, f.pool.Info(sum).Resident)
	assert.Equal(t, uint64(1), f.pool.Stats().EagerEvictions)
	assert.Equal(t, []float64{1, 3, 5, 7}, f.read(sum))
}

func TestReleaseKeepsHistoryForUsers(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a, b := f.tensor("a", false), f.tensor("b", false)
	f.run(iotaOp(a, 1))
	f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 2}, Inputs: []*Tensor{a}, Outputs: []*Tensor{b}})

	require.NoError(t, f.pool.Release(a))
	_, ok := f.pool.Lookup(a.Slot())
	assert.True(t, ok, "a is still needed to recompute b")
	assert.False(t, f.pool.Info(a).Resident)

	f.evict(b)
	assert.Equal(t, []float64{2, 4, 6, 8}, f.read(b))
	assert.False(t, f.pool.Info(a).Resident, "released ancestor is freed again after the recompute")

	require.ErrorIs(t, f.pool.Release(a), ErrReleased)
	_, err := f.pool.Read(context.Background(), a)
	require.ErrorIs(t, err, ErrReleased)

	require.NoError(t, f.pool.Release(b))
	_, ok = f.pool.Lookup(a.Slot())
	assert.False(t, ok)
	_, ok = f.pool.Lookup(b.Slot())
	assert.False(t, ok)
	assert.Zero(t, f.pool.Stats().Tensors)
	assert.Zero(t, f.budget.Stats().InUse)
}

func TestOverwriteFreezesDependents(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a, b := f.tensor("a", false), f.tensor("b", false)
	f.run(iotaOp(a, 0))
	f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 2}, Inputs: []*Tensor{a}, Outputs: []*Tensor{b}})
	f.evict(b)

	f.run(&Op{Kernel: kernels.Fill(), Attrs: kernels.Attrs{"value": 9}, Outputs: []*Tensor{a}})

	info := f.pool.Info(b)
	assert.True(t, info.Resident, "dependent is brought back before its input changes")
	assert.False(t, info.Evictable)
	assert.Equal(t, []float64{0, 2, 4, 6}, f.read(b))
	assert.Equal(t, []float64{9, 9, 9, 9}, f.read(a))
}

func TestOverwriteFreezesDependentsThroughReleasedValues(t *testing.T) {
	for _, evictFirst := range []bool{false, true} {
		name := "resident"
		if evictFirst {
			name = "evicted"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 96, enabled())
			x, mid, y := f.tensor("x", false), f.tensor("mid", false), f.tensor("y", false)
			f.run(iotaOp(x, 0))
			f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 2}, Inputs: []*Tensor{x}, Outputs: []*Tensor{mid}})
			f.run(&Op{Kernel: kernels.Scale(), Attrs: kernels.Attrs{"factor": 3}, Inputs: []*Tensor{mid}, Outputs: []*Tensor{y}})
			if evictFirst {
				f.evict(y)
			}
			require.NoError(t, f.pool.Release(mid))

			f.run(&Op{Kernel: kernels.Fill(), Attrs: kernels.Attrs{"value": 100}, Outputs: []*Tensor{x}})

			info := f.pool.Info(y)
			assert.True(t, info.Resident)
			assert.False(t, info.Evictable, "y recomputes through mid from the old x")

			// Fill the budget so everything evictable goes.
			z1, z2 := f.tensor("z1", false), f.tensor("z2", false)
			f.run(iotaOp(z1, 0))
			f.run(iotaOp(z2, 0))
			assert.True(t, f.pool.Info(y).Resident)
			assert.Equal(t, []float64{0, 6, 12, 18}, f.read(y))
			assert.Equal(t, []float64{100, 100, 100, 100}, f.read(x))
			assert.Zero(t, f.pool.Info(y).Pins)
		})
	}
}

func TestAbortFreesFreshOutputs(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a := f.tensor("a", false)

	l, err := f.pool.Prepare(context.Background(), iotaOp(a, 0))
	require.NoError(t, err)
	l.Abort()

	info := f.pool.Info(a)
	assert.False(t, info.Resident)
	assert.Zero(t, info.Pins)
	assert.Zero(t, f.budget.Stats().InUse)
	assert.Panics(t, func() { l.Commit() }, "a lease closes once")

	_, err = f.pool.Read(context.Background(), a)
	require.ErrorIs(t, err, ErrUnproduced)
}

func TestMissingProducerIsFatal(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a := f.tensor("a", false)
	f.run(iotaOp(a, 0))

	f.pool.mu.Lock()
	f.pool.freeLocked(a)
	a.producer = nil
	f.pool.mu.Unlock()

	assert.PanicsWithError(t, (&ConsistencyError{Slot: a.Slot(), Reason: "evicted value has no recorded producer"}).Error(), func() {
		_ = f.pool.Pin(context.Background(), a)
	})
}

func TestUnbalancedUnpinPanics(t *testing.T) {
	f := newFixture(t, 0, enabled())
	a := f.tensor("a", false)
	assert.Panics(t, func() { f.pool.Unpin(a) })
}

func TestScratchGoesThroughPool(t *testing.T) {
	f := newFixture(t, 64, enabled())
	a, b := f.tensor("a", false), f.tensor("b", false)
	f.run(iotaOp(a, 0))
	f.run(iotaOp(b, 0))

	l, err := f.pool.Prepare(context.Background(), &Op{Kernel: kernels.Sum(), Inputs: []*Tensor{a}, Outputs: []*Tensor{b}})
	require.NoError(t, err)
	_, release, err := l.Scratch(32)
	require.Error(t, err, "a and b are pinned and fill the budget")
	release()
	l.Abort()
}

func TestSnapshotOrdersCandidates(t *testing.T) {
	f := newFixture(t, 0, Config{Enabled: true, Policy: LRU{}})
	a, b := f.tensor("a", false), f.tensor("b", false)
	f.run(iotaOp(a, 0))
	f.run(iotaOp(b, 0))
	require.NoError(t, f.pool.Pin(context.Background(), b))
	defer f.pool.Unpin(b)

	snap := f.pool.Snapshot()
	assert.Equal(t, "lru", snap.Policy)
	require.Len(t, snap.Resident, 2)
	require.Len(t, snap.Candidates, 1, "pinned value is not a candidate")
	assert.Equal(t, "a", snap.Candidates[0].Name)
	assert.Equal(t, float64(64), snap.Clock)
}
