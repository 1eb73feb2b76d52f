package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/depgraph"
	"github.com/vk/flowvm/internal/executor"
	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/slot"
	"github.com/vk/flowvm/internal/stream"
)

const waitTimeout = 5 * time.Second

// harness runs a scheduler, its stream workers and a reclaiming callback
// loop, the way the engine wires them.
type harness struct {
	t      *testing.T
	sched  *Scheduler
	slots  *slot.Registry
	pool   *remat.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHarness(t *testing.T, cfg Config, streams ...string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	slots := slot.NewRegistry()
	budget, err := alloc.NewBudget(0)
	require.NoError(t, err)
	pool := remat.NewPool(budget, remat.Config{Enabled: true}, logger)
	exec := executor.New(pool, slots, logger)

	cfg.VerifyGraph = true
	h := &harness{t: t, sched: New(cfg, slots, logger), slots: slots, pool: pool}
	for _, name := range streams {
		st, err := stream.New(stream.Config{Name: name}, &stream.DeviceCtx{Device: "cpu", Allocator: pool}, exec.Execute, h.sched.Notify, logger)
		require.NoError(t, err)
		require.NoError(t, h.sched.AddStream(st))
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	run := func(fn func(context.Context) error) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			assert.NoError(h.t, fn(ctx))
		}()
	}
	for _, st := range h.sched.Streams() {
		run(st.Run)
	}
	run(h.sched.Run)
	run(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-h.sched.GarbageReady():
				for _, in := range h.sched.TakeGarbage() {
					h.sched.Reclaim(in)
				}
			}
		}
	})
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *harness) slot(name string) slot.ID {
	return h.slots.Register(name, 8)
}

func (h *harness) tensor(name string, n int) *remat.Tensor {
	h.t.Helper()
	id := h.slots.Register(name, kernels.Bytes([]int{n}))
	tn, err := h.pool.NewTensor(id, name, []int{n}, false)
	require.NoError(h.t, err)
	return tn
}

func (h *harness) submit(ins ...*instr.Instruction) *instr.Batch {
	h.t.Helper()
	b, err := instr.NewBatch(ins...)
	require.NoError(h.t, err)
	h.sched.Submit(b)
	return b
}

func (h *harness) wait(b *instr.Batch) error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := b.Wait(ctx)
	require.NotErrorIs(h.t, err, context.DeadlineExceeded, "batch did not complete")
	return err
}

// recorder collects execution order across workers.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) control(name, stream string, reads, writes []slot.ID) *instr.Instruction {
	return instr.NewControl(name, stream, func(context.Context) error {
		r.add(name)
		return nil
	}, reads, writes)
}

func ids(s ...slot.ID) []slot.ID { return s }

func TestSameStreamExecutesInSubmissionOrder(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()
	rec := &recorder{}

	var ins []*instr.Instruction
	want := []string{"i0", "i1", "i2", "i3", "i4"}
	for _, name := range want {
		ins = append(ins, rec.control(name, "a", nil, nil))
	}
	require.NoError(t, h.wait(h.submit(ins...)))
	assert.Equal(t, want, rec.get())
}

func TestReaderWaitsForWriterAcrossStreams(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b")
	h.start()
	s := h.slot("s")
	rec := &recorder{}

	started := make(chan struct{})
	gate := make(chan struct{})
	x := instr.NewControl("x", "a", func(context.Context) error {
		close(started)
		<-gate
		rec.add("x")
		return nil
	}, nil, ids(s))
	y := rec.control("y", "b", ids(s), nil)

	b := h.submit(x, y)
	<-started
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, instr.Pending, y.State(), "reader must not be dispatched before the writer is done")

	close(gate)
	require.NoError(t, h.wait(b))
	assert.Equal(t, []string{"x", "y"}, rec.get())
}

func TestIndependentStreamsCompleteInEitherOrder(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b")
	h.start()

	// first makes the instruction on stream first wait for the other one,
	// forcing one of the two valid orderings.
	run := func(first string) []string {
		rec := &recorder{}
		otherDone := make(chan struct{})
		other := "a"
		if first == "a" {
			other = "b"
		}
		waiting := instr.NewControl(first, first, func(ctx context.Context) error {
			select {
			case <-otherDone:
			case <-ctx.Done():
				return ctx.Err()
			}
			rec.add(first)
			return nil
		}, nil, nil)
		quick := instr.NewControl(other, other, func(context.Context) error {
			rec.add(other)
			close(otherDone)
			return nil
		}, nil, nil)
		require.NoError(t, h.wait(h.submit(waiting, quick)))
		return rec.get()
	}

	assert.Equal(t, []string{"b", "a"}, run("a"))
	assert.Equal(t, []string{"a", "b"}, run("b"))
}

func TestWritesAreSerialized(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b")
	h.start()
	s := h.slot("counter")

	const submitters, perSubmitter = 8, 25
	total := 0
	var batches sync.Map
	var wg sync.WaitGroup
	for g := 0; g < submitters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			streamName := "a"
			if g%2 == 1 {
				streamName = "b"
			}
			for i := 0; i < perSubmitter; i++ {
				in := instr.NewControl("inc", streamName, func(context.Context) error {
					total++
					return nil
				}, nil, ids(s))
				b, err := instr.NewBatch(in)
				if err != nil {
					panic(err)
				}
				batches.Store(b, struct{}{})
				h.sched.Submit(b)
			}
		}(g)
	}
	wg.Wait()

	batches.Range(func(k, _ any) bool {
		require.NoError(t, h.wait(k.(*instr.Batch)))
		return true
	})
	assert.Equal(t, submitters*perSubmitter, total)
	require.Eventually(t, h.sched.Idle, waitTimeout, time.Millisecond)
	c := h.sched.Counters()
	assert.Equal(t, c.Inserted, c.Erased)
}

func TestFailurePropagatesToDependents(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b")
	h.start()
	s, u, v := h.slot("s"), h.slot("u"), h.slot("v")
	boom := errors.New("boom")
	rec := &recorder{}

	w := instr.NewControl("w", "a", func(context.Context) error { return boom }, nil, ids(s))
	r := rec.control("r", "b", ids(s), ids(u))
	r2 := rec.control("r2", "a", ids(u), nil)
	other := rec.control("other", "b", nil, ids(v))

	err := h.wait(h.submit(w, r, r2, other))

	require.ErrorIs(t, err, boom, "the root cause wins over upstream skips")
	assert.ErrorIs(t, r.Err(), instr.ErrUpstreamFailed)
	assert.ErrorIs(t, r2.Err(), instr.ErrUpstreamFailed)
	assert.NoError(t, other.Err())
	assert.Equal(t, []string{"other"}, rec.get())
	assert.Equal(t, uint64(3), h.sched.Counters().Failed)
}

func TestFailureDoesNotCrossBarriers(t *testing.T) {
	h := newHarness(t, Config{}, "a", "control")
	h.start()
	s := h.slot("s")
	rec := &recorder{}

	bad := instr.NewControl("bad", "a", func(context.Context) error { return errors.New("boom") }, nil, ids(s))
	fence := instr.NewBarrier("fence", "control", func(context.Context) error {
		rec.add("fence")
		return nil
	})
	after := rec.control("after", "a", nil, nil)

	b := h.submit(bad, fence, after)
	require.Error(t, h.wait(b))
	assert.NoError(t, fence.Err())
	assert.NoError(t, after.Err())
	assert.Equal(t, []string{"fence", "after"}, rec.get())
}

func TestBarrierWaitsForEarlierWork(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b", "control")
	h.start()
	rec := &recorder{}

	gate := make(chan struct{})
	slow := instr.NewControl("slow", "a", func(context.Context) error {
		<-gate
		rec.add("slow")
		return nil
	}, nil, nil)
	fence := instr.NewBarrier("fence", "control", func(context.Context) error {
		rec.add("fence")
		return nil
	})
	later := rec.control("later", "b", nil, nil)

	b := h.submit(slow, fence, later)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.get())
	close(gate)

	require.NoError(t, h.wait(b))
	assert.Equal(t, []string{"slow", "fence", "later"}, rec.get())
}

func TestInvalidBatchesAreRejectedWholesale(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()
	known := h.slot("known")
	rec := &recorder{}

	t.Run("unknown slot", func(t *testing.T) {
		ok := rec.control("ok", "a", ids(known), nil)
		bad := rec.control("bad", "a", ids(slot.ID(999)), nil)
		b := h.submit(ok, bad)

		err := h.wait(b)
		require.ErrorIs(t, err, instr.ErrRejected)
		require.ErrorIs(t, err, depgraph.ErrUnknownSlot)
		var cfgErr *depgraph.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "bad", cfgErr.Instruction)
		assert.Equal(t, instr.Rejected, b.Status())
		assert.ErrorIs(t, ok.Err(), instr.ErrRejected)
	})

	t.Run("unknown stream", func(t *testing.T) {
		err := h.wait(h.submit(rec.control("lost", "nowhere", nil, nil)))
		require.ErrorIs(t, err, ErrUnknownStream)
	})

	t.Run("resubmission", func(t *testing.T) {
		in := rec.control("once", "a", nil, nil)
		require.NoError(t, h.wait(h.submit(in)))
		_, err := instr.NewBatch(in)
		require.ErrorIs(t, err, instr.ErrRejected)
		require.ErrorIs(t, err, instr.ErrAlreadySubmitted)
		assert.NoError(t, in.Err())
	})

	t.Run("duplicate in one batch", func(t *testing.T) {
		dup := rec.control("dup", "a", nil, nil)
		_, err := instr.NewBatch(dup, dup)
		require.ErrorIs(t, err, instr.ErrAlreadySubmitted)
		assert.False(t, dup.Submitted(), "a refused batch claims nothing")

		require.NoError(t, h.wait(h.submit(dup)))
	})

	assert.Equal(t, []string{"once", "dup"}, rec.get())
	assert.Equal(t, uint64(2), h.sched.Counters().Rejected)
	require.Eventually(t, h.sched.Idle, waitTimeout, time.Millisecond)
}

func TestResubmittingInFlightWorkLeavesItsBatchIntact(t *testing.T) {
	h := newHarness(t, Config{}, "a", "b")
	h.start()
	s := h.slot("s")
	rec := &recorder{}

	started := make(chan struct{})
	gate := make(chan struct{})
	w := instr.NewControl("w", "a", func(context.Context) error {
		close(started)
		<-gate
		rec.add("w")
		return nil
	}, nil, ids(s))
	r := rec.control("r", "b", ids(s), nil)

	b1 := h.submit(w, r)
	<-started

	_, err := instr.NewBatch(w)
	require.ErrorIs(t, err, instr.ErrAlreadySubmitted)
	assert.Equal(t, instr.Running, w.State())
	assert.Same(t, b1, w.Batch())
	assert.Equal(t, 2, h.sched.Live())

	close(gate)
	require.NoError(t, h.wait(b1))
	assert.Equal(t, []string{"w", "r"}, rec.get())
	assert.NoError(t, w.Err())
	require.Eventually(t, h.sched.Idle, waitTimeout, time.Millisecond)
}

func TestCancelBeforeIngestion(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	rec := &recorder{}

	b := h.submit(rec.control("never", "a", nil, nil))
	require.True(t, b.Cancel())
	assert.Equal(t, 1, h.sched.Live())

	h.start()
	err := h.wait(b)
	require.ErrorIs(t, err, instr.ErrCanceled)
	assert.Equal(t, instr.Canceled, b.Status())
	assert.Empty(t, rec.get())
	assert.False(t, b.Cancel(), "an already canceled batch cannot be canceled again")
	require.Eventually(t, h.sched.Idle, waitTimeout, time.Millisecond)
}

func TestProbesRunUntilTheyReturnTrue(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()

	var mu sync.Mutex
	calls := 0
	h.sched.AddProbe(func(*Scheduler) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls == 3
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, waitTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestPauseHoldsDispatch(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()
	rec := &recorder{}

	paused := make(chan struct{})
	h.sched.AddProbe(func(s *Scheduler) bool {
		s.Pause()
		close(paused)
		return true
	})
	<-paused

	in := rec.control("held", "a", nil, nil)
	b := h.submit(in)
	require.Eventually(t, func() bool { return in.State() == instr.Ready }, waitTimeout, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, instr.Ready, in.State())

	var dump string
	dumped := make(chan struct{})
	h.sched.AddProbe(func(s *Scheduler) bool {
		dump = s.DebugString()
		s.Resume()
		close(dumped)
		return true
	})
	<-dumped
	assert.Contains(t, dump, "held")
	assert.Contains(t, dump, "ready=1")

	require.NoError(t, h.wait(b))
	assert.Equal(t, []string{"held"}, rec.get())
}

func TestLiveCountTracksUnreclaimedInstructions(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()
	gate := make(chan struct{})

	b := h.submit(
		instr.NewControl("blocked", "a", func(context.Context) error {
			<-gate
			return nil
		}, nil, nil),
		instr.NewControl("next", "a", nil, nil, nil),
	)
	assert.Equal(t, 2, h.sched.Live())
	assert.False(t, h.sched.Idle())

	close(gate)
	require.NoError(t, h.wait(b))
	require.Eventually(t, h.sched.Idle, waitTimeout, time.Millisecond)
}

func TestFusionMergesConsecutiveFusibleCalls(t *testing.T) {
	h := newHarness(t, Config{FusionWindow: 4}, "a")
	h.start()
	x, y, z, w := h.tensor("x", 2), h.tensor("y", 2), h.tensor("z", 2), h.tensor("w", 1)

	b := h.submit(
		instr.NewCall("fill", "a", kernels.Fill(), kernels.Attrs{"value": -2}, nil, []*remat.Tensor{x}),
		instr.NewCall("scale", "a", kernels.Scale(), kernels.Attrs{"factor": -3}, []*remat.Tensor{x}, []*remat.Tensor{y}),
		instr.NewCall("add", "a", kernels.Add(), nil, []*remat.Tensor{x, y}, []*remat.Tensor{z}),
		instr.NewCall("sum", "a", kernels.Sum(), nil, []*remat.Tensor{z}, []*remat.Tensor{w}),
	)
	require.NoError(t, h.wait(b))

	got, err := h.pool.Read(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, []float64{8}, got)

	c := h.sched.Counters()
	assert.Equal(t, uint64(1), c.Fused)
	assert.Equal(t, uint64(2), c.Inserted)
	for _, in := range b.Instructions {
		assert.Equal(t, instr.Garbage, in.State(), in.Name)
	}
}

func TestFusionRespectsWindowAndStreams(t *testing.T) {
	h := newHarness(t, Config{FusionWindow: 2}, "a", "b")
	h.start()

	var ins []*instr.Instruction
	for i, st := range []string{"a", "a", "a", "a", "a", "b", "b"} {
		tn := h.tensor(string(rune('p'+i)), 1)
		ins = append(ins, instr.NewCall("fill", st, kernels.Fill(), nil, nil, []*remat.Tensor{tn}))
	}
	require.NoError(t, h.wait(h.submit(ins...)))

	c := h.sched.Counters()
	assert.Equal(t, uint64(3), c.Fused, "a: [2 2 1], b: [2]")
	assert.Equal(t, uint64(4), c.Inserted)
}

func TestFusedFailureOnlyTaintsSharedSlots(t *testing.T) {
	h := newHarness(t, Config{FusionWindow: 8}, "a", "b")
	h.start()
	x, y, p, q := h.tensor("x", 2), h.tensor("y", 2), h.tensor("p", 2), h.tensor("q", 2)
	rec := &recorder{}

	// Scaling an unproduced tensor fails inside the fused group.
	bad := instr.NewCall("bad", "a", kernels.Scale(), nil, []*remat.Tensor{y}, []*remat.Tensor{x})
	fine := instr.NewCall("fine", "a", kernels.Fill(), kernels.Attrs{"value": 1}, nil, []*remat.Tensor{p})
	readsX := rec.control("readsX", "b", ids(x.Slot()), nil)
	readsP := instr.NewCall("readsP", "b", kernels.Relu(), nil, []*remat.Tensor{p}, []*remat.Tensor{q})

	err := h.wait(h.submit(bad, fine, readsX, readsP))

	require.ErrorIs(t, err, remat.ErrUnproduced)
	assert.ErrorIs(t, readsX.Err(), instr.ErrUpstreamFailed)
	assert.NoError(t, fine.Err())
	assert.NoError(t, readsP.Err())
	assert.Equal(t, uint64(1), h.sched.Counters().Fused)
	assert.Empty(t, rec.get())
}

func TestReleaseForgetsSlotHistory(t *testing.T) {
	h := newHarness(t, Config{}, "a")
	h.start()
	x := h.tensor("x", 2)

	require.NoError(t, h.wait(h.submit(
		instr.NewCall("fill", "a", kernels.Fill(), nil, nil, []*remat.Tensor{x}),
		instr.NewRelease("drop", "a", x),
	)))

	tracked := make(chan int, 1)
	h.sched.AddProbe(func(s *Scheduler) bool {
		tracked <- s.Builder().Tracked()
		return true
	})
	assert.Equal(t, 0, <-tracked)
	assert.False(t, h.slots.Contains(x.Slot()))

	err := h.wait(h.submit(instr.NewCall("late", "a", kernels.Fill(), nil, nil, []*remat.Tensor{x})))
	require.ErrorIs(t, err, depgraph.ErrUnknownSlot)
}
