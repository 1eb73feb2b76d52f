package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/flowvm/internal/depgraph"
	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/slot"
	"github.com/vk/flowvm/internal/stream"
)

// DefaultPollInterval bounds how long an idle loop waits before re-polling
// its streams.
const DefaultPollInterval = 2 * time.Millisecond

// ErrUnknownStream is wrapped when an instruction targets a stream that was
// never added.
var ErrUnknownStream = errors.New("unknown stream")

// Config holds the scheduler tunables.
type Config struct {
	// FusionWindow is the largest number of instructions merged into one
	// fused dispatch. Values below 2 disable fusion.
	FusionWindow int
	PollInterval time.Duration
	// VerifyGraph runs a cycle check after every ingested batch.
	VerifyGraph bool
}

// Scheduler is the scheduling loop. Submit, AddProbe, Notify, Live, Idle,
// Counters and the garbage queue are safe for concurrent use; everything
// else belongs to the goroutine running Run.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	slots   *slot.Registry
	arena   *instr.Arena
	builder *depgraph.Builder

	streams map[string]*stream.Stream
	order   []*stream.Stream

	mu        sync.Mutex
	inbound   []*instr.Batch
	newProbes []Probe

	probes []Probe
	paused bool
	seq    uint64

	wake chan struct{}

	gmu     sync.Mutex
	garbage []*instr.Instruction
	gwake   chan struct{}

	live     atomic.Int64
	counters struct {
		submitted atomic.Uint64
		inserted  atomic.Uint64
		erased    atomic.Uint64
		fused     atomic.Uint64
		rejected  atomic.Uint64
		canceled  atomic.Uint64
		failed    atomic.Uint64
		ticks     atomic.Uint64
	}
}

// New creates a scheduler over the given slot registry.
func New(cfg Config, slots *slot.Registry, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	arena := instr.NewArena()
	return &Scheduler{
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		slots:   slots,
		arena:   arena,
		builder: depgraph.New(slots, arena),
		streams: make(map[string]*stream.Stream),
		wake:    make(chan struct{}, 1),
		gwake:   make(chan struct{}, 1),
	}
}

// AddStream registers a stream. It must be called before Run.
func (s *Scheduler) AddStream(st *stream.Stream) error {
	if _, ok := s.streams[st.Name()]; ok {
		return fmt.Errorf("stream '%s' already registered", st.Name())
	}
	s.streams[st.Name()] = st
	s.order = append(s.order, st)
	return nil
}

// HasStream reports whether name was registered.
func (s *Scheduler) HasStream(name string) bool {
	_, ok := s.streams[name]
	return ok
}

// Streams returns the registered streams in registration order.
func (s *Scheduler) Streams() []*stream.Stream {
	return append([]*stream.Stream(nil), s.order...)
}

// Submit queues a batch. Validation happens on the scheduler goroutine; a
// batch that fails it is rejected wholesale and its instructions complete
// with an error wrapping instr.ErrRejected.
func (s *Scheduler) Submit(b *instr.Batch) {
	s.counters.submitted.Add(1)
	if b.Len() == 0 {
		b.Admit(instr.Accepted)
		return
	}
	s.live.Add(int64(b.Len()))
	s.mu.Lock()
	s.inbound = append(s.inbound, b)
	s.mu.Unlock()
	s.Notify()
}

// AddProbe registers a probe. It runs from the next tick on.
func (s *Scheduler) AddProbe(p Probe) {
	s.mu.Lock()
	s.newProbes = append(s.newProbes, p)
	s.mu.Unlock()
	s.Notify()
}

// Notify wakes the loop. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Live returns the number of submitted instructions not yet reclaimed.
func (s *Scheduler) Live() int { return int(s.live.Load()) }

// Idle reports whether every submitted instruction has been reclaimed.
func (s *Scheduler) Idle() bool { return s.live.Load() == 0 }

// Counters returns the lifetime counters.
func (s *Scheduler) Counters() Counters {
	c := &s.counters
	return Counters{
		Submitted: c.submitted.Load(),
		Inserted:  c.inserted.Load(),
		Erased:    c.erased.Load(),
		Fused:     c.fused.Load(),
		Rejected:  c.rejected.Load(),
		Canceled:  c.canceled.Load(),
		Failed:    c.failed.Load(),
		Ticks:     c.ticks.Load(),
	}
}

// Pause stops dispatching. Ingestion and completion continue. Only probes
// and the loop goroutine may call it.
func (s *Scheduler) Pause() { s.paused = true }

// Resume re-enables dispatching.
func (s *Scheduler) Resume() { s.paused = false }

// Flying returns the number of instructions in the arena. Only probes and
// the loop goroutine may call it.
func (s *Scheduler) Flying() int { return s.arena.Len() }

// Builder exposes the dependency builder to probes.
func (s *Scheduler) Builder() *depgraph.Builder { return s.builder }

// Run drives the loop until ctx is done. It returns an error only when the
// graph check fails.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("Scheduler loop started.", "streams", len(s.order), "fusionWindow", s.cfg.FusionWindow)
	defer s.logger.Debug("Scheduler loop finished.")

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		progress, err := s.Tick()
		if err != nil {
			return err
		}
		if progress {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// Tick runs one scheduling step and reports whether anything moved.
func (s *Scheduler) Tick() (bool, error) {
	s.counters.ticks.Add(1)
	progress := false

	ingested, err := s.ingest()
	if err != nil {
		return false, err
	}
	progress = progress || ingested > 0

	if !s.paused {
		for _, st := range s.order {
			if st.Dispatch() > 0 {
				progress = true
			}
		}
	}

	for _, st := range s.order {
		for _, in := range st.Poll() {
			s.complete(in)
			progress = true
		}
	}

	s.runProbes()
	return progress, nil
}

func (s *Scheduler) runProbes() {
	s.mu.Lock()
	s.probes = append(s.probes, s.newProbes...)
	s.newProbes = nil
	s.mu.Unlock()

	kept := s.probes[:0]
	for _, p := range s.probes {
		if !p(s) {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(s.probes); i++ {
		s.probes[i] = nil
	}
	s.probes = kept
}
