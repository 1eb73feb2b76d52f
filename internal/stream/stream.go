package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/instr"
)

// DefaultInflight is the dispatch window used when none is configured.
const DefaultInflight = 64

// Kind is the class of device channel a stream drives.
type Kind int

const (
	Compute Kind = iota
	HostToDevice
	DeviceToHost
	Control
)

func (k Kind) String() string {
	switch k {
	case Compute:
		return "compute"
	case HostToDevice:
		return "h2d"
	case DeviceToHost:
		return "d2h"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// ParseKind parses a stream kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "compute", "":
		return Compute, nil
	case "h2d":
		return HostToDevice, nil
	case "d2h":
		return DeviceToHost, nil
	case "control":
		return Control, nil
	default:
		return 0, fmt.Errorf("unknown stream kind '%s' (want compute, h2d, d2h or control)", s)
	}
}

// DeviceCtx is the execution context a stream owns.
type DeviceCtx struct {
	Device    string
	Allocator alloc.Allocator
}

// WithScratch runs fn with a transient buffer of size bytes. The buffer is
// released when fn returns, whatever the outcome.
func (d *DeviceCtx) WithScratch(size int64, fn func(buf []float64) error) error {
	if size <= 0 {
		return fn(nil)
	}
	b, err := d.Allocator.Allocate(size)
	if err != nil {
		return fmt.Errorf("allocate %d scratch bytes on %s: %w", size, d.Device, err)
	}
	defer d.Allocator.Deallocate(b)
	return fn(b.Data)
}

// ExecFunc executes one instruction on a stream's device.
type ExecFunc func(ctx context.Context, dev *DeviceCtx, in *instr.Instruction) error

// Config describes a stream.
type Config struct {
	Name     string
	Kind     Kind
	Device   string
	Inflight int
}

// FatalError is a panic recovered from an instruction. It stops the stream
// worker and, through it, the engine.
type FatalError struct {
	Stream      string
	Instruction string
	Value       any
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error on stream '%s' executing '%s': %v", e.Stream, e.Instruction, e.Value)
}

// Unwrap exposes a panicked error value.
func (e *FatalError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Stats are per-stream counters.
type Stats struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Ready      int    `json:"ready"`
	Inflight   int    `json:"inflight"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
}

// Stream is an ordered execution lane.
type Stream struct {
	cfg    Config
	dev    *DeviceCtx
	exec   ExecFunc
	queue  chan *instr.Instruction
	notify func()
	logger *slog.Logger

	ready    []*instr.Instruction
	inflight []*instr.Instruction

	dispatched atomic.Uint64
	completed  atomic.Uint64
}

// New creates a stream. notify is called by the worker after each
// completion and may be nil.
func New(cfg Config, dev *DeviceCtx, exec ExecFunc, notify func(), logger *slog.Logger) (*Stream, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("stream '%s': exec function is required", cfg.Name)
	}
	if cfg.Inflight <= 0 {
		cfg.Inflight = DefaultInflight
	}
	if notify == nil {
		notify = func() {}
	}
	return &Stream{
		cfg:    cfg,
		dev:    dev,
		exec:   exec,
		queue:  make(chan *instr.Instruction, cfg.Inflight),
		notify: notify,
		logger: logger.With("stream", cfg.Name),
	}, nil
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.cfg.Name }

// Kind returns the stream kind.
func (s *Stream) Kind() Kind { return s.cfg.Kind }

// Device returns the stream's device context.
func (s *Stream) Device() *DeviceCtx { return s.dev }

// Enqueue appends a Ready instruction to the ready FIFO.
func (s *Stream) Enqueue(in *instr.Instruction) {
	in.SetState(instr.Ready)
	s.ready = append(s.ready, in)
}

// Dispatch hands ready instructions to the worker in FIFO order, up to the
// in-flight window. It never blocks and returns the number dispatched.
func (s *Stream) Dispatch() int {
	n := 0
	for len(s.ready) > 0 && len(s.inflight) < s.cfg.Inflight {
		in := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]

		in.SetState(instr.Dispatched)
		s.inflight = append(s.inflight, in)
		s.queue <- in
		s.dispatched.Add(1)
		n++
	}
	return n
}

// Poll removes and returns the completed instructions at the head of the
// in-flight FIFO.
func (s *Stream) Poll() []*instr.Instruction {
	var done []*instr.Instruction
	for len(s.inflight) > 0 && s.inflight[0].Completed() {
		done = append(done, s.inflight[0])
		s.inflight[0] = nil
		s.inflight = s.inflight[1:]
	}
	return done
}

// Idle reports whether nothing is ready or in flight.
func (s *Stream) Idle() bool {
	return len(s.ready) == 0 && len(s.inflight) == 0
}

// Stats returns the stream counters. Ready and Inflight are only accurate
// on the scheduler goroutine.
func (s *Stream) Stats() Stats {
	return Stats{
		Name:       s.cfg.Name,
		Kind:       s.cfg.Kind.String(),
		Ready:      len(s.ready),
		Inflight:   len(s.inflight),
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
	}
}

// Close stops accepting work; Run returns once the queue drains.
func (s *Stream) Close() {
	close(s.queue)
}

// Run is the worker loop. It returns nil when the stream is closed or ctx is
// done, and a FatalError if an instruction panicked.
func (s *Stream) Run(ctx context.Context) error {
	s.logger.Debug("Stream worker started.", "kind", s.cfg.Kind, "device", s.dev.Device)
	defer s.logger.Debug("Stream worker finished.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := s.execute(ctx, in); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) execute(ctx context.Context, in *instr.Instruction) (fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = &FatalError{Stream: s.cfg.Name, Instruction: in.Name, Value: r}
			s.logger.Error("Instruction panicked.", "instruction", in.Name, "panic", r)
			in.Finish(fatal)
			s.notify()
		}
	}()

	in.SetState(instr.Running)
	err := s.exec(ctx, s.dev, in)
	if err != nil {
		s.logger.Debug("Instruction failed.", "instruction", in.Name, "error", err)
	}
	in.Finish(err)
	s.completed.Add(1)
	s.notify()
	return nil
}
