package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/flowvm/internal/alloc"
	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/executor"
	"github.com/vk/flowvm/internal/observer"
	"github.com/vk/flowvm/internal/remat"
	"github.com/vk/flowvm/internal/scheduler"
	"github.com/vk/flowvm/internal/slot"
	"github.com/vk/flowvm/internal/stream"
	"golang.org/x/sync/errgroup"
)

// ControlStream is the name of the stream added when the configuration
// declares no control stream.
const ControlStream = "control"

var (
	// ErrNotRunning is returned when waiting on an engine that has stopped.
	ErrNotRunning = errors.New("engine is not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// Config describes an engine instance.
type Config struct {
	// MemoryLimit is the device budget in bytes; 0 means unlimited.
	MemoryLimit  int64
	FusionWindow int
	PollInterval time.Duration
	VerifyGraph  bool
	Streams      []stream.Config
	Remat        remat.Config
}

// DefaultConfig has one compute stream and rematerialization with the
// default policy.
func DefaultConfig() Config {
	return Config{
		Streams: []stream.Config{{Name: "compute", Kind: stream.Compute}},
		Remat:   remat.Config{Enabled: true},
	}
}

// Engine is a running instruction engine.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	slots     *slot.Registry
	budget    *alloc.Budget
	pool      *remat.Pool
	sched     *scheduler.Scheduler
	observers observer.Multi
	control   string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New builds an engine. The logger is taken from ctx.
func New(ctx context.Context, cfg Config, observers ...observer.Observer) (*Engine, error) {
	logger := ctxlog.FromContext(ctx).With("component", "engine")

	budget, err := alloc.NewBudget(cfg.MemoryLimit)
	if err != nil {
		return nil, err
	}
	if cfg.Remat.Policy == nil {
		cfg.Remat.Policy = remat.DefaultDTR()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		slots:     slot.NewRegistry(),
		budget:    budget,
		observers: observers,
		done:      make(chan struct{}),
	}
	e.pool = remat.NewPool(budget, cfg.Remat, logger)
	e.sched = scheduler.New(scheduler.Config{
		FusionWindow: cfg.FusionWindow,
		PollInterval: cfg.PollInterval,
		VerifyGraph:  cfg.VerifyGraph,
	}, e.slots, logger)

	exec := executor.New(e.pool, e.slots, logger)
	streams := cfg.Streams
	if len(streams) == 0 {
		streams = DefaultConfig().Streams
	}
	for _, sc := range streams {
		if sc.Kind == stream.Control && e.control == "" {
			e.control = sc.Name
		}
	}
	if e.control == "" {
		streams = append(append([]stream.Config(nil), streams...), stream.Config{Name: ControlStream, Kind: stream.Control})
		e.control = ControlStream
	}

	for _, sc := range streams {
		device := sc.Device
		if device == "" {
			device = "cpu:0"
		}
		st, err := stream.New(sc, &stream.DeviceCtx{Device: device, Allocator: e.pool}, exec.Execute, e.sched.Notify, logger)
		if err != nil {
			return nil, err
		}
		if err := e.sched.AddStream(st); err != nil {
			return nil, err
		}
	}

	logger.Debug("Engine configured.", "streams", len(streams), "memoryLimit", cfg.MemoryLimit, "policy", cfg.Remat.Policy.Name(), "remat", cfg.Remat.Enabled)
	return e, nil
}

// Start launches the engine goroutines. They run until Stop, until ctx is
// done or until an instruction panics.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctxlog.WithLogger(ctx, e.logger))
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	for _, st := range e.sched.Streams() {
		g.Go(func() error { return st.Run(gctx) })
	}
	g.Go(func() error { return e.sched.Run(gctx) })
	g.Go(func() error { return e.callbacks(gctx) })

	go func() {
		err := g.Wait()
		if err != nil {
			e.logger.Error("Engine stopped on a fatal error.", "error", err)
		}
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		if cerr := e.observers.Close(); cerr != nil {
			e.logger.Warn("Closing observers failed.", "error", cerr)
		}
		close(e.done)
	}()

	e.logger.Info("⚙️ Engine started.", "streams", len(e.sched.Streams()))
	return nil
}

// Stop cancels the engine goroutines and waits for them. It returns the
// fatal error that stopped the engine, if any.
func (e *Engine) Stop() error {
	e.mu.Lock()
	started, cancel := e.started, e.cancel
	e.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-e.done
	e.logger.Debug("Engine stopped.")
	return e.Err()
}

// Done is closed once the engine goroutines have exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) callbacks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.sched.GarbageReady():
			for _, in := range e.sched.TakeGarbage() {
				if err := e.observers.Observe(ctx, observer.FromInstruction(in)); err != nil {
					e.logger.Warn("Observer failed.", "instruction", in.Name, "error", err)
				}
				e.sched.Reclaim(in)
			}
		}
	}
}
