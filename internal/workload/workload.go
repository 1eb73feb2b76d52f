package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/vk/flowvm/internal/config"
	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/engine"
	"github.com/vk/flowvm/internal/instr"
	"github.com/vk/flowvm/internal/kernels"
	"github.com/vk/flowvm/internal/remat"
)

// ErrUnknownKernel is returned for an op naming a kernel the registry lacks.
var ErrUnknownKernel = errors.New("unknown kernel")

// Output is one fetched tensor.
type Output struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Result holds the fetched tensors by name.
type Result struct {
	Outputs map[string]Output `json:"outputs"`
}

// Workload is a program translated for one engine.
type Workload struct {
	eng     *engine.Engine
	model   *config.Model
	tensors map[string]*remat.Tensor
	program []*instr.Instruction
	logger  *slog.Logger
}

// Build registers the program's tensors with eng and translates its steps
// into instructions. Nothing is submitted until Run.
func Build(ctx context.Context, eng *engine.Engine, m *config.Model, reg *kernels.Registry) (*Workload, error) {
	cfg, err := EngineConfig(m)
	if err != nil {
		return nil, err
	}
	w := &Workload{
		eng:     eng,
		model:   m,
		tensors: make(map[string]*remat.Tensor),
		logger:  ctxlog.FromContext(ctx).With("component", "workload"),
	}

	retain := make(map[string]bool)
	for _, t := range m.Tensors {
		retain[t.Name] = t.Retain
		if t.Shape == nil {
			continue
		}
		if err := w.newTensor(t.Name, t.Shape, t.Retain); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Source, err)
		}
	}

	fallback := defaultStream(cfg)
	streamOr := func(s string) string {
		if s == "" {
			return fallback
		}
		return s
	}

	for _, step := range m.Steps() {
		if r := step.Release; r != nil {
			t, ok := w.tensors[r.Tensor]
			if !ok {
				return nil, fmt.Errorf("%s: release of tensor '%s' that is never produced", r.Source, r.Tensor)
			}
			w.program = append(w.program, instr.NewRelease("release("+r.Tensor+")", streamOr(r.Stream), t))
			continue
		}
		in, err := w.translateOp(step.Op, streamOr(step.Op.Stream), reg, retain)
		if err != nil {
			return nil, fmt.Errorf("%s: op '%s': %w", step.Op.Source, step.Op.Name, err)
		}
		w.program = append(w.program, in)
	}

	w.logger.Debug("Workload built.", "tensors", len(w.tensors), "instructions", len(w.program), "defaultStream", fallback)
	return w, nil
}

func (w *Workload) newTensor(name string, shape []int, retain bool) error {
	t, err := w.eng.NewTensor(name, shape, retain)
	if err != nil {
		return err
	}
	w.tensors[name] = t
	return nil
}

func (w *Workload) translateOp(op *config.Op, stream string, reg *kernels.Registry, retain map[string]bool) (*instr.Instruction, error) {
	k, ok := reg.Lookup(op.Kernel)
	if !ok {
		return nil, fmt.Errorf("%w '%s' (known: %s)", ErrUnknownKernel, op.Kernel, strings.Join(reg.Names(), ", "))
	}

	inputs := make([]*remat.Tensor, len(op.Inputs))
	inShapes := make([][]int, len(op.Inputs))
	for i, name := range op.Inputs {
		t, ok := w.tensors[name]
		if !ok {
			return nil, fmt.Errorf("input '%s' has no shape and is never produced", name)
		}
		inputs[i], inShapes[i] = t, t.Shape()
	}

	attrs := kernels.Attrs(op.Attrs)
	if err := w.bindOutputs(op, k, inShapes, attrs, retain); err != nil {
		return nil, err
	}
	outputs := make([]*remat.Tensor, len(op.Outputs))
	for i, name := range op.Outputs {
		outputs[i] = w.tensors[name]
	}

	if op.Kernel == kernels.Copy().Name() && len(inputs) == 1 && len(outputs) == 1 {
		return instr.NewCopy(op.Name, stream, inputs[0], outputs[0]), nil
	}
	return instr.NewCall(op.Name, stream, k, attrs, inputs, outputs), nil
}

// bindOutputs creates the op's undeclared outputs from the kernel's shape
// inference and checks declared ones against it. Inference may fail when
// every output is declared; generators need no attributes then.
func (w *Workload) bindOutputs(op *config.Op, k kernels.Kernel, inShapes [][]int, attrs kernels.Attrs, retain map[string]bool) error {
	declared := true
	for _, name := range op.Outputs {
		if _, ok := w.tensors[name]; !ok {
			declared = false
		}
	}

	shapes, err := k.InferShapes(inShapes, attrs)
	if err != nil {
		if declared {
			return nil
		}
		return err
	}
	if len(shapes) != len(op.Outputs) {
		return fmt.Errorf("kernel '%s' produces %d outputs, op lists %d: %w", k.Name(), len(shapes), len(op.Outputs), kernels.ErrShape)
	}

	for i, name := range op.Outputs {
		if t, ok := w.tensors[name]; ok {
			if !slices.Equal(t.Shape(), shapes[i]) {
				return fmt.Errorf("output '%s' is declared %v but kernel '%s' produces %v: %w", name, t.Shape(), k.Name(), shapes[i], kernels.ErrShape)
			}
			continue
		}
		if err := w.newTensor(name, shapes[i], retain[name]); err != nil {
			return err
		}
		w.logger.Debug("Inferred tensor shape.", "tensor", name, "shape", shapes[i], "op", op.Name)
	}
	return nil
}

// Instructions returns the translated program in order.
func (w *Workload) Instructions() []*instr.Instruction { return w.program }

// Tensor finds a program tensor by name.
func (w *Workload) Tensor(name string) (*remat.Tensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Run submits the program as one batch, waits for it and reads back every
// fetched tensor.
func (w *Workload) Run(ctx context.Context) (*Result, error) {
	b, err := w.eng.Submit(w.program...)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("Program submitted.", "instructions", b.Len())
	if err := w.eng.Wait(ctx, b); err != nil {
		return nil, fmt.Errorf("program failed: %w", err)
	}

	res := &Result{Outputs: make(map[string]Output, len(w.model.Fetch))}
	for _, name := range w.model.Fetch {
		t, ok := w.tensors[name]
		if !ok {
			return nil, fmt.Errorf("fetch of tensor '%s' that is never produced", name)
		}
		data, err := w.eng.Read(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("fetch '%s': %w", name, err)
		}
		res.Outputs[name] = Output{Shape: t.Shape(), Data: data}
		w.logger.Debug("Tensor fetched.", "tensor", name, "elements", len(data))
	}
	return res, nil
}
