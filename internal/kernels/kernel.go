package kernels

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vk/flowvm/internal/alloc"
)

// ErrShape is wrapped by every shape or arity mismatch a kernel reports.
var ErrShape = errors.New("shape mismatch")

// Attrs are scalar kernel attributes.
type Attrs map[string]float64

// Float returns the named attribute or def when it is absent.
func (a Attrs) Float(name string, def float64) float64 {
	if v, ok := a[name]; ok {
		return v
	}
	return def
}

// Int returns the named attribute truncated to an int, or def.
func (a Attrs) Int(name string, def int) int {
	if v, ok := a[name]; ok && !math.IsNaN(v) {
		return int(v)
	}
	return def
}

// Arg is a shaped view over a device buffer.
type Arg struct {
	Shape []int
	Data  []float64
}

// Args carries everything a single Compute call needs.
type Args struct {
	Inputs  []Arg
	Outputs []Arg
	Scratch []float64
	Attrs   Attrs
}

// Kernel is a single numeric operation.
type Kernel interface {
	Name() string
	// InferShapes returns the output shapes for the given input shapes.
	InferShapes(in [][]int, attrs Attrs) ([][]int, error)
	// ScratchBytes reports the transient buffer size Compute needs.
	ScratchBytes(in [][]int, attrs Attrs) int64
	Compute(ctx context.Context, args *Args) error
	// Fusible reports whether consecutive calls of this kernel on one stream
	// may be merged into a single dispatch.
	Fusible() bool
}

// NumElements returns the number of elements of a shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Bytes returns the storage size of a shape.
func Bytes(shape []int) int64 {
	return int64(NumElements(shape)) * alloc.WordSize
}

// ValidShape reports whether every dimension is positive.
func ValidShape(shape []int) bool {
	for _, d := range shape {
		if d <= 0 {
			return false
		}
	}
	return true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneShape(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// checkArity validates argument counts and that every buffer matches its shape.
func checkArity(name string, args *Args, inputs, outputs int) error {
	if len(args.Inputs) != inputs || len(args.Outputs) != outputs {
		return fmt.Errorf("%s: want %d inputs and %d outputs, got %d and %d: %w",
			name, inputs, outputs, len(args.Inputs), len(args.Outputs), ErrShape)
	}
	for i, a := range args.Inputs {
		if len(a.Data) < NumElements(a.Shape) {
			return fmt.Errorf("%s: input %d buffer holds %d elements, shape %v needs %d: %w",
				name, i, len(a.Data), a.Shape, NumElements(a.Shape), ErrShape)
		}
	}
	for i, a := range args.Outputs {
		if len(a.Data) < NumElements(a.Shape) {
			return fmt.Errorf("%s: output %d buffer holds %d elements, shape %v needs %d: %w",
				name, i, len(a.Data), a.Shape, NumElements(a.Shape), ErrShape)
		}
	}
	return nil
}

// Registry maps kernel names to implementations.
type Registry struct {
	mu      sync.RWMutex
	kernels map[string]Kernel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Register adds a kernel. Registering the same name twice is an error.
func (r *Registry) Register(k Kernel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kernels[k.Name()]; exists {
		return fmt.Errorf("kernel '%s' already registered", k.Name())
	}
	r.kernels[k.Name()] = k
	return nil
}

// Lookup finds a kernel by name.
func (r *Registry) Lookup(name string) (Kernel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[name]
	return k, ok
}

// Names returns the registered kernel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a registry pre-populated with the CPU kernels of this package.
func Builtin() *Registry {
	r := NewRegistry()
	for _, k := range []Kernel{
		Fill(), Iota(), Copy(),
		Add(), Mul(), Scale(), Relu(),
		MatMul(), Softmax(), Sum(),
	} {
		if err := r.Register(k); err != nil {
			panic(err)
		}
	}
	return r
}
