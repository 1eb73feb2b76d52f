package config

import "time"

// DefaultFusionWindow is used when a program does not set fusion_window.
const DefaultFusionWindow = 8

// Model is the unified, format-agnostic representation of a program.
type Model struct {
	Engine   *Engine
	Tensors  []*Tensor
	Ops      []*Op
	Releases []*Release
	Fetch    []string
}

// NewModel returns a model with default engine settings.
func NewModel() *Model {
	return &Model{
		Engine: &Engine{
			FusionWindow: DefaultFusionWindow,
			Remat:        &Remat{Enabled: true, Policy: "dtr"},
		},
	}
}

// Engine holds the engine tunables.
type Engine struct {
	// MemoryLimit is the device budget in bytes; 0 means unlimited.
	MemoryLimit  int64
	FusionWindow int
	PollInterval time.Duration
	Streams      []*Stream
	Remat        *Remat
}

// Stream is one configured execution stream.
type Stream struct {
	Name     string
	Kind     string
	Device   string
	Inflight int
}

// Remat configures the rematerialization manager.
type Remat struct {
	Enabled         bool
	Policy          string
	CostWeight      float64
	SizeWeight      float64
	StalenessWeight float64
	EagerEviction   bool
}

// Tensor is a declared tensor. A nil Shape means the shape is inferred from
// the op producing it.
type Tensor struct {
	Name   string
	Shape  []int
	Retain bool
	Source string
}

// Op is one kernel invocation.
type Op struct {
	Name    string
	Kernel  string
	Stream  string
	Inputs  []string
	Outputs []string
	Attrs   map[string]float64
	// Order is the op's position in the program, shared with releases.
	Order  int
	Source string
}

// Release drops a tensor once every earlier op has used it.
type Release struct {
	Tensor string
	Stream string
	Order  int
	Source string
}

// Step is either an op or a release, in program order.
type Step struct {
	Op      *Op
	Release *Release
}
