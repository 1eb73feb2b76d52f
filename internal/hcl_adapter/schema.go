package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level construct a program file may contain.
type fileRoot struct {
	Engine   *engineBlock    `hcl:"engine,block"`
	Tensors  []*tensorBlock  `hcl:"tensor,block"`
	Ops      []*opBlock      `hcl:"op,block"`
	Releases []*releaseBlock `hcl:"release,block"`
	Fetch    []string        `hcl:"fetch,optional"`
	Remain   hcl.Body        `hcl:",remain"`
}

// engineBlock represents the `engine` block. Attributes with a non-zero
// default are kept as expressions so an omitted attribute can be told apart
// from an explicit zero.
type engineBlock struct {
	MemoryLimit  hcl.Expression `hcl:"memory_limit,optional"`
	FusionWindow hcl.Expression `hcl:"fusion_window,optional"`
	PollInterval string         `hcl:"poll_interval,optional"`
	Streams      []*streamBlock `hcl:"stream,block"`
	Remat        *rematBlock    `hcl:"remat,block"`
}

type streamBlock struct {
	Name     string `hcl:"name,label"`
	Kind     string `hcl:"kind,optional"`
	Device   string `hcl:"device,optional"`
	Inflight int    `hcl:"inflight,optional"`
}

type rematBlock struct {
	Enabled         hcl.Expression `hcl:"enabled,optional"`
	Policy          string         `hcl:"policy,optional"`
	CostWeight      float64        `hcl:"cost_weight,optional"`
	SizeWeight      float64        `hcl:"size_weight,optional"`
	StalenessWeight float64        `hcl:"staleness_weight,optional"`
	EagerEviction   bool           `hcl:"eager_eviction,optional"`
}

type tensorBlock struct {
	Name   string `hcl:"name,label"`
	Shape  []int  `hcl:"shape,optional"`
	Retain bool   `hcl:"retain,optional"`
}

type opBlock struct {
	Name    string         `hcl:"name,label"`
	Kernel  string         `hcl:"kernel"`
	Stream  string         `hcl:"stream,optional"`
	Inputs  []string       `hcl:"inputs,optional"`
	Outputs []string       `hcl:"outputs,optional"`
	Attrs   hcl.Expression `hcl:"attrs,optional"`
}

type releaseBlock struct {
	Tensor string `hcl:"tensor,label"`
	Stream string `hcl:"stream,optional"`
}
