package instr

import (
	"context"

	"github.com/vk/flowvm/internal/remat"
)

// Kind names an operand variant.
type Kind int

const (
	KindCall Kind = iota
	KindCopy
	KindRelease
	KindControl
	KindFused
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCopy:
		return "copy"
	case KindRelease:
		return "release"
	case KindControl:
		return "control"
	case KindFused:
		return "fused"
	default:
		return "unknown"
	}
}

// Operand is the payload of an instruction. The set of implementations is
// closed; consumers switch over the concrete types.
type Operand interface {
	Kind() Kind
	isOperand()
}

// Call runs a kernel over tensors managed by the rematerialization pool.
type Call struct {
	Op *remat.Op
}

// Copy moves the contents of Src into Dst, typically across a host/device
// boundary.
type Copy struct {
	Src *remat.Tensor
	Dst *remat.Tensor
}

// Release drops a tensor.
type Release struct {
	Tensor *remat.Tensor
}

// Control runs a function on the control stream. A barrier waits for every
// earlier instruction and blocks every later one.
type Control struct {
	Fn      func(ctx context.Context) error
	Barrier bool
}

// Fused executes its members in order as one dispatch.
type Fused struct {
	Members []*Instruction
}

func (*Call) Kind() Kind    { return KindCall }
func (*Copy) Kind() Kind    { return KindCopy }
func (*Release) Kind() Kind { return KindRelease }
func (*Control) Kind() Kind { return KindControl }
func (*Fused) Kind() Kind   { return KindFused }

func (*Call) isOperand()    {}
func (*Copy) isOperand()    {}
func (*Release) isOperand() {}
func (*Control) isOperand() {}
func (*Fused) isOperand()   {}
