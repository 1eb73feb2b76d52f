package kernels

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// generator is a zero-input kernel whose output shape comes from attributes.
type generator struct {
	name string
	gen  func(out []float64, attrs Attrs)
}

func (g *generator) Name() string  { return g.name }
func (g *generator) Fusible() bool { return true }

func (g *generator) InferShapes(in [][]int, attrs Attrs) ([][]int, error) {
	if len(in) != 0 {
		return nil, fmt.Errorf("%s takes no inputs, got %d: %w", g.name, len(in), ErrShape)
	}
	rows := attrs.Int("rows", 0)
	if rows <= 0 {
		return nil, fmt.Errorf("%s needs a positive 'rows' attribute or a declared output shape: %w", g.name, ErrShape)
	}
	if cols := attrs.Int("cols", 0); cols > 0 {
		return [][]int{{rows, cols}}, nil
	}
	return [][]int{{rows}}, nil
}

func (g *generator) ScratchBytes([][]int, Attrs) int64 { return 0 }

func (g *generator) Compute(ctx context.Context, args *Args) error {
	if err := checkArity(g.name, args, 0, 1); err != nil {
		return err
	}
	out := args.Outputs[0]
	g.gen(out.Data[:NumElements(out.Shape)], args.Attrs)
	return nil
}

// Fill sets every element to the 'value' attribute.
func Fill() Kernel {
	return &generator{name: "fill", gen: func(out []float64, attrs Attrs) {
		v := attrs.Float("value", 0)
		for i := range out {
			out[i] = v
		}
	}}
}

// Iota writes start, start+step, ... from the 'start' and 'step' attributes.
func Iota() Kernel {
	return &generator{name: "iota", gen: func(out []float64, attrs Attrs) {
		start, step := attrs.Float("start", 0), attrs.Float("step", 1)
		for i := range out {
			out[i] = start + float64(i)*step
		}
	}}
}

// unary is an elementwise kernel of one input.
type unary struct {
	name string
	fn   func(dst, src []float64, attrs Attrs)
}

func (u *unary) Name() string  { return u.name }
func (u *unary) Fusible() bool { return true }

func (u *unary) InferShapes(in [][]int, _ Attrs) ([][]int, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("%s takes 1 input, got %d: %w", u.name, len(in), ErrShape)
	}
	return [][]int{cloneShape(in[0])}, nil
}

func (u *unary) ScratchBytes([][]int, Attrs) int64 { return 0 }

func (u *unary) Compute(ctx context.Context, args *Args) error {
	if err := checkArity(u.name, args, 1, 1); err != nil {
		return err
	}
	in, out := args.Inputs[0], args.Outputs[0]
	if !sameShape(in.Shape, out.Shape) {
		return fmt.Errorf("%s: input shape %v does not match output %v: %w", u.name, in.Shape, out.Shape, ErrShape)
	}
	n := NumElements(in.Shape)
	u.fn(out.Data[:n], in.Data[:n], args.Attrs)
	return nil
}

// Copy duplicates its input. Host/device copy instructions use it.
func Copy() Kernel {
	return &unary{name: "copy", fn: func(dst, src []float64, _ Attrs) {
		copy(dst, src)
	}}
}

// Scale multiplies by the 'factor' attribute.
func Scale() Kernel {
	return &unary{name: "scale", fn: func(dst, src []float64, attrs Attrs) {
		floats.ScaleTo(dst, attrs.Float("factor", 1), src)
	}}
}

// Relu clamps negative values to zero.
func Relu() Kernel {
	return &unary{name: "relu", fn: func(dst, src []float64, _ Attrs) {
		for i, v := range src {
			dst[i] = math.Max(v, 0)
		}
	}}
}

// binary is an elementwise kernel of two same-shaped inputs.
type binary struct {
	name string
	fn   func(dst, a, b []float64)
}

func (k *binary) Name() string  { return k.name }
func (k *binary) Fusible() bool { return true }

func (k *binary) InferShapes(in [][]int, _ Attrs) ([][]int, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("%s takes 2 inputs, got %d: %w", k.name, len(in), ErrShape)
	}
	if !sameShape(in[0], in[1]) {
		return nil, fmt.Errorf("%s: shapes %v and %v differ: %w", k.name, in[0], in[1], ErrShape)
	}
	return [][]int{cloneShape(in[0])}, nil
}

func (k *binary) ScratchBytes([][]int, Attrs) int64 { return 0 }

func (k *binary) Compute(ctx context.Context, args *Args) error {
	if err := checkArity(k.name, args, 2, 1); err != nil {
		return err
	}
	a, b, out := args.Inputs[0], args.Inputs[1], args.Outputs[0]
	if !sameShape(a.Shape, b.Shape) || !sameShape(a.Shape, out.Shape) {
		return fmt.Errorf("%s: shapes %v, %v -> %v: %w", k.name, a.Shape, b.Shape, out.Shape, ErrShape)
	}
	n := NumElements(a.Shape)
	k.fn(out.Data[:n], a.Data[:n], b.Data[:n])
	return nil
}

// Add is elementwise addition.
func Add() Kernel {
	return &binary{name: "add", fn: func(dst, a, b []float64) { floats.AddTo(dst, a, b) }}
}

// Mul is elementwise multiplication.
func Mul() Kernel {
	return &binary{name: "mul", fn: func(dst, a, b []float64) { floats.MulTo(dst, a, b) }}
}

type matMul struct{}

// MatMul multiplies an [m,k] matrix by a [k,n] matrix.
func MatMul() Kernel { return matMul{} }

func (matMul) Name() string  { return "matmul" }
func (matMul) Fusible() bool { return false }

func (matMul) InferShapes(in [][]int, _ Attrs) ([][]int, error) {
	if len(in) != 2 || len(in[0]) != 2 || len(in[1]) != 2 {
		return nil, fmt.Errorf("matmul takes two rank-2 inputs: %w", ErrShape)
	}
	if in[0][1] != in[1][0] {
		return nil, fmt.Errorf("matmul: inner dimensions %v x %v disagree: %w", in[0], in[1], ErrShape)
	}
	return [][]int{{in[0][0], in[1][1]}}, nil
}

func (matMul) ScratchBytes([][]int, Attrs) int64 { return 0 }

func (k matMul) Compute(ctx context.Context, args *Args) error {
	if err := checkArity("matmul", args, 2, 1); err != nil {
		return err
	}
	a, b, out := args.Inputs[0], args.Inputs[1], args.Outputs[0]
	want, err := k.InferShapes([][]int{a.Shape, b.Shape}, args.Attrs)
	if err != nil {
		return err
	}
	if !sameShape(want[0], out.Shape) {
		return fmt.Errorf("matmul: output shape %v, want %v: %w", out.Shape, want[0], ErrShape)
	}
	if &out.Data[0] == &a.Data[0] || &out.Data[0] == &b.Data[0] {
		return fmt.Errorf("matmul cannot run in place")
	}
	m, n := out.Shape[0], out.Shape[1]
	am := mat.NewDense(a.Shape[0], a.Shape[1], a.Data[:NumElements(a.Shape)])
	bm := mat.NewDense(b.Shape[0], b.Shape[1], b.Data[:NumElements(b.Shape)])
	dst := mat.NewDense(m, n, out.Data[:m*n])
	dst.Mul(am, bm)
	return nil
}

type softmax struct{}

// Softmax normalises each row of a rank-2 input. It uses one row of scratch.
func Softmax() Kernel { return softmax{} }

func (softmax) Name() string  { return "softmax" }
func (softmax) Fusible() bool { return false }

func (softmax) InferShapes(in [][]int, _ Attrs) ([][]int, error) {
	if len(in) != 1 || len(in[0]) != 2 {
		return nil, fmt.Errorf("softmax takes one rank-2 input: %w", ErrShape)
	}
	return [][]int{cloneShape(in[0])}, nil
}

func (softmax) ScratchBytes(in [][]int, _ Attrs) int64 {
	if len(in) != 1 || len(in[0]) != 2 {
		return 0
	}
	return Bytes([]int{in[0][1]})
}

func (softmax) Compute(ctx context.Context, args *Args) error {
	if err := checkArity("softmax", args, 1, 1); err != nil {
		return err
	}
	in, out := args.Inputs[0], args.Outputs[0]
	if len(in.Shape) != 2 || !sameShape(in.Shape, out.Shape) {
		return fmt.Errorf("softmax: shapes %v -> %v: %w", in.Shape, out.Shape, ErrShape)
	}
	rows, cols := in.Shape[0], in.Shape[1]
	if len(args.Scratch) < cols {
		return fmt.Errorf("softmax: scratch holds %d elements, need %d", len(args.Scratch), cols)
	}
	exps := args.Scratch[:cols]
	for r := 0; r < rows; r++ {
		row := in.Data[r*cols : (r+1)*cols]
		peak := floats.Max(row)
		for i, v := range row {
			exps[i] = math.Exp(v - peak)
		}
		floats.ScaleTo(out.Data[r*cols:(r+1)*cols], 1/floats.Sum(exps), exps)
	}
	return nil
}

type sum struct{}

// Sum reduces its input to a single element.
func Sum() Kernel { return sum{} }

func (sum) Name() string  { return "sum" }
func (sum) Fusible() bool { return false }

func (sum) InferShapes(in [][]int, _ Attrs) ([][]int, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("sum takes 1 input, got %d: %w", len(in), ErrShape)
	}
	return [][]int{{1}}, nil
}

func (sum) ScratchBytes([][]int, Attrs) int64 { return 0 }

func (sum) Compute(ctx context.Context, args *Args) error {
	if err := checkArity("sum", args, 1, 1); err != nil {
		return err
	}
	in := args.Inputs[0]
	args.Outputs[0].Data[0] = floats.Sum(in.Data[:NumElements(in.Shape)])
	return nil
}
