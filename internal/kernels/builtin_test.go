package kernels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, k Kernel, attrs Attrs, inputs ...Arg) []float64 {
	t.Helper()
	inShapes := make([][]int, len(inputs))
	for i, in := range inputs {
		inShapes[i] = in.Shape
	}
	outShapes, err := k.InferShapes(inShapes, attrs)
	require.NoError(t, err)
	require.Len(t, outShapes, 1)

	out := Arg{Shape: outShapes[0], Data: make([]float64, NumElements(outShapes[0]))}
	scratch := make([]float64, k.ScratchBytes(inShapes, attrs)/8)
	err = k.Compute(context.Background(), &Args{Inputs: inputs, Outputs: []Arg{out}, Scratch: scratch, Attrs: attrs})
	require.NoError(t, err)
	return out.Data
}

func TestGenerators(t *testing.T) {
	t.Run("fill", func(t *testing.T) {
		got := run(t, Fill(), Attrs{"rows": 2, "cols": 2, "value": 1.5})
		assert.Equal(t, []float64{1.5, 1.5, 1.5, 1.5}, got)
	})
	t.Run("iota", func(t *testing.T) {
		got := run(t, Iota(), Attrs{"rows": 4, "start": 1, "step": 2})
		assert.Equal(t, []float64{1, 3, 5, 7}, got)
	})
	t.Run("missing rows", func(t *testing.T) {
		_, err := Fill().InferShapes(nil, Attrs{})
		require.ErrorIs(t, err, ErrShape)
	})
}

func TestElementwise(t *testing.T) {
	a := Arg{Shape: []int{3}, Data: []float64{1, -2, 3}}
	b := Arg{Shape: []int{3}, Data: []float64{4, 5, 6}}

	assert.Equal(t, []float64{5, 3, 9}, run(t, Add(), nil, a, b))
	assert.Equal(t, []float64{4, -10, 18}, run(t, Mul(), nil, a, b))
	assert.Equal(t, []float64{2, -4, 6}, run(t, Scale(), Attrs{"factor": 2}, a))
	assert.Equal(t, []float64{1, 0, 3}, run(t, Relu(), nil, a))
	assert.Equal(t, []float64{1, -2, 3}, run(t, Copy(), nil, a))

	_, err := Add().InferShapes([][]int{{3}, {4}}, nil)
	require.ErrorIs(t, err, ErrShape)
}

func TestReluInPlace(t *testing.T) {
	buf := []float64{-1, 2}
	arg := Arg{Shape: []int{2}, Data: buf}
	err := Relu().Compute(context.Background(), &Args{Inputs: []Arg{arg}, Outputs: []Arg{arg}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2}, buf)
}

func TestMatMul(t *testing.T) {
	a := Arg{Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}
	b := Arg{Shape: []int{3, 2}, Data: []float64{7, 8, 9, 10, 11, 12}}

	got := run(t, MatMul(), nil, a, b)
	assert.Equal(t, []float64{58, 64, 139, 154}, got)

	_, err := MatMul().InferShapes([][]int{{2, 3}, {2, 3}}, nil)
	require.ErrorIs(t, err, ErrShape)

	err = MatMul().Compute(context.Background(), &Args{Inputs: []Arg{a, b}, Outputs: []Arg{a}})
	require.Error(t, err)
}

func TestSoftmaxUsesScratch(t *testing.T) {
	k := Softmax()
	in := Arg{Shape: []int{2, 2}, Data: []float64{0, 0, 1, 1}}
	assert.Equal(t, int64(16), k.ScratchBytes([][]int{in.Shape}, nil))

	got := run(t, k, nil, in)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5}, got, 1e-12)

	err := k.Compute(context.Background(), &Args{
		Inputs:  []Arg{in},
		Outputs: []Arg{{Shape: []int{2, 2}, Data: make([]float64, 4)}},
	})
	require.Error(t, err, "missing scratch must be reported")
}

func TestSum(t *testing.T) {
	got := run(t, Sum(), nil, Arg{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}})
	assert.Equal(t, []float64{10}, got)
}

func TestArityIsChecked(t *testing.T) {
	err := Add().Compute(context.Background(), &Args{})
	require.ErrorIs(t, err, ErrShape)

	err = Copy().Compute(context.Background(), &Args{
		Inputs:  []Arg{{Shape: []int{4}, Data: make([]float64, 2)}},
		Outputs: []Arg{{Shape: []int{4}, Data: make([]float64, 4)}},
	})
	require.ErrorIs(t, err, ErrShape)
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	k, ok := r.Lookup("matmul")
	require.True(t, ok)
	assert.Equal(t, "matmul", k.Name())
	assert.False(t, k.Fusible())

	err := r.Register(Add())
	assert.ErrorContains(t, err, "already registered")

	assert.Contains(t, r.Names(), "softmax")
	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestShapeHelpers(t *testing.T) {
	assert.Equal(t, 6, NumElements([]int{2, 3}))
	assert.Equal(t, int64(48), Bytes([]int{2, 3}))
	assert.True(t, ValidShape([]int{1, 2}))
	assert.False(t, ValidShape([]int{0, 2}))
}
