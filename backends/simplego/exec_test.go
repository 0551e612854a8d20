package simplego

import (
	"math"
	"testing"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecBinaryAndUnary(t *testing.T) {
	xShape := shapes.Make(dtypes.Float32, 2, 3)
	yShape := shapes.Make(dtypes.Float32, 1, 3)
	outputs := buildAndRun(t, []shapes.Shape{xShape, yShape},
		[]any{[]float32{1, 2, 3, 4, 5, 6}, []float32{10, 20, 30}},
		func(b *Builder, params []backends.Op) ([]backends.Op, error) {
			sum, err := b.Add(params[0], params[1])
			if err != nil {
				return nil, err
			}
			neg, err := b.Neg(sum)
			if err != nil {
				return nil, err
			}
			maxOp, err := b.Max(params[0], params[1])
			if err != nil {
				return nil, err
			}
			ratio, err := b.Div(params[1], params[0])
			if err != nil {
				return nil, err
			}
			exp, err := b.Exp(params[0])
			if err != nil {
				return nil, err
			}
			return []backends.Op{neg, maxOp, ratio, exp}, nil
		})
	assert.Equal(t, []float32{-11, -22, -33, -14, -25, -36}, toFloat32(t, outputs[0]))
	assert.Equal(t, []float32{10, 20, 30, 10, 20, 30}, toFloat32(t, outputs[1]))
	assert.Equal(t, []float32{10, 10, 10, 2.5, 4, 5}, toFloat32(t, outputs[2]))
	assert.InDelta(t, math.E, toFloat32(t, outputs[3])[0], 1e-6)
}

func TestExecComparisonAndWhere(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 4)
	outputs := buildAndRun(t, []shapes.Shape{shape, shape}, []any{[]int32{1, 5, 3, 7}, []int32{2, 5, 1, 9}},
		func(b *Builder, params []backends.Op) ([]backends.Op, error) {
			greater, err := b.GreaterThan(params[0], params[1])
			if err != nil {
				return nil, err
			}
			equal, err := b.Equal(params[0], params[1])
			if err != nil {
				return nil, err
			}
			either, err := b.LogicalOr(greater, equal)
			if err != nil {
				return nil, err
			}
			zero, err := b.Constant([]int32{0})
			if err != nil {
				return nil, err
			}
			where, err := b.Where(either, params[0], zero)
			if err != nil {
				return nil, err
			}
			return []backends.Op{either, where}, nil
		})
	gotBool := make([]bool, 4)
	require.NoError(t, backend.BufferToFlatData(outputs[0], gotBool))
	assert.Equal(t, []bool{false, true, true, false}, gotBool)
	gotInt := make([]int32, 4)
	require.NoError(t, backend.BufferToFlatData(outputs[1], gotInt))
	assert.Equal(t, []int32{0, 5, 3, 0}, gotInt)
}

func TestExecShapeOps(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	outputs := buildAndRun(t, []shapes.Shape{shape}, []any{[]float32{0, 1, 2, 3, 4, 5}},
		func(b *Builder, params []backends.Op) ([]backends.Op, error) {
			transposed, err := b.Transpose(params[0], 1, 0)
			if err != nil {
				return nil, err
			}
			reshaped, err := b.Reshape(params[0], 3, 2)
			if err != nil {
				return nil, err
			}
			broadcast, err := b.BroadcastInDim(params[0], shapes.Make(dtypes.Float32, 2, 2, 3), []int{1, 2})
			if err != nil {
				return nil, err
			}
			iota, err := b.Iota(shapes.Make(dtypes.Float32, 2, 3), 1)
			if err != nil {
				return nil, err
			}
			return []backends.Op{transposed, reshaped, broadcast, iota}, nil
		})
	assert.Equal(t, shapes.Make(dtypes.Float32, 3, 2), outputs[0].shape)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, toFloat32(t, outputs[0]))
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, toFloat32(t, outputs[1]))
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}, toFloat32(t, outputs[2]))
	assert.Equal(t, []float32{0, 1, 2, 0, 1, 2}, toFloat32(t, outputs[3]))
}

func TestExecReduceAndConvert(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	outputs := buildAndRun(t, []shapes.Shape{shape}, []any{[]float32{0.5, 1, 2, 3, -4, 5.25}},
		func(b *Builder, params []backends.Op) ([]backends.Op, error) {
			sum, err := b.ReduceSum(params[0], 1)
			if err != nil {
				return nil, err
			}
			maxAll, err := b.ReduceMax(params[0])
			if err != nil {
				return nil, err
			}
			asInt, err := b.ConvertDType(params[0], dtypes.Int32)
			if err != nil {
				return nil, err
			}
			asHalf, err := b.ConvertDType(params[0], dtypes.Float16)
			if err != nil {
				return nil, err
			}
			return []backends.Op{sum, maxAll, asInt, asHalf}, nil
		})
	assert.Equal(t, []float32{3.5, 4.25}, toFloat32(t, outputs[0]))
	assert.Equal(t, []float32{5.25}, toFloat32(t, outputs[1]))
	assert.Equal(t, shapes.Make(dtypes.Float32), outputs[1].shape)
	gotInt := make([]int32, 6)
	require.NoError(t, backend.BufferToFlatData(outputs[2], gotInt))
	assert.Equal(t, []int32{0, 1, 2, 3, -4, 5}, gotInt)
	assert.Equal(t, dtypes.Float16, outputs[3].shape.DType)
}

func TestExecDotGeneral(t *testing.T) {
	// Attention-style logits: [batch=1, heads=2, seq=2, dim=2] x [1, 2, kvSeq=3, 2] -> [1, 2, 2, 3].
	qShape := shapes.Make(dtypes.Float32, 1, 2, 2, 2)
	kShape := shapes.Make(dtypes.Float32, 1, 2, 3, 2)
	q := []float32{1, 0, 0, 1, 1, 1, 2, 0}
	k := []float32{1, 2, 3, 4, 5, 6, 1, 0, 0, 1, 1, 1}
	outputs := buildAndRun(t, []shapes.Shape{qShape, kShape}, []any{q, k},
		func(b *Builder, params []backends.Op) ([]backends.Op, error) {
			logits, err := b.DotGeneral(params[0], []int{3}, []int{0, 1}, params[1], []int{3}, []int{0, 1})
			if err != nil {
				return nil, err
			}
			return []backends.Op{logits}, nil
		})
	assert.Equal(t, shapes.Make(dtypes.Float32, 1, 2, 2, 3), outputs[0].shape)
	want := make([]float32, 12)
	for h := range 2 {
		for i := range 2 {
			for j := range 3 {
				for d := range 2 {
					want[(h*2+i)*3+j] += q[(h*2+i)*2+d] * k[(h*3+j)*2+d]
				}
			}
		}
	}
	assert.Equal(t, want, toFloat32(t, outputs[0]))
}

func TestOpsErrors(t *testing.T) {
	builder := backend.Builder("errors").(*Builder)
	f32, err := builder.Parameter("f32", shapes.Make(dtypes.Float32, 2, 3))
	require.NoError(t, err)
	i32, err := builder.Parameter("i32", shapes.Make(dtypes.Int32, 2, 3))
	require.NoError(t, err)
	_, err = builder.Add(f32, i32)
	assert.Error(t, err, "mismatched dtypes")
	_, err = builder.Reshape(f32, 4)
	assert.Error(t, err, "mismatched size")
	_, err = builder.Transpose(f32, 0, 0)
	assert.Error(t, err, "invalid permutation")
	_, err = builder.ReduceSum(f32, 2)
	assert.Error(t, err, "axis out of range")
	_, err = builder.Where(f32, f32, f32)
	assert.Error(t, err, "condition must be boolean")
	_, err = builder.Parameter("complex", shapes.Make(dtypes.Complex64, 2))
	assert.Error(t, err, "dtype not supported")
	_, err = builder.Constant([]float32{1, 2, 3}, 2)
	assert.Error(t, err, "wrong number of elements")
}
