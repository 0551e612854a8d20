package shapeinference

import (
	"testing"

	. "github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	Bool = dtypes.Bool
	I8   = dtypes.Int8
	I32  = dtypes.Int32
	F16  = dtypes.Float16
	F32  = dtypes.Float32
	U64  = dtypes.Uint64

	MS = shapes.Make
)

// must1 panics if there is an error.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestBinaryOp(t *testing.T) {
	// Invalid data types check.
	var err error
	_, err = BinaryOp(OpTypeLogicalAnd, MS(I8), MS(I8))
	require.Error(t, err)
	_, err = BinaryOp(OpTypeMul, MS(Bool, 1), MS(Bool, 1))
	require.Error(t, err)
	_, err = BinaryOp(OpTypeAdd, MS(F32, 1), MS(F16, 1))
	require.Error(t, err)

	// Invalid operation type (not binary op).
	_, err = BinaryOp(OpTypeExp, MS(F32), MS(F32))
	require.Error(t, err)

	// The same shape should be ok.
	var output shapes.Shape
	intMatrixShape := MS(I8, 3, 3)
	output, err = BinaryOp(OpTypeMax, intMatrixShape, intMatrixShape)
	require.NoError(t, err)
	require.True(t, intMatrixShape.Equal(output))

	// Scalar with matrix.
	scalarShape := MS(F32)
	matrixShape := MS(F32, 2, 3)
	expectedShape := MS(F32, 2, 3)
	output, err = BinaryOp(OpTypeAdd, scalarShape, scalarShape)
	require.NoError(t, err)
	require.True(t, scalarShape.Equal(output))
	output, err = BinaryOp(OpTypeAdd, scalarShape, matrixShape)
	require.NoError(t, err)
	require.True(t, expectedShape.Equal(output))

	// Broadcasting from both sides.
	shape1 := MS(F32, 2, 1, 3)
	shape2 := MS(F32, 1, 4, 3)
	expectedBroadcastShape := MS(F32, 2, 4, 3)
	require.True(t, expectedBroadcastShape.Equal(must1(BinaryOp(OpTypeMul, shape1, shape2))))

	// Matrix with scalar.
	require.True(t, expectedShape.Equal(must1(BinaryOp(OpTypeAdd, matrixShape, scalarShape))))

	// Invalid broadcasting shapes.
	invalidShape1 := MS(F32, 2, 3)
	invalidShape2 := MS(F32, 3, 2)
	_, err = BinaryOp(OpTypeAdd, invalidShape1, invalidShape2)
	require.Error(t, err)

	// Rank mismatch, non-scalars.
	_, err = BinaryOp(OpTypeAdd, MS(F32, 4), MS(F32, 1, 4))
	require.Error(t, err)
}

func TestComparisonOp(t *testing.T) {
	output, err := ComparisonOp(OpTypeLessThan, MS(I32, 1, 5), MS(I32, 3, 1))
	require.NoError(t, err)
	require.Equal(t, MS(Bool, 3, 5), output)

	_, err = ComparisonOp(OpTypeAdd, MS(I32, 1, 5), MS(I32, 3, 1))
	require.Error(t, err)
	_, err = ComparisonOp(OpTypeEqual, MS(Bool, 2), MS(Bool, 2))
	require.Error(t, err)
}

func TestUnaryOp(t *testing.T) {
	// Invalid data types check.
	require.Panics(t, func() { must1(UnaryOp(OpTypeLogicalNot, MS(F32))) })
	require.Panics(t, func() { must1(UnaryOp(OpTypeNeg, MS(Bool))) })
	require.Panics(t, func() { must1(UnaryOp(OpTypeNeg, MS(U64))) })
	require.Panics(t, func() { must1(UnaryOp(OpTypeExp, MS(I32))) })

	// Valid operation.
	shape := MS(F16, 3, 3)
	require.True(t, shape.Equal(must1(UnaryOp(OpTypeExp, shape))))
	require.True(t, MS(Bool, 2).Equal(must1(UnaryOp(OpTypeLogicalNot, MS(Bool, 2)))))
}

func TestWhereOp(t *testing.T) {
	output, err := WhereOp(MS(Bool, 2, 3), MS(F32), MS(F32, 2, 3))
	require.NoError(t, err)
	require.Equal(t, MS(F32, 2, 3), output)

	// Both values scalar: the condition defines the output dimensions.
	output, err = WhereOp(MS(Bool, 4), MS(F16), MS(F16))
	require.NoError(t, err)
	require.Equal(t, MS(F16, 4), output)

	_, err = WhereOp(MS(F32, 2, 3), MS(F32), MS(F32))
	require.Error(t, err)
	_, err = WhereOp(MS(Bool, 3, 2), MS(F32, 2, 3), MS(F32, 2, 3))
	require.Error(t, err)
	_, err = WhereOp(MS(Bool), MS(F32, 2, 3), MS(F16, 2, 3))
	require.Error(t, err)
}

func TestReshapeTransposeOp(t *testing.T) {
	require.Equal(t, MS(F32, 6, 4), must1(ReshapeOp(MS(F32, 2, 3, 4), []int{6, 4})))
	_, err := ReshapeOp(MS(F32, 2, 3, 4), []int{5, 4})
	require.Error(t, err)

	// Swap seq and heads axes.
	require.Equal(t, MS(F16, 2, 8, 16, 64), must1(TransposeOp(MS(F16, 2, 16, 8, 64), []int{0, 2, 1, 3})))
	_, err = TransposeOp(MS(F16, 2, 16, 8, 64), []int{0, 2, 2, 3})
	require.Error(t, err)
	_, err = TransposeOp(MS(F16, 2, 16, 8, 64), []int{0, 2, 1})
	require.Error(t, err)
}

func TestBroadcastInDimOp(t *testing.T) {
	require.NoError(t, BroadcastInDimOp(MS(F32, 1, 3), MS(F32, 2, 4, 3), []int{0, 2}))
	require.Error(t, BroadcastInDimOp(MS(F32, 2, 3), MS(F32, 4, 3), []int{0, 1}))
	require.Error(t, BroadcastInDimOp(MS(F32, 3), MS(F32, 4, 3), []int{0, 1}))
	require.Error(t, BroadcastInDimOp(MS(F32, 3, 4), MS(F32, 4, 3), []int{1, 0}))
}

func TestReduceOp(t *testing.T) {
	require.Equal(t, MS(F32, 2, 4), must1(ReduceOp(MS(F32, 2, 3, 4), []int{1})))
	require.Equal(t, MS(F32), must1(ReduceOp(MS(F32, 2, 3, 4), nil)))
	_, err := ReduceOp(MS(F32, 2, 3), []int{2})
	require.Error(t, err)
	_, err = ReduceOp(MS(F32, 2, 3), []int{1, 1})
	require.Error(t, err)
}

func TestIotaOp(t *testing.T) {
	require.NoError(t, IotaOp(MS(I32, 4, 5), 1))
	require.Error(t, IotaOp(MS(I32), 0))
	require.Error(t, IotaOp(MS(I32, 4, 5), 2))
	require.Error(t, IotaOp(MS(Bool, 4), 0))
}

func TestDotGeneralOp(t *testing.T) {
	// Attention logits: [B, N, T, H] x [B, N, S, H] -> [B, N, T, S].
	q := MS(F16, 2, 4, 16, 64)
	k := MS(F16, 2, 4, 32, 64)
	output, err := DotGeneralOp(q, []int{3}, []int{0, 1}, k, []int{3}, []int{0, 1})
	require.NoError(t, err)
	require.Equal(t, MS(F16, 2, 4, 16, 32), output)

	// Mismatching contracting dimension.
	_, err = DotGeneralOp(q, []int{3}, []int{0, 1}, MS(F16, 2, 4, 32, 32), []int{3}, []int{0, 1})
	require.Error(t, err)

	// Mismatching batch dimension.
	_, err = DotGeneralOp(q, []int{3}, []int{0, 1}, MS(F16, 3, 4, 32, 64), []int{3}, []int{0, 1})
	require.Error(t, err)

	// Repeated axis.
	_, err = DotGeneralOp(q, []int{3}, []int{3, 1}, k, []int{3}, []int{0, 1})
	require.Error(t, err)

	// DType mismatch.
	_, err = DotGeneralOp(q, []int{3}, []int{0, 1}, MS(F32, 2, 4, 32, 64), []int{3}, []int{0, 1})
	require.Error(t, err)
}
