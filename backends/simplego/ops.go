// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/shapeinference"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// addUnaryOp adds a generic unary op.
func (b *Builder) addUnaryOp(opType backends.OpType, operandOp backends.Op) (*Node, error) {
	inputs, err := b.checkOps(opType.String(), operandOp)
	if err != nil {
		return nil, err
	}
	operand := inputs[0]
	shape, err := shapeinference.UnaryOp(opType, operand.shape)
	if err != nil {
		return nil, err
	}
	return b.newNode(opType, shape, operand), nil
}

// addBinaryOp adds a generic binary op.
func (b *Builder) addBinaryOp(opType backends.OpType, lhsOp, rhsOp backends.Op) (*Node, error) {
	inputs, err := b.checkOps(opType.String(), lhsOp, rhsOp)
	if err != nil {
		return nil, err
	}
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.BinaryOp(opType, lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	return b.newNode(opType, shape, lhs, rhs), nil
}

// addComparisonOp adds a generic comparison binary op.
func (b *Builder) addComparisonOp(opType backends.OpType, lhsOp, rhsOp backends.Op) (*Node, error) {
	inputs, err := b.checkOps(opType.String(), lhsOp, rhsOp)
	if err != nil {
		return nil, err
	}
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.ComparisonOp(opType, lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	return b.newNode(opType, shape, lhs, rhs), nil
}

// Identity implements backends.StandardOps.
func (b *Builder) Identity(x backends.Op) (backends.Op, error) { return b.addUnaryOp(backends.OpTypeIdentity, x) }

// Neg implements backends.StandardOps.
func (b *Builder) Neg(x backends.Op) (backends.Op, error) { return b.addUnaryOp(backends.OpTypeNeg, x) }

// Exp implements backends.StandardOps.
func (b *Builder) Exp(x backends.Op) (backends.Op, error) { return b.addUnaryOp(backends.OpTypeExp, x) }

// Log implements backends.StandardOps.
func (b *Builder) Log(x backends.Op) (backends.Op, error) { return b.addUnaryOp(backends.OpTypeLog, x) }

// LogicalNot implements backends.StandardOps.
func (b *Builder) LogicalNot(x backends.Op) (backends.Op, error) {
	return b.addUnaryOp(backends.OpTypeLogicalNot, x)
}

// Add implements backends.StandardOps.
func (b *Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeAdd, lhs, rhs)
}

// Sub implements backends.StandardOps.
func (b *Builder) Sub(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeSub, lhs, rhs)
}

// Mul implements backends.StandardOps.
func (b *Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMul, lhs, rhs)
}

// Div implements backends.StandardOps.
func (b *Builder) Div(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeDiv, lhs, rhs)
}

// Max implements backends.StandardOps.
func (b *Builder) Max(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMax, lhs, rhs)
}

// LogicalAnd implements backends.StandardOps.
func (b *Builder) LogicalAnd(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeLogicalAnd, lhs, rhs)
}

// LogicalOr implements backends.StandardOps.
func (b *Builder) LogicalOr(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeLogicalOr, lhs, rhs)
}

// Equal implements backends.StandardOps.
func (b *Builder) Equal(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addComparisonOp(backends.OpTypeEqual, lhs, rhs)
}

// GreaterThan implements backends.StandardOps.
func (b *Builder) GreaterThan(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addComparisonOp(backends.OpTypeGreaterThan, lhs, rhs)
}

// GreaterOrEqual implements backends.StandardOps.
func (b *Builder) GreaterOrEqual(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addComparisonOp(backends.OpTypeGreaterOrEqual, lhs, rhs)
}

// LessThan implements backends.StandardOps.
func (b *Builder) LessThan(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addComparisonOp(backends.OpTypeLessThan, lhs, rhs)
}

// LessOrEqual implements backends.StandardOps.
func (b *Builder) LessOrEqual(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addComparisonOp(backends.OpTypeLessOrEqual, lhs, rhs)
}

// Where implements backends.StandardOps.
func (b *Builder) Where(conditionOp, onTrueOp, onFalseOp backends.Op) (backends.Op, error) {
	inputs, err := b.checkOps("Where", conditionOp, onTrueOp, onFalseOp)
	if err != nil {
		return nil, err
	}
	condition, onTrue, onFalse := inputs[0], inputs[1], inputs[2]
	outputShape, err := shapeinference.WhereOp(condition.shape, onTrue.shape, onFalse.shape)
	if err != nil {
		return nil, err
	}
	return b.newNode(backends.OpTypeWhere, outputShape, condition, onTrue, onFalse), nil
}

// ConvertDType implements backends.StandardOps.
func (b *Builder) ConvertDType(x backends.Op, dtype dtypes.DType) (backends.Op, error) {
	inputs, err := b.checkOps("ConvertDType", x)
	if err != nil {
		return nil, err
	}
	operand := inputs[0]
	if !Capabilities.DTypes[dtype] {
		return nil, errors.Wrapf(backends.ErrNotImplemented, "ConvertDType(%s): dtype %s not supported by %q backend",
			operand.shape, dtype, BackendName)
	}
	if operand.shape.DType == dtype {
		return b.newNode(backends.OpTypeIdentity, operand.shape, operand), nil
	}
	output := operand.shape.Clone()
	output.DType = dtype
	return b.newNode(backends.OpTypeConvertDType, output, operand), nil
}

// Iota implements backends.StandardOps.
func (b *Builder) Iota(shape shapes.Shape, iotaAxis int) (backends.Op, error) {
	if _, err := b.checkOps("Iota"); err != nil {
		return nil, err
	}
	if err := shapeinference.IotaOp(shape, iotaAxis); err != nil {
		return nil, err
	}
	n := b.newNode(backends.OpTypeIota, shape)
	n.data = iotaAxis
	return n, nil
}

// Reshape implements backends.StandardOps.
func (b *Builder) Reshape(x backends.Op, dimensions ...int) (backends.Op, error) {
	inputs, err := b.checkOps("Reshape", x)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.ReshapeOp(inputs[0].shape, dimensions)
	if err != nil {
		return nil, err
	}
	return b.newNode(backends.OpTypeReshape, outputShape, inputs[0]), nil
}

// Transpose implements backends.StandardOps.
func (b *Builder) Transpose(x backends.Op, permutation ...int) (backends.Op, error) {
	inputs, err := b.checkOps("Transpose", x)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.TransposeOp(inputs[0].shape, permutation)
	if err != nil {
		return nil, err
	}
	n := b.newNode(backends.OpTypeTranspose, outputShape, inputs[0])
	n.data = slices.Clone(permutation)
	return n, nil
}

// BroadcastInDim implements backends.StandardOps.
func (b *Builder) BroadcastInDim(x backends.Op, outputShape shapes.Shape, broadcastAxes []int) (backends.Op, error) {
	inputs, err := b.checkOps("BroadcastInDim", x)
	if err != nil {
		return nil, err
	}
	if err := shapeinference.BroadcastInDimOp(inputs[0].shape, outputShape, broadcastAxes); err != nil {
		return nil, err
	}
	n := b.newNode(backends.OpTypeBroadcastInDim, outputShape.Clone(), inputs[0])
	n.data = slices.Clone(broadcastAxes)
	return n, nil
}

func (b *Builder) reduce(opType backends.OpType, x backends.Op, axes []int) (backends.Op, error) {
	inputs, err := b.checkOps(opType.String(), x)
	if err != nil {
		return nil, err
	}
	operand := inputs[0]
	if len(axes) == 0 {
		axes = make([]int, operand.shape.Rank())
		for i := range axes {
			axes[i] = i
		}
	}
	outputShape, err := shapeinference.ReduceOp(operand.shape, axes)
	if err != nil {
		return nil, err
	}
	if !operand.shape.DType.IsFloat() && !operand.shape.DType.IsInt() {
		return nil, errors.Errorf("%s: dtype %s not supported", opType, operand.shape.DType)
	}
	n := b.newNode(opType, outputShape, operand)
	n.data = slices.Clone(axes)
	return n, nil
}

// ReduceSum implements backends.StandardOps.
func (b *Builder) ReduceSum(x backends.Op, axes ...int) (backends.Op, error) {
	return b.reduce(backends.OpTypeReduceSum, x, axes)
}

// ReduceMax implements backends.StandardOps.
func (b *Builder) ReduceMax(x backends.Op, axes ...int) (backends.Op, error) {
	return b.reduce(backends.OpTypeReduceMax, x, axes)
}

type dotGeneralNodeData struct {
	lhsContractingAxes, lhsBatchAxes []int
	rhsContractingAxes, rhsBatchAxes []int
}

// DotGeneral implements backends.StandardOps.
func (b *Builder) DotGeneral(lhsOp backends.Op, lhsContractingAxes, lhsBatchAxes []int, rhsOp backends.Op, rhsContractingAxes, rhsBatchAxes []int) (backends.Op, error) {
	inputs, err := b.checkOps("DotGeneral", lhsOp, rhsOp)
	if err != nil {
		return nil, err
	}
	lhs, rhs := inputs[0], inputs[1]
	outputShape, err := shapeinference.DotGeneralOp(lhs.shape, lhsContractingAxes, lhsBatchAxes, rhs.shape, rhsContractingAxes, rhsBatchAxes)
	if err != nil {
		return nil, err
	}
	n := b.newNode(backends.OpTypeDotGeneral, outputShape, lhs, rhs)
	n.data = &dotGeneralNodeData{
		lhsContractingAxes: slices.Clone(lhsContractingAxes),
		lhsBatchAxes:       slices.Clone(lhsBatchAxes),
		rhsContractingAxes: slices.Clone(rhsContractingAxes),
		rhsBatchAxes:       slices.Clone(rhsBatchAxes),
	}
	return n, nil
}
