// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// This can be useful for new backends to test and help plan for buffer space for temporary or output buffers.
//
// It defines a BinaryOp function for shape inference for the majority of binary functions, using the standard
// broadcasting rules.
//
// The unary functions don't change the shape, except those that explicitly say that in their name,
// like Reshape, etc.
//
// For the remainder ops, it defines one function per OpType.
package shapeinference

import (
	"slices"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// StandardBinaryOperations include all operations that have two operands usually named lhs (left-hand-side) and
	// rhs (right-hand-side) and output a value of the same dtype.
	StandardBinaryOperations = map[backends.OpType]bool{
		backends.OpTypeAdd:        true,
		backends.OpTypeSub:        true,
		backends.OpTypeMul:        true,
		backends.OpTypeDiv:        true,
		backends.OpTypeMax:        true,
		backends.OpTypeLogicalAnd: true,
		backends.OpTypeLogicalOr:  true,
	}

	// ComparisonOperations include all operations that take two inputs and returns booleans with the results of
	// their comparisons.
	ComparisonOperations = map[backends.OpType]bool{
		backends.OpTypeEqual:          true,
		backends.OpTypeGreaterOrEqual: true,
		backends.OpTypeGreaterThan:    true,
		backends.OpTypeLessOrEqual:    true,
		backends.OpTypeLessThan:       true,
	}

	// StandardUnaryOperations include all operations that have a single operand as input, and the return shape is the
	// same as the input (so no reductions).
	StandardUnaryOperations = map[backends.OpType]bool{
		backends.OpTypeIdentity:   true,
		backends.OpTypeNeg:        true,
		backends.OpTypeExp:        true,
		backends.OpTypeLog:        true,
		backends.OpTypeLogicalNot: true,
	}

	// BooleanOperations take booleans as input, aka. logical operations.
	BooleanOperations = map[backends.OpType]bool{
		backends.OpTypeLogicalAnd: true,
		backends.OpTypeLogicalOr:  true,
		backends.OpTypeLogicalNot: true,
	}

	// FloatOperations operates only on float (and not on complex numbers).
	FloatOperations = map[backends.OpType]bool{
		backends.OpTypeExp: true,
		backends.OpTypeLog: true,
	}
)

func isNumber(dtype dtypes.DType) bool {
	return dtype.IsInt() || dtype.IsFloat()
}

// BinaryOp returns the expected output shape for ops in the StandardBinaryOperations set.
//
// It returns an error if the data type (shape.DType) is invalid for the operation -- e.g.: non-matching
// dtypes, or LogicalAnd not having booleans (dtype.Bool) as input.
func BinaryOp(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !StandardBinaryOperations[opType] {
		err = errors.Errorf("operation %s is not in the StandardBinaryOperations set, cannot process it with BinaryOp", opType)
		return
	}
	if !lhsShape.Ok() || !rhsShape.Ok() {
		err = errors.Errorf("invalid shape for %s or %s for BinaryOp %s", lhsShape, rhsShape, opType)
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for BinaryOp %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if BooleanOperations[opType] {
		if lhsShape.DType != dtypes.Bool {
			err = errors.Errorf("logical BinaryOp %s must have boolean (dtype.Bool) data types as input, got %s", opType, lhsShape)
			return
		}
	} else if !isNumber(lhsShape.DType) {
		err = errors.Errorf("numeric BinaryOp %s must have a number (Int32, Float32, ...) data type as input, got %s", opType, lhsShape)
		return
	}
	return binaryOpImpl(opType, lhsShape, rhsShape)
}

func binaryOpImpl(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	// Trivial cases: if one of the sides is a scalar, return the other side shape.
	if lhsShape.IsScalar() {
		return rhsShape.Clone(), nil
	}
	if rhsShape.IsScalar() {
		return lhsShape.Clone(), nil
	}

	// Other cases, either the dimensions match or one of them is 1.
	if lhsShape.Rank() != rhsShape.Rank() {
		err = errors.Errorf("if operands are not scalars, their rank must match for BinaryOp (%s), got shapes %s and %s",
			opType, lhsShape, rhsShape)
		return
	}
	output = lhsShape.Clone()
	for axis := range output.Rank() {
		lhsDim := lhsShape.Dimensions[axis]
		rhsDim := rhsShape.Dimensions[axis]
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			err = errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for BinaryOp (%s), got shapes %s and %s",
				axis, opType, lhsShape, rhsShape)
			return
		}
		output.Dimensions[axis] = max(lhsDim, rhsDim)
	}
	return
}

// ComparisonOp returns the broadcast shape with dtype set to Bool, for comparison operations (Equal, LessThan, GreaterOrEqual, etc.)
func ComparisonOp(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !ComparisonOperations[opType] {
		err = errors.Errorf("operation %s is not in the ComparisonOperations set, cannot process it with ComparisonOp", opType)
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for ComparisonOp %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if !isNumber(lhsShape.DType) {
		err = errors.Errorf("ComparisonOp %s requires numbers, got %s", opType, lhsShape)
		return
	}
	output, err = binaryOpImpl(opType, lhsShape, rhsShape)
	if err != nil {
		return
	}
	output.DType = dtypes.Bool
	return
}

// UnaryOp checks the validity of the data type for StandardUnaryOperations and returns either an error or
// the output shape, which is the same as the operand.
func UnaryOp(opType backends.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !StandardUnaryOperations[opType] {
		err = errors.Errorf("operation %s is not in the StandardUnaryOperations set, cannot process it with UnaryOp", opType)
		return
	}
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for UnaryOp %s", operand, opType)
		return
	}
	if BooleanOperations[opType] && operand.DType != dtypes.Bool {
		err = errors.Errorf("logical UnaryOp %s must have boolean (dtype.Bool) data types as input, got %s", opType, operand)
		return
	}
	if FloatOperations[opType] && !operand.DType.IsFloat() {
		err = errors.Errorf("float UnaryOp %s must have a float (Float16, Float32, ...) data type as input, got %s", opType, operand)
		return
	}
	if opType == backends.OpTypeNeg && (!isNumber(operand.DType) || operand.DType.IsUnsigned()) {
		err = errors.Errorf("UnaryOp %s must have a signed data type as input, got %s", opType, operand)
		return
	}
	output = operand.Clone()
	return
}

// WhereOp returns the shape resulting from the Where operation.
//
// Shape constraints for the operation:
//
//  1. The onTrue and onFalse must have the exact same shape, or one can be a scalar.
//  2. The condition must either be a scalar or match the shape of onTrue or onFalse, except for the DType that
//     must be Bool.
func WhereOp(condition, onTrue, onFalse shapes.Shape) (output shapes.Shape, err error) {
	if condition.DType != dtypes.Bool {
		err = errors.Errorf("condition for Where() must be a boolean, got %s instead", condition)
		return
	}
	if onTrue.DType != onFalse.DType {
		err = errors.Errorf("onTrue (%s) and onFalse (%s) values for Where() must have the same dtype", onTrue, onFalse)
		return
	}
	if !onTrue.IsScalar() && !onFalse.IsScalar() && !onTrue.Equal(onFalse) {
		err = errors.Errorf("onTrue (%s) and onFalse (%s) values for Where() must either be scalar or match each other's shape",
			onTrue, onFalse)
		return
	}

	output = onTrue.Clone()
	if output.IsScalar() {
		output = onFalse.Clone()
		if output.IsScalar() && !condition.IsScalar() {
			output = condition.Clone()
			output.DType = onTrue.DType
		}
	}

	if !condition.IsScalar() && !slices.Equal(condition.Dimensions, output.Dimensions) {
		err = errors.Errorf("condition for Where() must either be a scalar or match the output shape (not the DType), "+
			"instead got shapes condition=%s, onTrue=%s and onFalse=%s", condition, onTrue, onFalse)
		return
	}
	return
}

// ReshapeOp to the given dimensions: trivial output shape, but this function also checks
// that the sizes are the same.
func ReshapeOp(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	for _, dim := range dims {
		if dim < 0 {
			return shapes.Invalid(), errors.Errorf("Reshape() given negative dimension in %v", dims)
		}
	}
	output = shapes.Make(operand.DType, dims...)
	if operand.Size() != output.Size() {
		err = errors.Errorf("Reshape() cannot reshape %s to dimensions %v, their size don't match",
			operand, dims)
		return shapes.Invalid(), err
	}
	return
}

// TransposeOp all axes of the operand.
// There must be one value in permutations for each axis in the operand.
// The output will have: output.Shape.Dimension[ii] = operand.Shape.Dimension[permutations[i]].
func TransposeOp(operand shapes.Shape, permutations []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutations) != rank {
		err = errors.Errorf("Transpose() requires all axes permutations to be defined, operand has shape %s, but %d permutations were given",
			operand, len(permutations))
		return
	}
	if rank == 0 {
		return operand, nil
	}

	// Check permutation axes are within range and unique.
	axesSet := slices.Clone(permutations)
	slices.Sort(axesSet)
	for ii, srcAxis := range axesSet {
		if srcAxis < 0 || srcAxis >= rank {
			err = errors.Errorf("invalid permutation axis %d given to Transpose(%s), it must be within the range of its rank",
				srcAxis, operand)
			return
		}
		if ii > 0 && srcAxis == axesSet[ii-1] {
			err = errors.Errorf("invalid permutations given to Transpose(%s, %v), there cannot be any repeated axis, each must appear exactly once",
				operand, permutations)
			return
		}
	}
	return operand.Permute(permutations), nil
}

// BroadcastInDimOp verifies that the arguments are valid. The output shape is already known, so nothing is returned.
func BroadcastInDimOp(operand, outputShape shapes.Shape, broadcastAxes []int) error {
	if len(broadcastAxes) != operand.Rank() {
		return errors.Errorf("there must be exactly one broadcastAxes (%v) per axis in the operand (%s)",
			broadcastAxes, operand)
	}
	if operand.DType != outputShape.DType {
		return errors.Errorf("BroadcastInDim() cannot change dtype from %s to %s", operand, outputShape)
	}
	for axisInOperand, axisInOutput := range broadcastAxes {
		if axisInOutput < 0 || axisInOutput >= outputShape.Rank() {
			return errors.Errorf("broadcastAxes (%v) defines a value out-of-range (%d-th value -> %d), they must be between 0 and outputShape.Rank()-1=%d",
				broadcastAxes, axisInOperand, axisInOutput, outputShape.Rank()-1)
		}
		if axisInOperand > 0 && axisInOutput <= broadcastAxes[axisInOperand-1] {
			return errors.Errorf("broadcastAxes (%v) must be strictly increasing", broadcastAxes)
		}
		if operand.Dimensions[axisInOperand] != 1 && operand.Dimensions[axisInOperand] != outputShape.Dimensions[axisInOutput] {
			return errors.Errorf("the values of outputShape (%v) that are being broadcast (listed in broadcastAxes) "+
				"must match the corresponding value in the operand shape (%s) or be 1 (if broadcasting), "+
				"but the value of outputShape.Dimensions[%d]=%d does not match the value in operand.Shape().Dimensions[%d]=%d",
				outputShape, operand, axisInOutput, outputShape.Dimensions[axisInOutput], axisInOperand, operand.Dimensions[axisInOperand])
		}
	}
	return nil
}

// ReduceOp works for the ReduceMax and ReduceSum ops.
func ReduceOp(operand shapes.Shape, axes []int) (output shapes.Shape, err error) {
	if len(axes) == 0 {
		// Reduce all axes.
		return shapes.Make(operand.DType), nil
	}
	reduced := make(map[int]bool, len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= operand.Rank() {
			return shapes.Invalid(), errors.Errorf("Reduce operation require each axis to be 0 <= axis < rank, but got invalid axis %d for shape %s", axis, operand)
		}
		if reduced[axis] {
			return shapes.Invalid(), errors.Errorf("Reduce operation given repeated axis %d for shape %s", axis, operand)
		}
		reduced[axis] = true
	}
	output = shapes.Make(operand.DType)
	output.Dimensions = make([]int, 0, operand.Rank()-len(axes))
	for axis, dim := range operand.Dimensions {
		if !reduced[axis] {
			output.Dimensions = append(output.Dimensions, dim)
		}
	}
	return
}

// IotaOp validates the iota axis.
func IotaOp(shape shapes.Shape, iotaAxis int) error {
	if shape.Rank() == 0 {
		return errors.Errorf("Iota() requires a shape with at least one axis, got %s", shape)
	}
	if iotaAxis < 0 || iotaAxis >= shape.Rank() {
		return errors.Errorf("Iota(%s, %d) axis out-of-range", shape, iotaAxis)
	}
	if !isNumber(shape.DType) {
		return errors.Errorf("Iota() requires a numeric dtype, got %s", shape)
	}
	return nil
}

// DotGeneralOp returns the output shape of a DotGeneral: batch axes first, then the lhs free axes followed
// by the rhs free axes.
func DotGeneralOp(lhs shapes.Shape, lhsContractingAxes, lhsBatchAxes []int,
	rhs shapes.Shape, rhsContractingAxes, rhsBatchAxes []int) (output shapes.Shape, err error) {
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("DotGeneral() requires operands of the same dtype, got %s and %s", lhs, rhs)
	}
	if len(lhsContractingAxes) != len(rhsContractingAxes) || len(lhsBatchAxes) != len(rhsBatchAxes) {
		return shapes.Invalid(), errors.Errorf("DotGeneral() requires the same number of contracting and batch axes on both sides, "+
			"got lhs contracting=%v batch=%v and rhs contracting=%v batch=%v",
			lhsContractingAxes, lhsBatchAxes, rhsContractingAxes, rhsBatchAxes)
	}
	lhsUsed, err := dotGeneralUsedAxes("lhs", lhs, lhsContractingAxes, lhsBatchAxes)
	if err != nil {
		return shapes.Invalid(), err
	}
	rhsUsed, err := dotGeneralUsedAxes("rhs", rhs, rhsContractingAxes, rhsBatchAxes)
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := make([]int, 0, lhs.Rank()+rhs.Rank())
	for i, lhsAxis := range lhsBatchAxes {
		if lhs.Dimensions[lhsAxis] != rhs.Dimensions[rhsBatchAxes[i]] {
			return shapes.Invalid(), errors.Errorf("DotGeneral() batch axes %d (lhs) and %d (rhs) have different dimensions for %s and %s",
				lhsAxis, rhsBatchAxes[i], lhs, rhs)
		}
		dims = append(dims, lhs.Dimensions[lhsAxis])
	}
	for i, lhsAxis := range lhsContractingAxes {
		if lhs.Dimensions[lhsAxis] != rhs.Dimensions[rhsContractingAxes[i]] {
			return shapes.Invalid(), errors.Errorf("DotGeneral() contracting axes %d (lhs) and %d (rhs) have different dimensions for %s and %s",
				lhsAxis, rhsContractingAxes[i], lhs, rhs)
		}
	}
	for axis, dim := range lhs.Dimensions {
		if !lhsUsed[axis] {
			dims = append(dims, dim)
		}
	}
	for axis, dim := range rhs.Dimensions {
		if !rhsUsed[axis] {
			dims = append(dims, dim)
		}
	}
	return shapes.Make(lhs.DType, dims...), nil
}

func dotGeneralUsedAxes(side string, shape shapes.Shape, contracting, batch []int) (map[int]bool, error) {
	used := make(map[int]bool, len(contracting)+len(batch))
	for _, axis := range slices.Concat(contracting, batch) {
		if axis < 0 || axis >= shape.Rank() {
			return nil, errors.Errorf("DotGeneral() %s axis %d out-of-range for %s", side, axis, shape)
		}
		if used[axis] {
			return nil, errors.Errorf("DotGeneral() %s axis %d used more than once for %s", side, axis, shape)
		}
		used[axis] = true
	}
	return used, nil
}
