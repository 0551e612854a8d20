// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// validateBuildingGraphFromInputs checks that all inputs are of the same Graph and that
// the Graph is valid for building.
// It panics with a corresponding error message in case of problems.
// Otherwise, it returns the Graph common to all inputs.
func validateBuildingGraphFromInputs(inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes provided, at least one is required")
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if g == nil {
			g = n.Graph()
			g.AssertBuilding()
		} else if n.Graph() != g {
			exceptions.Panicf("combining nodes from different graphs not allowed: "+
				"input node #%d is part of graph %q, but other input nodes are part of graph %q",
				ii, n.Graph().Name(), g.Name())
		}
		if n.NumOutputs() != 1 {
			exceptions.Panicf("input node #%d (%s) has %d outputs, only single-output nodes can be used as inputs",
				ii, n.Type(), n.NumOutputs())
		}
	}
	return
}

// panicOnOpError wraps a backend error with the name of the op and panics.
func panicOnOpError(err error, opName string, inputs ...*Node) {
	if err == nil {
		return
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, node := range inputs {
		inputShapes[ii] = node.Shape()
	}
	panic(errors.WithMessagef(err, "%s(%v)", opName, inputShapes))
}

// Parameter registers an input parameter for a computation Graph (e.g: a feature used as input).
//
// When created they get a handle (a plain index) but they can also be accessed
// by their unique name. The name must be unique, or empty for a default "#<handle>" name.
func Parameter(g *Graph, name string, shape shapes.Shape) (node *Node) {
	g.AssertBuilding()
	handle := ParameterHandle(len(g.parameters))
	if name == "" {
		name = fmt.Sprintf("#%d", handle)
	}
	if _, found := g.parameterNameToHandle[name]; found {
		exceptions.Panicf("requested parameter with name %q for graph %q already exists", name, g.name)
	}
	checkShape(shape, fmt.Sprintf("parameter %q", name))
	op, err := g.builder.Parameter(name, shape)
	if err != nil {
		panic(errors.WithMessagef(err, "Parameter(%q, %s)", name, shape))
	}
	node = newNode(g, &nodeInputsParameter{name: name, handle: handle}, op)
	g.parameters = append(g.parameters, node)
	g.parameterNameToHandle[name] = handle
	return
}

// ConstTensor returns a newly created constant node for the tensor t.
func ConstTensor(g *Graph, t *tensors.Tensor) *Node {
	g.AssertBuilding()
	var op backends.Op
	var opErr error
	err := t.ConstFlatData(func(flat any) {
		op, opErr = g.builder.Constant(flat, t.Shape().Dimensions...)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		panic(errors.WithMessagef(err, "ConstTensor(%s)", t.Shape()))
	}
	return newNode(g, &nodeInputsConstant{shape: t.Shape()}, op)
}

// Const creates a constant of the given shape with the flat values, converted to dtype.
func Const(g *Graph, dtype dtypes.DType, values []float64, dimensions ...int) *Node {
	t, err := tensors.FromFloat64s(dtype, values, dimensions...)
	if err != nil {
		panic(err)
	}
	return ConstTensor(g, t)
}

// Scalar returns a constant scalar with the given value, converted to dtype.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	return Const(g, dtype, []float64{value})
}

// Zeros creates a zero-initialized tensor of the given shape.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	return BroadcastToShape(Scalar(g, shape.DType, 0), shape)
}

// ZerosLike returns a zero-initialized tensor with the same shape as x.
func ZerosLike(x *Node) *Node {
	return Zeros(x.Graph(), x.Shape())
}

// Ones creates a tensor of the given shape filled with 1.
func Ones(g *Graph, shape shapes.Shape) *Node {
	return BroadcastToShape(Scalar(g, shape.DType, 1), shape)
}

// OnesLike returns a tensor with the same shape as x, filled with 1.
func OnesLike(x *Node) *Node {
	return Ones(x.Graph(), x.Shape())
}

// StopGradient creates an identity node, through which gradients don't back-propagate.
func StopGradient(x *Node) *Node {
	n := Identity(x)
	n.stopGradient = true
	return n
}

// Identity returns a new node with the same value as x.
func Identity(x *Node) *Node {
	return unaryOp(NodeTypeIdentity, backends.Builder.Identity, x)
}

func unaryOp(nodeType NodeType, build func(backends.Builder, backends.Op) (backends.Op, error), x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	op, err := build(g.builder, x.outputOps[0])
	panicOnOpError(err, nodeType.String(), x)
	return newNode(g, &nodeInputsOp{nodeType: nodeType}, op, x)
}

func binaryOp(nodeType NodeType, build func(backends.Builder, backends.Op, backends.Op) (backends.Op, error),
	lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	op, err := build(g.builder, lhs.outputOps[0], rhs.outputOps[0])
	panicOnOpError(err, nodeType.String(), lhs, rhs)
	return newNode(g, &nodeInputsOp{nodeType: nodeType}, op, lhs, rhs)
}

// Add returns lhs + rhs, element-wise. Scalars and axes of dimension 1 are broadcast.
func Add(lhs, rhs *Node) *Node { return binaryOp(NodeTypeAdd, backends.Builder.Add, lhs, rhs) }

// Sub returns lhs - rhs, element-wise. Scalars and axes of dimension 1 are broadcast.
func Sub(lhs, rhs *Node) *Node { return binaryOp(NodeTypeSub, backends.Builder.Sub, lhs, rhs) }

// Mul returns lhs * rhs, element-wise. Scalars and axes of dimension 1 are broadcast.
func Mul(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMul, backends.Builder.Mul, lhs, rhs) }

// Div returns lhs / rhs, element-wise. Scalars and axes of dimension 1 are broadcast.
func Div(lhs, rhs *Node) *Node { return binaryOp(NodeTypeDiv, backends.Builder.Div, lhs, rhs) }

// Max returns the element-wise maximum.
func Max(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMax, backends.Builder.Max, lhs, rhs) }

// Equal returns the element-wise lhs == rhs, as booleans.
func Equal(lhs, rhs *Node) *Node { return binaryOp(NodeTypeEqual, backends.Builder.Equal, lhs, rhs) }

// GreaterThan returns the element-wise lhs > rhs, as booleans.
func GreaterThan(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeGreaterThan, backends.Builder.GreaterThan, lhs, rhs)
}

// GreaterOrEqual returns the element-wise lhs >= rhs, as booleans.
func GreaterOrEqual(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeGreaterOrEqual, backends.Builder.GreaterOrEqual, lhs, rhs)
}

// LessThan returns the element-wise lhs < rhs, as booleans.
func LessThan(lhs, rhs *Node) *Node { return binaryOp(NodeTypeLessThan, backends.Builder.LessThan, lhs, rhs) }

// LessOrEqual returns the element-wise lhs <= rhs, as booleans.
func LessOrEqual(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeLessOrEqual, backends.Builder.LessOrEqual, lhs, rhs)
}

// LogicalAnd returns the element-wise lhs && rhs.
func LogicalAnd(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeLogicalAnd, backends.Builder.LogicalAnd, lhs, rhs)
}

// LogicalOr returns the element-wise lhs || rhs.
func LogicalOr(lhs, rhs *Node) *Node { return binaryOp(NodeTypeLogicalOr, backends.Builder.LogicalOr, lhs, rhs) }

// LogicalNot returns the element-wise !x.
func LogicalNot(x *Node) *Node { return unaryOp(NodeTypeLogicalNot, backends.Builder.LogicalNot, x) }

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, backends.Builder.Neg, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, backends.Builder.Exp, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, backends.Builder.Log, x) }

// AddScalar returns x + value, with value converted to x's dtype.
func AddScalar(x *Node, value float64) *Node {
	return Add(x, Scalar(x.Graph(), x.DType(), value))
}

// MulScalar returns x * value, with value converted to x's dtype.
func MulScalar(x *Node, value float64) *Node {
	return Mul(x, Scalar(x.Graph(), x.DType(), value))
}

// DivScalar returns x / value, with value converted to x's dtype.
func DivScalar(x *Node, value float64) *Node {
	return Div(x, Scalar(x.Graph(), x.DType(), value))
}

// Where takes element-wise values from onTrue or onFalse depending on the value of condition (expected to be boolean).
//
// onTrue and onFalse must have the same shape, or be scalars. The condition must be a scalar or have the
// dimensions of the output.
func Where(condition, onTrue, onFalse *Node) *Node {
	g := validateBuildingGraphFromInputs(condition, onTrue, onFalse)
	op, err := g.builder.Where(condition.outputOps[0], onTrue.outputOps[0], onFalse.outputOps[0])
	panicOnOpError(err, "Where", condition, onTrue, onFalse)
	return newNode(g, &nodeInputsOp{nodeType: NodeTypeWhere}, op, condition, onTrue, onFalse)
}

// ConvertDType of x to dtype. It is a no-op if x already has the dtype.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.DType() == dtype {
		return x
	}
	op, err := g.builder.ConvertDType(x.outputOps[0], dtype)
	panicOnOpError(err, "ConvertDType", x)
	return newNode(g, &nodeInputsConvertDType{dtype: dtype}, op, x)
}

// Iota creates a constant of the given shape with increasing numbers (starting from 0)
// on the given axis. So Iota([2,2], 1) returns [[0 1][0 1]], while Iota([2,2], 0)
// returns [[0 0][1 1]].
func Iota(g *Graph, shape shapes.Shape, iotaAxis int) *Node {
	g.AssertBuilding()
	op, err := g.builder.Iota(shape, iotaAxis)
	if err != nil {
		panic(errors.WithMessagef(err, "Iota(%s, %d)", shape, iotaAxis))
	}
	return newNode(g, &nodeInputsIota{shape: shape, iotaAxis: iotaAxis}, op)
}

// Reshape x to the given dimensions. The total size cannot change.
// One dimension can be set to -1, in which case it is inferred from the others.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	dimensions = slices.Clone(dimensions)
	if idx := slices.Index(dimensions, -1); idx >= 0 {
		otherSize := 1
		for ii, dim := range dimensions {
			if ii != idx {
				otherSize *= dim
			}
		}
		if otherSize == 0 || x.Shape().Size()%otherSize != 0 {
			exceptions.Panicf("Reshape(%s, %v): can't infer the dimension marked as -1", x.Shape(), dimensions)
		}
		dimensions[idx] = x.Shape().Size() / otherSize
	}
	if slices.Equal(dimensions, x.Shape().Dimensions) {
		return x
	}
	op, err := g.builder.Reshape(x.outputOps[0], dimensions...)
	panicOnOpError(err, "Reshape", x)
	return newNode(g, &nodeInputsOp{nodeType: NodeTypeReshape, axes: dimensions}, op, x)
}

// TransposeAllAxes permutes all the axes of x: output axis i is the input axis permutation[i].
func TransposeAllAxes(x *Node, permutation ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	isIdentity := true
	for ii, axis := range permutation {
		if ii != axis {
			isIdentity = false
			break
		}
	}
	if isIdentity && len(permutation) == x.Rank() {
		return x
	}
	op, err := g.builder.Transpose(x.outputOps[0], permutation...)
	panicOnOpError(err, "TransposeAllAxes", x)
	return newNode(g, &nodeInputsOp{nodeType: NodeTypeTranspose, axes: slices.Clone(permutation)}, op, x)
}

// Transpose swaps the two given axes of x.
func Transpose(x *Node, axisA, axisB int) *Node {
	permutation := make([]int, x.Rank())
	for ii := range permutation {
		permutation[ii] = ii
	}
	permutation[axisA], permutation[axisB] = axisB, axisA
	return TransposeAllAxes(x, permutation...)
}

// broadcastInDim maps the axes of x to the broadcastAxes of the output shape, broadcasting the other axes.
func broadcastInDim(x *Node, outputShape shapes.Shape, broadcastAxes []int) *Node {
	g := validateBuildingGraphFromInputs(x)
	op, err := g.builder.BroadcastInDim(x.outputOps[0], outputShape, broadcastAxes)
	panicOnOpError(err, "BroadcastInDim", x)
	return newNode(g, &nodeInputsBroadcastInDim{outputShape: outputShape, broadcastAxes: slices.Clone(broadcastAxes)}, op, x)
}

// BroadcastToShape broadcasts x to the given shape: x must be a scalar or have the same rank as shape, with
// dimensions equal to the shape's or 1. The dtype of shape is ignored.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	return BroadcastToDims(x, shape.Dimensions...)
}

// BroadcastToDims broadcasts x to the given dimensions: x must be a scalar or have the same rank as dimensions,
// with each dimension equal to the target or 1.
func BroadcastToDims(x *Node, dimensions ...int) *Node {
	if slices.Equal(x.Shape().Dimensions, dimensions) {
		return x
	}
	outputShape := shapes.Make(x.DType(), dimensions...)
	if x.IsScalar() {
		return broadcastInDim(x, outputShape, []int{})
	}
	if x.Rank() != len(dimensions) {
		exceptions.Panicf("BroadcastToDims(%s, %v): x must be a scalar or have the same rank", x.Shape(), dimensions)
	}
	axes := make([]int, x.Rank())
	for ii := range axes {
		axes[ii] = ii
	}
	return broadcastInDim(x, outputShape, axes)
}

// ExpandAxes inserts new axes of dimension 1 at the given positions of the output.
func ExpandAxes(x *Node, newAxes ...int) *Node {
	rank := x.Rank() + len(newAxes)
	dims := make([]int, 0, rank)
	srcAxis := 0
	for axis := range rank {
		if slices.Contains(newAxes, axis) {
			dims = append(dims, 1)
		} else {
			if srcAxis >= x.Rank() {
				exceptions.Panicf("ExpandAxes(%s, %v): invalid new axes", x.Shape(), newAxes)
			}
			dims = append(dims, x.Shape().Dimensions[srcAxis])
			srcAxis++
		}
	}
	if srcAxis != x.Rank() {
		exceptions.Panicf("ExpandAxes(%s, %v): invalid new axes", x.Shape(), newAxes)
	}
	return Reshape(x, dims...)
}

func reduceOp(nodeType NodeType, build func(backends.Builder, backends.Op, ...int) (backends.Op, error),
	x *Node, axes []int) *Node {
	g := validateBuildingGraphFromInputs(x)
	if axes == nil {
		axes = []int{}
	}
	op, err := build(g.builder, x.outputOps[0], axes...)
	panicOnOpError(err, nodeType.String(), x)
	return newNode(g, &nodeInputsOp{nodeType: nodeType, axes: slices.Clone(axes)}, op, x)
}

// ReduceSum reduces x over the given axes, removing them. No axes means reduce all.
func ReduceSum(x *Node, axes ...int) *Node {
	return reduceOp(NodeTypeReduceSum, backends.Builder.ReduceSum, x, axes)
}

// ReduceAllSum reduces all axes of x, returning a scalar.
func ReduceAllSum(x *Node) *Node {
	return ReduceSum(x)
}

// ReduceMax reduces x over the given axes with max, removing them. No axes means reduce all.
func ReduceMax(x *Node, axes ...int) *Node {
	return reduceOp(NodeTypeReduceMax, backends.Builder.ReduceMax, x, axes)
}

// ReduceAndKeep applies the reduce function over the axes, and reshapes the result so the reduced axes are kept
// with dimension 1.
func ReduceAndKeep(x *Node, reduceFn func(x *Node, axes ...int) *Node, axes ...int) *Node {
	dims := slices.Clone(x.Shape().Dimensions)
	for _, axis := range axes {
		dims[axis] = 1
	}
	return Reshape(reduceFn(x, axes...), dims...)
}

// DotGeneral takes as input lhs (left-hand-side) and rhs (right-hand-side) specifications
// for a general vector product -- a generalized "Einsum". Each axis can be:
//
//   - Just aligned (batch axes), so the output has the same axes as the inputs. The dimensions
//     must match in lhs and rhs.
//   - Crossed (default), in which case the output is the combination (concatenation) of the
//     dimensions.
//   - Contracted (contracting axes), where the output does multiply the values and reduce sum
//     those dimensions.
//
// The output axes are the batch axes first, followed by the lhs crossed axes and then the rhs crossed axes.
func DotGeneral(lhs *Node, lhsContractingAxes, lhsBatchAxes []int, rhs *Node, rhsContractingAxes, rhsBatchAxes []int) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	op, err := g.builder.DotGeneral(lhs.outputOps[0], lhsContractingAxes, lhsBatchAxes,
		rhs.outputOps[0], rhsContractingAxes, rhsBatchAxes)
	panicOnOpError(err, "DotGeneral", lhs, rhs)
	inputs := &nodeInputsDotGeneral{
		lhsContractingAxes: slices.Clone(lhsContractingAxes),
		lhsBatchAxes:       slices.Clone(lhsBatchAxes),
		rhsContractingAxes: slices.Clone(rhsContractingAxes),
		rhsBatchAxes:       slices.Clone(rhsBatchAxes),
	}
	return newNode(g, inputs, op, lhs, rhs)
}

// Softmax computes softmax activations over the given axis (the last axis by default).
// It's numerically stable: the max is subtracted before the exponentiation.
func Softmax(logits *Node, axes ...int) *Node {
	if len(axes) == 0 {
		axes = []int{logits.Rank() - 1}
	}
	normalizingMax := StopGradient(ReduceAndKeep(logits, ReduceMax, axes...))
	normalizedLogits := Sub(logits, normalizingMax)
	numerator := Exp(normalizedLogits)
	denominator := ReduceAndKeep(numerator, ReduceSum, axes...)
	return Div(numerator, denominator)
}
