// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
)

// executor computes the output of a single-output node. Errors are reported by panicking.
type executor func(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer

// nodeExecutors maps the op types to their implementation.
var nodeExecutors map[backends.OpType]executor

func init() {
	nodeExecutors = map[backends.OpType]executor{
		backends.OpTypeConstant:       execConstant,
		backends.OpTypeIdentity:       execIdentity,
		backends.OpTypeConvertDType:   execConvertDType,
		backends.OpTypeIota:           execIota,
		backends.OpTypeReshape:        execReshape,
		backends.OpTypeTranspose:      execTranspose,
		backends.OpTypeBroadcastInDim: execBroadcastInDim,
		backends.OpTypeReduceSum:      execReduceSum,
		backends.OpTypeReduceMax:      execReduceMax,
		backends.OpTypeDotGeneral:     execDotGeneral,
		backends.OpTypeWhere:          execWhere,
	}
	for opType, fn := range unaryFns {
		nodeExecutors[opType] = unaryExecutor(fn)
	}
	for opType, fn := range binaryFns {
		nodeExecutors[opType] = binaryExecutor(fn)
	}
}

var unaryFns = map[backends.OpType]func(float64) float64{
	backends.OpTypeNeg: func(x float64) float64 { return -x },
	backends.OpTypeExp: math.Exp,
	backends.OpTypeLog: math.Log,
	backends.OpTypeLogicalNot: func(x float64) float64 {
		if x != 0 {
			return 0
		}
		return 1
	},
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var binaryFns = map[backends.OpType]func(lhs, rhs float64) float64{
	backends.OpTypeAdd: func(lhs, rhs float64) float64 { return lhs + rhs },
	backends.OpTypeSub: func(lhs, rhs float64) float64 { return lhs - rhs },
	backends.OpTypeMul: func(lhs, rhs float64) float64 { return lhs * rhs },
	backends.OpTypeDiv: func(lhs, rhs float64) float64 { return lhs / rhs },
	backends.OpTypeMax: func(lhs, rhs float64) float64 { return max(lhs, rhs) },
	backends.OpTypeLogicalAnd: func(lhs, rhs float64) float64 {
		return boolToFloat(lhs != 0 && rhs != 0)
	},
	backends.OpTypeLogicalOr: func(lhs, rhs float64) float64 {
		return boolToFloat(lhs != 0 || rhs != 0)
	},
	backends.OpTypeEqual:          func(lhs, rhs float64) float64 { return boolToFloat(lhs == rhs) },
	backends.OpTypeGreaterThan:    func(lhs, rhs float64) float64 { return boolToFloat(lhs > rhs) },
	backends.OpTypeGreaterOrEqual: func(lhs, rhs float64) float64 { return boolToFloat(lhs >= rhs) },
	backends.OpTypeLessThan:       func(lhs, rhs float64) float64 { return boolToFloat(lhs < rhs) },
	backends.OpTypeLessOrEqual:    func(lhs, rhs float64) float64 { return boolToFloat(lhs <= rhs) },
}

func execConstant(backend *Backend, node *Node, _ []*Buffer, device backends.DeviceNum) *Buffer {
	output := backend.getBuffer(node.shape, device)
	copy(output.flat, node.data.([]float64))
	return output
}

func execIdentity(backend *Backend, _ *Node, inputs []*Buffer, _ backends.DeviceNum) *Buffer {
	return backend.cloneBuffer(inputs[0])
}

func execConvertDType(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	output := backend.getBuffer(node.shape, device)
	dtype := node.shape.DType
	for i, v := range inputs[0].flat {
		if !dtype.IsFloat() && math.IsNaN(v) {
			v = 0
		}
		output.flat[i] = roundTo(dtype, v)
	}
	return output
}

func unaryExecutor(fn func(float64) float64) executor {
	return func(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
		output := backend.getBuffer(node.shape, device)
		dtype := node.shape.DType
		for i, v := range inputs[0].flat {
			output.flat[i] = roundTo(dtype, fn(v))
		}
		return output
	}
}

// broadcastStrides returns the strides of the input for each axis of the output shape: broadcast axes
// have stride 0.
func broadcastStrides(input, output shapes.Shape) []int {
	strides := make([]int, output.Rank())
	if input.IsScalar() {
		return strides
	}
	inputStrides := input.Strides()
	for axis := range strides {
		if input.Dimensions[axis] != 1 || output.Dimensions[axis] == 1 {
			strides[axis] = inputStrides[axis]
		}
	}
	return strides
}

func flatFromStrides(indices, strides []int) int {
	flat := 0
	for axis, idx := range indices {
		flat += idx * strides[axis]
	}
	return flat
}

func binaryExecutor(fn func(lhs, rhs float64) float64) executor {
	return func(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
		lhs, rhs := inputs[0], inputs[1]
		output := backend.getBuffer(node.shape, device)
		dtype := node.shape.DType
		if lhs.shape.Equal(rhs.shape) {
			for i, l := range lhs.flat {
				output.flat[i] = roundTo(dtype, fn(l, rhs.flat[i]))
			}
			return output
		}
		lhsStrides := broadcastStrides(lhs.shape, node.shape)
		rhsStrides := broadcastStrides(rhs.shape, node.shape)
		for flatIdx, indices := range node.shape.Iter() {
			l := lhs.flat[flatFromStrides(indices, lhsStrides)]
			r := rhs.flat[flatFromStrides(indices, rhsStrides)]
			output.flat[flatIdx] = roundTo(dtype, fn(l, r))
		}
		return output
	}
}

func execWhere(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	condition, onTrue, onFalse := inputs[0], inputs[1], inputs[2]
	output := backend.getBuffer(node.shape, device)
	for i := range output.flat {
		c := condition.flat[0]
		if !condition.shape.IsScalar() {
			c = condition.flat[i]
		}
		selected := onFalse
		if c != 0 {
			selected = onTrue
		}
		if selected.shape.IsScalar() {
			output.flat[i] = selected.flat[0]
		} else {
			output.flat[i] = selected.flat[i]
		}
	}
	return output
}

func execIota(backend *Backend, node *Node, _ []*Buffer, device backends.DeviceNum) *Buffer {
	axis := node.data.(int)
	output := backend.getBuffer(node.shape, device)
	for flatIdx, indices := range node.shape.Iter() {
		output.flat[flatIdx] = float64(indices[axis])
	}
	return output
}

func execReshape(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	output := backend.getBuffer(node.shape, device)
	copy(output.flat, inputs[0].flat)
	return output
}

func execTranspose(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	permutation := node.data.([]int)
	operand := inputs[0]
	operandStrides := operand.shape.Strides()
	strides := make([]int, len(permutation))
	for axis, operandAxis := range permutation {
		strides[axis] = operandStrides[operandAxis]
	}
	output := backend.getBuffer(node.shape, device)
	for flatIdx, indices := range node.shape.Iter() {
		output.flat[flatIdx] = operand.flat[flatFromStrides(indices, strides)]
	}
	return output
}

func execBroadcastInDim(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	broadcastAxes := node.data.([]int)
	operand := inputs[0]
	operandStrides := operand.shape.Strides()
	strides := make([]int, node.shape.Rank())
	for operandAxis, axis := range broadcastAxes {
		if operand.shape.Dimensions[operandAxis] != 1 {
			strides[axis] = operandStrides[operandAxis]
		}
	}
	output := backend.getBuffer(node.shape, device)
	for flatIdx, indices := range node.shape.Iter() {
		output.flat[flatIdx] = operand.flat[flatFromStrides(indices, strides)]
	}
	return output
}

// reduceExecutor maps each operand element to its output element and accumulates with fn.
func reduceExecutor(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum,
	initial float64, fn func(acc, v float64) float64) *Buffer {
	operand := inputs[0]
	reduced := make([]bool, operand.shape.Rank())
	for _, axis := range node.data.([]int) {
		reduced[axis] = true
	}
	outputStrides := node.shape.Strides()
	strides := make([]int, operand.shape.Rank())
	outputAxis := 0
	for axis := range strides {
		if !reduced[axis] {
			strides[axis] = outputStrides[outputAxis]
			outputAxis++
		}
	}
	output := backend.getBuffer(node.shape, device)
	for i := range output.flat {
		output.flat[i] = initial
	}
	for flatIdx, indices := range operand.shape.Iter() {
		outIdx := flatFromStrides(indices, strides)
		output.flat[outIdx] = fn(output.flat[outIdx], operand.flat[flatIdx])
	}
	dtype := node.shape.DType
	for i, v := range output.flat {
		output.flat[i] = roundTo(dtype, v)
	}
	return output
}

func execReduceSum(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	return reduceExecutor(backend, node, inputs, device, 0, func(acc, v float64) float64 { return acc + v })
}

func execReduceMax(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	return reduceExecutor(backend, node, inputs, device, math.Inf(-1), func(acc, v float64) float64 { return max(acc, v) })
}

// execDotGeneral accumulates in float64 and rounds the result to the output dtype.
func execDotGeneral(backend *Backend, node *Node, inputs []*Buffer, device backends.DeviceNum) *Buffer {
	data := node.data.(*dotGeneralNodeData)
	lhs, rhs := inputs[0], inputs[1]
	lhsStrides, rhsStrides := lhs.shape.Strides(), rhs.shape.Strides()

	// Strides of lhs and rhs for each axis of the output, and for each contracting axis.
	outputRank := node.shape.Rank()
	lhsOutStrides := make([]int, outputRank)
	rhsOutStrides := make([]int, outputRank)
	outAxis := 0
	for i, lhsAxis := range data.lhsBatchAxes {
		lhsOutStrides[outAxis] = lhsStrides[lhsAxis]
		rhsOutStrides[outAxis] = rhsStrides[data.rhsBatchAxes[i]]
		outAxis++
	}
	isLhsUsed := make([]bool, lhs.shape.Rank())
	for _, axis := range slices.Concat(data.lhsBatchAxes, data.lhsContractingAxes) {
		isLhsUsed[axis] = true
	}
	for axis, used := range isLhsUsed {
		if !used {
			lhsOutStrides[outAxis] = lhsStrides[axis]
			outAxis++
		}
	}
	isRhsUsed := make([]bool, rhs.shape.Rank())
	for _, axis := range slices.Concat(data.rhsBatchAxes, data.rhsContractingAxes) {
		isRhsUsed[axis] = true
	}
	for axis, used := range isRhsUsed {
		if !used {
			rhsOutStrides[outAxis] = rhsStrides[axis]
			outAxis++
		}
	}

	contractingDims := make([]int, len(data.lhsContractingAxes))
	lhsContractStrides := make([]int, len(contractingDims))
	rhsContractStrides := make([]int, len(contractingDims))
	for i, lhsAxis := range data.lhsContractingAxes {
		contractingDims[i] = lhs.shape.Dimensions[lhsAxis]
		lhsContractStrides[i] = lhsStrides[lhsAxis]
		rhsContractStrides[i] = rhsStrides[data.rhsContractingAxes[i]]
	}
	contractingShape := shapes.Make(node.shape.DType, contractingDims...)

	output := backend.getBuffer(node.shape, device)
	dtype := node.shape.DType
	for flatIdx, indices := range node.shape.Iter() {
		lhsBase := flatFromStrides(indices, lhsOutStrides)
		rhsBase := flatFromStrides(indices, rhsOutStrides)
		var sum float64
		for _, contractIndices := range contractingShape.Iter() {
			sum += lhs.flat[lhsBase+flatFromStrides(contractIndices, lhsContractStrides)] *
				rhs.flat[rhsBase+flatFromStrides(contractIndices, rhsContractStrides)]
		}
		output.flat[flatIdx] = roundTo(dtype, sum)
	}
	return output
}
