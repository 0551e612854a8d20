// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
)

// This file implements reverse-mode automatic differentiation, using AccumulatedVJP (Vector Jacobian Product).
//
// Conventions:
//
//   - root node: the final output of the graph, a scalar. We generate the gradient of this value with
//     respect to a list of selected gradient nodes.
//   - VJP / adjoint: the accumulated reverse gradient of the root node with respect to the current node being
//     processed. They are generated in reverse order, from the output back to the inputs.
//   - "new nodes": nodes created on the fly to calculate the adjoints. They have ids above the root, and are not
//     part of the reverse graph.

// reverseGraph stores information of the Graph in reverse order.
type reverseGraph struct {
	Graph *Graph
	Root  *Node

	ReverseNodes []*reverseNode
}

type reverseNode struct {
	Node *Node

	// Consumers is the list of nodes that use the output of this node.
	Consumers []*reverseNode

	// Selected indicates whether this is one of the nodes for which we want the gradient.
	Selected bool

	// Included is true for nodes to which the root node has a dependency.
	Included bool

	// Useful is true when this node is in the path to one of the selected nodes.
	// For nodes not marked as useful, we don't need to generate the VJP values.
	Useful bool

	// AccumulatedVJP is the gradient of the root node with respect to the output of this node: the sum
	// of the VJPs back-propagated by all its consumers.
	AccumulatedVJP *Node

	// VJPsForMultiOutputs holds the individual VJPs for a multi-output node, one per output.
	VJPsForMultiOutputs []*Node
}

// Gradient creates new nodes for the gradients of the output with respect to each node in gradientNodes.
// The output must be a float scalar.
//
// Nodes with no path to the output get a zero gradient.
// It panics if a node in the path has no gradient defined: e.g. a CustomCall emitted for inference only.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	outputShape := output.Shape()
	if outputShape.Rank() > 0 || !outputShape.DType.IsFloat() {
		exceptions.Panicf("only gradients of a float scalar with respect to tensors are accepted, got output shape %s",
			outputShape)
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rOutput := rg.ReverseNodes[output.Id()]
	rOutput.AccumulatedVJP = Ones(g, shapes.Make(outputShape.DType))

	needGradientForNode := func(node *Node) bool {
		if node.stopGradient {
			return false
		}
		rNode := rg.ReverseNodes[node.Id()]
		return rNode.Included && rNode.Useful
	}

	// Nodes are ordered according to the DAG: by the time g.nodes[ii] is reached, all nodes consuming its
	// outputs have already pushed their VJPs.
	for nodeIdx := output.Id(); nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]
		if !needGradientForNode(node) {
			continue
		}
		needInputs := false
		for _, input := range node.Inputs() {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		if node.NumOutputs() > 1 {
			hasVJP := false
			for _, vjp := range rNode.VJPsForMultiOutputs {
				if vjp != nil {
					hasVJP = true
					break
				}
			}
			if !hasVJP {
				continue
			}
			// Fill missing VJPs with zeros.
			for ii, shape := range node.outputShapes {
				if rNode.VJPsForMultiOutputs[ii] == nil {
					rNode.VJPsForMultiOutputs[ii] = Zeros(g, shape)
				}
			}
		} else if rNode.AccumulatedVJP == nil {
			continue
		}

		if node.Type() == NodeTypeSplitNode {
			// SplitNode pushes v to the specific output of its multi-output node.
			index := node.inputs.(*nodeInputsSplitNode).index
			rParent := rg.ReverseNodes[node.inputNodes[0].Id()]
			if rParent.VJPsForMultiOutputs[index] == nil {
				rParent.VJPsForMultiOutputs[index] = rNode.AccumulatedVJP
			} else {
				rParent.VJPsForMultiOutputs[index] = Add(rParent.VJPsForMultiOutputs[index], rNode.AccumulatedVJP)
			}
			continue
		}

		vjpFn := node.customVJP
		if vjpFn == nil {
			var ok bool
			vjpFn, ok = VJPRegistration[node.Type()]
			if !ok {
				exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot generate graph gradient", node)
			}
		}
		vjpsForOutputs := rNode.VJPsForMultiOutputs
		if node.NumOutputs() == 1 {
			vjpsForOutputs = []*Node{rNode.AccumulatedVJP}
		}
		inputsVJPs := vjpFn(node, vjpsForOutputs, outputShape)
		if len(inputsVJPs) == 0 {
			// No gradient flows to any of the inputs.
			continue
		}
		if len(inputsVJPs) != len(node.Inputs()) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs, implementation of auto-differentiation for node failed",
				node, len(inputsVJPs), len(node.Inputs()))
		}
		for ii, input := range node.Inputs() {
			vjp := inputsVJPs[ii]
			if vjp == nil {
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				exceptions.Panicf("invalid Gradient calculation for node %s: invalid shape (or DType) for VJP of "+
					"input #%d (out of %d): input shape=%s, calculated VJP shape=%s",
					node, ii, len(node.Inputs()), input.Shape(), vjp.Shape())
			}
			rInput := rg.ReverseNodes[input.Id()]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.Id()]
		if rNode.AccumulatedVJP == nil {
			// No path from the output to the gradient node (possibly because of a StopGradient).
			gradients[ii] = ZerosLike(node)
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
	}
	for ii, node := range g.nodes {
		rNode := &reverseNode{Node: node}
		rg.ReverseNodes[ii] = rNode
		if node.NumOutputs() > 1 {
			rNode.VJPsForMultiOutputs = make([]*Node, node.NumOutputs())
		}
	}
	for ii, node := range g.nodes {
		rNode := rg.ReverseNodes[ii]
		for _, input := range node.inputNodes {
			rInput := rg.ReverseNodes[input.Id()]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}

	recursivePathFromRoot(rg, root)
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.Id()]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}
	return rg
}

// recursivePathFromRoot marks the node and its inputs recursively as Included.
func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.Id()]
	if rNode.Included {
		return
	}
	rNode.Included = true
	for _, input := range node.inputNodes {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// VJP returns the "v dot Jacobian" of the given node, with respect to each of its inputs (given by node.Inputs()).
//
// Args:
//
//	node: node for which we are calculating the backward gradient.
//	vjpOutputs: the adjoints with respect to each of the node's outputs (only one for most nodes).
//	outputShape: the shape of the value the gradient is calculated for, currently always a scalar.
//
// It returns the adjoint for each of the node's inputs, with nil for inputs that don't take a gradient.
// It may return an empty slice if no gradient flows to any input.
type VJP func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node

// SingleOutputVJP for VJP of ops that have a single output (most of them).
type SingleOutputVJP func(node, v *Node, outputShape shapes.Shape) []*Node

// vjpForSingleOutput is a simple converter from SingleOutputVJP to VJP.
func vjpForSingleOutput(vjpFn SingleOutputVJP) VJP {
	return func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node {
		return vjpFn(node, vjpOutputs[0], outputShape)
	}
}

// VJPRegistration maps each node type to its implementation of VJP.
//
// NodeTypeSplitNode is handled inside Gradient. NodeTypeCustomCall has no entry on purpose: custom calls
// that support differentiation are wrapped with CustomGradient.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeParameter:      vjpForSingleOutput(nilVJP),
	NodeTypeConstant:       vjpForSingleOutput(nilVJP),
	NodeTypeIota:           vjpForSingleOutput(nilVJP),
	NodeTypeIdentity:       vjpForSingleOutput(noOpVJP),
	NodeTypeConvertDType:   vjpForSingleOutput(convertDTypeVJP),
	NodeTypeNeg:            vjpForSingleOutput(negVJP),
	NodeTypeExp:            vjpForSingleOutput(expVJP),
	NodeTypeLog:            vjpForSingleOutput(logVJP),
	NodeTypeAdd:            vjpForSingleOutput(addVJP),
	NodeTypeSub:            vjpForSingleOutput(subVJP),
	NodeTypeMul:            vjpForSingleOutput(mulVJP),
	NodeTypeDiv:            vjpForSingleOutput(divVJP),
	NodeTypeMax:            vjpForSingleOutput(maxVJP),
	NodeTypeWhere:          vjpForSingleOutput(whereVJP),
	NodeTypeEqual:          vjpForSingleOutput(zeroVJP),
	NodeTypeGreaterThan:    vjpForSingleOutput(zeroVJP),
	NodeTypeGreaterOrEqual: vjpForSingleOutput(zeroVJP),
	NodeTypeLessThan:       vjpForSingleOutput(zeroVJP),
	NodeTypeLessOrEqual:    vjpForSingleOutput(zeroVJP),
	NodeTypeLogicalAnd:     vjpForSingleOutput(zeroVJP),
	NodeTypeLogicalOr:      vjpForSingleOutput(zeroVJP),
	NodeTypeLogicalNot:     vjpForSingleOutput(zeroVJP),
	NodeTypeReshape:        vjpForSingleOutput(reshapeVJP),
	NodeTypeTranspose:      vjpForSingleOutput(transposeVJP),
	NodeTypeBroadcastInDim: vjpForSingleOutput(broadcastInDimVJP),
	NodeTypeReduceSum:      vjpForSingleOutput(reduceSumVJP),
	NodeTypeReduceMax:      vjpForSingleOutput(reduceMaxVJP),
	NodeTypeDotGeneral:     vjpForSingleOutput(dotGeneralVJP),
	NodeTypeAllReduce:      allReduceVJP,
}

func nilVJP(_, _ *Node, _ shapes.Shape) []*Node {
	return nil
}

// noOpVJP works for anything that has no impact on the gradient, like an Identity.
func noOpVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{v}
}

// zeroVJP is used for ops that don't back-propagate any gradient, like logical operations.
func zeroVJP(node, _ *Node, _ shapes.Shape) []*Node {
	return make([]*Node, len(node.inputNodes))
}

// vjpForDefaultBroadcast returns the VJP of the implicit broadcasting of binary operations like Add, Mul, etc.
// It is a reduce-sum of the broadcast axes.
func vjpForDefaultBroadcast(node, input, v *Node) *Node {
	if input.Shape().Equal(node.Shape()) {
		return v
	}
	if input.IsScalar() {
		return ReduceAllSum(v)
	}

	// Reduce-sum on the axes that are 1 in the input and > 1 in the output.
	var reduceAxes []int
	for axis, dim := range input.Shape().Dimensions {
		if dim == 1 && v.Shape().Dimensions[axis] > 1 {
			reduceAxes = append(reduceAxes, axis)
		}
	}
	if len(reduceAxes) == 0 {
		return v
	}
	var vjp *Node
	err := exceptions.TryCatch[error](func() {
		vjp = Reshape(ReduceSum(v, reduceAxes...), input.Shape().Dimensions...)
	})
	if err != nil {
		panic(errors.WithMessagef(err, "calculating the VJP of a broadcast: v.Shape()=%s, input.Shape()=%s",
			v.Shape(), input.Shape()))
	}
	return vjp
}

// broadcastToOutput broadcasts the input of a binary node to the node's output shape, if needed.
func broadcastToOutput(node, input *Node) *Node {
	if input.Shape().Equal(node.Shape()) {
		return input
	}
	return BroadcastToShape(input, node.Shape())
}

func convertDTypeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{ConvertDType(v, node.inputNodes[0].DType())}
}

func negVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(v)}
}

func expVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, node)}
}

func logVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Div(v, node.inputNodes[0])}
}

func addVJP(node, v *Node, _ shapes.Shape) []*Node {
	inputsVJPs := make([]*Node, len(node.inputNodes))
	for ii, input := range node.inputNodes {
		inputsVJPs[ii] = vjpForDefaultBroadcast(node, input, v)
	}
	return inputsVJPs
}

func subVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], v),
		Neg(vjpForDefaultBroadcast(node, node.inputNodes[1], v)),
	}
}

// F(a,b) = a*b -> v*dF/da = v*b ; v*dF/db = v*a
func mulVJP(node, v *Node, _ shapes.Shape) []*Node {
	a, b := broadcastToOutput(node, node.inputNodes[0]), broadcastToOutput(node, node.inputNodes[1])
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], Mul(v, b)),
		vjpForDefaultBroadcast(node, node.inputNodes[1], Mul(v, a)),
	}
}

// F(a,b) = a/b -> v*dF/da = v/b ; v*dF/db = -v*a/b^2
func divVJP(node, v *Node, _ shapes.Shape) []*Node {
	a, b := broadcastToOutput(node, node.inputNodes[0]), broadcastToOutput(node, node.inputNodes[1])
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], Div(v, b)),
		vjpForDefaultBroadcast(node, node.inputNodes[1], Neg(Mul(v, Div(a, Mul(b, b))))),
	}
}

// maxVJP pushes the adjoint to the side holding the max. Ties go to the first input.
func maxVJP(node, v *Node, _ shapes.Shape) []*Node {
	a, b := broadcastToOutput(node, node.inputNodes[0]), broadcastToOutput(node, node.inputNodes[1])
	side0 := ConvertDType(GreaterOrEqual(a, b), node.DType())
	side1 := Sub(OnesLike(side0), side0)
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], Mul(v, side0)),
		vjpForDefaultBroadcast(node, node.inputNodes[1], Mul(v, side1)),
	}
}

func whereVJP(node, v *Node, _ shapes.Shape) []*Node {
	condition := node.inputNodes[0]
	zeros := ZerosLike(v)
	onTrueVJP := Where(condition, v, zeros)
	onFalseVJP := Where(condition, zeros, v)
	return []*Node{
		nil, // No gradient wrt condition.
		vjpForDefaultBroadcast(node, node.inputNodes[1], onTrueVJP),
		vjpForDefaultBroadcast(node, node.inputNodes[2], onFalseVJP),
	}
}

func reshapeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Reshape(v, node.inputNodes[0].Shape().Dimensions...)}
}

func transposeVJP(node, v *Node, _ shapes.Shape) []*Node {
	permutation := node.inputs.(*nodeInputsOp).axes
	reversePermutation := make([]int, len(permutation))
	for to, from := range permutation {
		reversePermutation[from] = to
	}
	return []*Node{TransposeAllAxes(v, reversePermutation...)}
}

// broadcastInDimVJP reduces the broadcast axes.
func broadcastInDimVJP(node, v *Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsBroadcastInDim)
	x := node.inputNodes[0]
	shape := params.outputShape
	axesPreserved := make([]bool, shape.Rank())
	for inputAxis, outputAxis := range params.broadcastAxes {
		if x.Shape().Dimensions[inputAxis] == shape.Dimensions[outputAxis] {
			axesPreserved[outputAxis] = true
		} else if x.Shape().Dimensions[inputAxis] != 1 {
			exceptions.Panicf("unexpected broadcast from shape %s to shape %s at axis %d, don't know how to calculate gradient",
				x.Shape(), shape, inputAxis)
		}
	}
	axesToReduce := make([]int, 0, shape.Rank())
	for axis, preserved := range axesPreserved {
		if !preserved {
			axesToReduce = append(axesToReduce, axis)
		}
	}
	gradWrtX := v
	if len(axesToReduce) > 0 {
		gradWrtX = ReduceSum(v, axesToReduce...)
	}
	return []*Node{Reshape(gradWrtX, x.Shape().Dimensions...)}
}

// reducedShape returns the shape of the input of a reduction with the reduced axes kept with dimension 1.
func reducedShape(node *Node) (x *Node, keptDims []int) {
	x = node.inputNodes[0]
	axes := node.inputs.(*nodeInputsOp).axes
	keptDims = slices.Clone(x.Shape().Dimensions)
	if len(axes) == 0 {
		for axis := range keptDims {
			keptDims[axis] = 1
		}
		return
	}
	for _, axis := range axes {
		keptDims[axis] = 1
	}
	return
}

func reduceSumVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, keptDims := reducedShape(node)
	expandedV := Reshape(v, keptDims...)
	return []*Node{BroadcastToShape(expandedV, x.Shape())}
}

// reduceMaxVJP propagates the adjoint only to the elements at the max value.
func reduceMaxVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, keptDims := reducedShape(node)
	maxAtOriginalRank := BroadcastToShape(Reshape(node, keptDims...), x.Shape())
	maxIndicator := ConvertDType(GreaterOrEqual(x, maxAtOriginalRank), x.DType())
	expandedV := BroadcastToShape(Reshape(v, keptDims...), x.Shape())
	return []*Node{Mul(expandedV, maxIndicator)}
}

// dotCrossAxes returns the axes of x that are neither contracting nor batch axes, in increasing order.
func dotCrossAxes(x *Node, contractingAxes, batchAxes []int) (crossAxes []int) {
	for axis := range x.Rank() {
		if !slices.Contains(contractingAxes, axis) && !slices.Contains(batchAxes, axis) {
			crossAxes = append(crossAxes, axis)
		}
	}
	return
}

// dotGeneralVJP uses a DotGeneral of v with the other operand, contracting the other operand's cross axes. The
// result is [batch..., this cross..., this contracting... (in the order of the other's contracting axes)], which
// is then transposed back to the layout of this operand.
func dotGeneralVJP(node, v *Node, _ shapes.Shape) []*Node {
	lhs, rhs := node.inputNodes[0], node.inputNodes[1]
	params := node.inputs.(*nodeInputsDotGeneral)
	lhsCrossAxes := dotCrossAxes(lhs, params.lhsContractingAxes, params.lhsBatchAxes)
	rhsCrossAxes := dotCrossAxes(rhs, params.rhsContractingAxes, params.rhsBatchAxes)
	numBatchAxes := len(params.lhsBatchAxes)

	// Positions of the axes in v: [batch..., lhs cross..., rhs cross...].
	vBatchAxes := make([]int, numBatchAxes)
	for ii := range vBatchAxes {
		vBatchAxes[ii] = ii
	}
	vLhsCrossAxes := make([]int, len(lhsCrossAxes))
	for ii := range vLhsCrossAxes {
		vLhsCrossAxes[ii] = numBatchAxes + ii
	}
	vRhsCrossAxes := make([]int, len(rhsCrossAxes))
	for ii := range vRhsCrossAxes {
		vRhsCrossAxes[ii] = numBatchAxes + len(lhsCrossAxes) + ii
	}

	gradFn := func(thisBatchAxes, thisContractingAxes, thisCrossAxes []int,
		other *Node, otherBatchAxes, otherContractingAxes, otherCrossAxes, vOtherCrossAxes []int) *Node {
		thisVJP := DotGeneral(v, vOtherCrossAxes, vBatchAxes, other, otherCrossAxes, otherBatchAxes)

		// The remaining axes of other are its contracting axes, in increasing order.
		sortedOtherContracting := slices.Clone(otherContractingAxes)
		slices.Sort(sortedOtherContracting)
		permutation := make([]int, len(thisBatchAxes)+len(thisContractingAxes)+len(thisCrossAxes))
		for ii, axis := range thisBatchAxes {
			permutation[axis] = ii
		}
		for ii, axis := range thisCrossAxes {
			permutation[axis] = numBatchAxes + ii
		}
		for ii, axis := range thisContractingAxes {
			pos := slices.Index(sortedOtherContracting, otherContractingAxes[ii])
			permutation[axis] = numBatchAxes + len(thisCrossAxes) + pos
		}
		// permutation maps this axis -> thisVJP axis, which is the transposition we need.
		return TransposeAllAxes(thisVJP, permutation...)
	}

	return []*Node{
		gradFn(params.lhsBatchAxes, params.lhsContractingAxes, lhsCrossAxes,
			rhs, params.rhsBatchAxes, params.rhsContractingAxes, rhsCrossAxes, vRhsCrossAxes),
		gradFn(params.rhsBatchAxes, params.rhsContractingAxes, rhsCrossAxes,
			lhs, params.lhsBatchAxes, params.lhsContractingAxes, lhsCrossAxes, vLhsCrossAxes),
	}
}

// nodeInputsCustomGradient holds the inputs of a CustomGradient node.
type nodeInputsCustomGradient struct {
	numInputs int
}

func (ni *nodeInputsCustomGradient) Type() NodeType { return NodeTypeCustomGradient }

func (ni *nodeInputsCustomGradient) String() string {
	return ni.Type().String()
}

// CustomGradient returns the outputs unchanged, but with a custom gradient: when back-propagating through them,
// vjpFn is called with the adjoints of each of the outputs, and it must return the adjoints for each of the inputs
// (nil for inputs that take no gradient).
//
// The gradient doesn't flow through the computation that generated outputs from inputs: only through vjpFn.
// This is used to attach a backward computation to a CustomCall, which has no gradient of its own.
func CustomGradient(inputs, outputs []*Node, vjpFn func(vjpOutputs []*Node) []*Node) []*Node {
	if len(outputs) == 0 {
		exceptions.Panicf("CustomGradient requires at least one output")
	}
	allNodes := make([]*Node, 0, len(inputs)+len(outputs))
	allNodes = append(allNodes, inputs...)
	allNodes = append(allNodes, outputs...)
	g := validateBuildingGraphFromInputs(allNodes...)

	ops := make([]backends.Op, len(outputs))
	for ii, output := range outputs {
		ops[ii] = output.outputOps[0]
	}
	numInputs := len(inputs)
	node, results := newMultiOutputNode(g, &nodeInputsCustomGradient{numInputs: numInputs}, ops, allNodes...)
	node.customVJP = func(_ *Node, vjpOutputs []*Node, _ shapes.Shape) []*Node {
		inputsVJPs := vjpFn(vjpOutputs)
		if len(inputsVJPs) != numInputs {
			exceptions.Panicf("CustomGradient: custom VJP returned %d adjoints, but there are %d inputs",
				len(inputsVJPs), numInputs)
		}
		// The outputs themselves take no gradient.
		return append(slices.Clone(inputsVJPs), make([]*Node, len(outputs))...)
	}
	return results
}
