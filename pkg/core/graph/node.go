// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Node represents the result of an operation in the computation graph, and can be used as input to further operations.
//
// Internally, it keeps tracks of all parameters used for the computation: this is later used for auto-differentiation
// (see Gradient).
//
// Node.String allows for a pretty-printing of node. To see the full graph with all nodes, use Graph.String.
type Node struct {
	graph        *Graph
	id           NodeId // id within graph.
	outputShapes []shapes.Shape
	outputOps    []backends.Op

	// inputNodes are the edges of the computation graph.
	// Notice that other static inputs to the node are registered in inputs
	inputNodes []*Node

	// inputs holds the node type and its static parameters.
	inputs NodeInputs

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool

	// customVJP can be set for a custom reverse gradient definition for the node.
	customVJP VJP
}

// NodeInputs represents the inputs to node. The common interface is to return the type of the node.
// For the static parameters themselves, the pointer needs to be cast to the corresponding type, named
// nodeInputs<operation_name>.
type NodeInputs interface {
	Type() NodeType

	// String prints a descriptive representation of the node, using its parameters.
	String() string
}

// NodeType identifies the operation of a Node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeIdentity
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeMax
	NodeTypeNeg
	NodeTypeExp
	NodeTypeLog
	NodeTypeEqual
	NodeTypeGreaterThan
	NodeTypeGreaterOrEqual
	NodeTypeLessThan
	NodeTypeLessOrEqual
	NodeTypeLogicalAnd
	NodeTypeLogicalOr
	NodeTypeLogicalNot
	NodeTypeWhere
	NodeTypeConvertDType
	NodeTypeIota
	NodeTypeReshape
	NodeTypeTranspose
	NodeTypeBroadcastInDim
	NodeTypeReduceSum
	NodeTypeReduceMax
	NodeTypeDotGeneral
	NodeTypeAllReduce
	NodeTypeCustomCall
	NodeTypeSplitNode
	NodeTypeCustomGradient
)

var nodeTypeNames = [...]string{
	"Invalid", "Parameter", "Constant", "Identity", "Add", "Sub", "Mul", "Div", "Max", "Neg", "Exp", "Log",
	"Equal", "GreaterThan", "GreaterOrEqual", "LessThan", "LessOrEqual", "LogicalAnd", "LogicalOr", "LogicalNot",
	"Where", "ConvertDType", "Iota", "Reshape", "Transpose", "BroadcastInDim", "ReduceSum", "ReduceMax",
	"DotGeneral", "AllReduce", "CustomCall", "SplitNode", "CustomGradient",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || int(t) >= len(nodeTypeNames) {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Type of the node.
func (n *Node) Type() NodeType {
	if n == nil || n.inputs == nil {
		return NodeTypeInvalid
	}
	return n.inputs.Type()
}

// Shape of the Node's output. It is invalid for multi-output nodes.
func (n *Node) Shape() shapes.Shape {
	if n == nil || n.NumOutputs() != 1 {
		return shapes.Shape{}
	}
	return n.outputShapes[0]
}

// DType returns the DType of the node's shapes.
func (n *Node) DType() dtypes.DType {
	return n.Shape().DType
}

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int {
	return n.Shape().Rank()
}

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool {
	return n.Shape().IsScalar()
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId {
	return n.id
}

// ParameterHandle returns the parameter id in the graph.
// It panics if node is not a parameter.
func (n *Node) ParameterHandle() ParameterHandle {
	n.AssertValid()
	if n.Type() != NodeTypeParameter {
		exceptions.Panicf("node %s is not a Parameter node", n.Type())
	}
	return n.inputs.(*nodeInputsParameter).handle
}

// ParameterName returns the parameter name.
// If node is not a parameter, it panics.
func (n *Node) ParameterName() string {
	n.AssertValid()
	if n.Type() != NodeTypeParameter {
		exceptions.Panicf("trying to get ParameterName of a non-parameter node %q", n.Type())
	}
	return n.inputs.(*nodeInputsParameter).name
}

// Inputs are the other nodes that are direct inputNodes to the node.
// This doesn't include static inputs for some operations that are not given by other Graph nodes.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// NumOutputs returns the number of outputs for a node.
//
// Almost every node will have one output only. But a few (CustomCall, AllReduce of many operands, CustomGradient)
// will output various outputs that are split before usage.
func (n *Node) NumOutputs() int {
	return len(n.outputOps)
}

// AssertValid panics if `n` is nil, or if its graph is invalid.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.inputs == nil {
		exceptions.Panicf("Node in an invalid state")
	}
	n.graph.AssertValid()
}

// String implements the `fmt.Stringer` interface.
func (n *Node) String() (str string) {
	if n == nil {
		return "Node(nil)"
	}
	if n.graph == nil || !n.graph.IsValid() {
		return "Node(invalid graph)"
	}
	if n.Type() == NodeTypeInvalid {
		str = "Invalid(?)"
	} else {
		str = n.inputs.String()
	}
	parts := []string{str}
	if n.stopGradient {
		parts = append(parts, "[StopGradient]")
	}
	if n.customVJP != nil {
		parts = append(parts, "[CustomVJP]")
	}
	memory := make([]string, len(n.outputShapes))
	for ii, shape := range n.outputShapes {
		memory[ii] = humanize.Bytes(uint64(shape.Memory()))
	}
	return fmt.Sprintf("%s -> %s - mem: %v", strings.Join(parts, " "), n.outputShapes, memory)
}

// StopGradient returns whether node is a StopGradient.
func (n *Node) StopGradient() bool {
	return n.stopGradient
}

// CustomGradient returns a registered custom gradient for the Node.
func (n *Node) CustomGradient() VJP {
	return n.customVJP
}

// newNode creates a single-output node from the backend op.
func newNode(g *Graph, inputs NodeInputs, op backends.Op, inputNodes ...*Node) *Node {
	shape, err := g.builder.OpShape(op)
	if err != nil {
		panic(err)
	}
	node := &Node{
		graph:        g,
		outputOps:    []backends.Op{op},
		outputShapes: []shapes.Shape{shape},
		inputNodes:   inputNodes,
		inputs:       inputs,
	}
	g.registerNode(node)
	return node
}

// newMultiOutputNode creates a node with various outputs, and returns the split nodes, one per output.
// If there is only one output, the node itself is returned as its only output.
func newMultiOutputNode(g *Graph, inputs NodeInputs, ops []backends.Op, inputNodes ...*Node) (node *Node, outputs []*Node) {
	node = &Node{
		graph:        g,
		outputOps:    ops,
		outputShapes: make([]shapes.Shape, len(ops)),
		inputNodes:   inputNodes,
		inputs:       inputs,
	}
	for ii, op := range ops {
		var err error
		node.outputShapes[ii], err = g.builder.OpShape(op)
		if err != nil {
			panic(err)
		}
	}
	g.registerNode(node)
	if len(ops) == 1 {
		return node, []*Node{node}
	}
	return node, splitNode(node)
}

// splitNode splits a multi-output node into one node per output.
func splitNode(multiOutputNode *Node) (splitNodes []*Node) {
	g := multiOutputNode.graph
	splitNodes = make([]*Node, len(multiOutputNode.outputOps))
	for ii, op := range multiOutputNode.outputOps {
		node := &Node{
			graph:        g,
			outputOps:    []backends.Op{op},
			outputShapes: []shapes.Shape{multiOutputNode.outputShapes[ii]},
			inputNodes:   []*Node{multiOutputNode},
			inputs:       &nodeInputsSplitNode{index: ii},
		}
		g.registerNode(node)
		splitNodes[ii] = node
	}
	return
}

// nodeInputsParameter holds the inputs used for the call to backends.Parameter.
type nodeInputsParameter struct {
	name   string
	handle ParameterHandle
}

func (ni *nodeInputsParameter) Type() NodeType { return NodeTypeParameter }

func (ni *nodeInputsParameter) String() string {
	return fmt.Sprintf("%s(name=%q, handle=%d)", ni.Type(), ni.name, ni.handle)
}

// nodeInputsConstant holds the inputs used for the call to backends.Constant.
type nodeInputsConstant struct {
	shape shapes.Shape
}

func (ni *nodeInputsConstant) Type() NodeType { return NodeTypeConstant }

func (ni *nodeInputsConstant) String() string {
	return fmt.Sprintf("%s(%s)", ni.Type(), ni.shape)
}

// nodeInputsOp is used by the ops whose only static parameter is an optional list of axes (or dimensions, or
// permutations).
type nodeInputsOp struct {
	nodeType NodeType
	axes     []int
}

func (ni *nodeInputsOp) Type() NodeType { return ni.nodeType }

func (ni *nodeInputsOp) String() string {
	if ni.axes == nil {
		return ni.nodeType.String()
	}
	return fmt.Sprintf("%s(%v)", ni.nodeType, ni.axes)
}

type nodeInputsConvertDType struct {
	dtype dtypes.DType
}

func (ni *nodeInputsConvertDType) Type() NodeType { return NodeTypeConvertDType }

func (ni *nodeInputsConvertDType) String() string {
	return fmt.Sprintf("%s(dtype=%s)", ni.Type(), ni.dtype)
}

type nodeInputsIota struct {
	shape    shapes.Shape
	iotaAxis int
}

func (ni *nodeInputsIota) Type() NodeType { return NodeTypeIota }

func (ni *nodeInputsIota) String() string {
	return fmt.Sprintf("%s(shape=%s, iotaAxis=%d)", ni.Type(), ni.shape, ni.iotaAxis)
}

type nodeInputsBroadcastInDim struct {
	outputShape   shapes.Shape
	broadcastAxes []int
}

func (ni *nodeInputsBroadcastInDim) Type() NodeType { return NodeTypeBroadcastInDim }

func (ni *nodeInputsBroadcastInDim) String() string {
	return fmt.Sprintf("%s(outputShape=%s, broadcastAxes=%v)", ni.Type(), ni.outputShape, ni.broadcastAxes)
}

type nodeInputsDotGeneral struct {
	lhsContractingAxes, lhsBatchAxes []int
	rhsContractingAxes, rhsBatchAxes []int
}

func (ni *nodeInputsDotGeneral) Type() NodeType { return NodeTypeDotGeneral }

func (ni *nodeInputsDotGeneral) String() string {
	return fmt.Sprintf("%s(lhsContracting=%v, lhsBatch=%v, rhsContracting=%v, rhsBatch=%v)", ni.Type(),
		ni.lhsContractingAxes, ni.lhsBatchAxes, ni.rhsContractingAxes, ni.rhsBatchAxes)
}

type nodeInputsSplitNode struct {
	index int
}

func (ni *nodeInputsSplitNode) Type() NodeType { return NodeTypeSplitNode }

func (ni *nodeInputsSplitNode) String() string {
	return fmt.Sprintf("%s(index=%d)", ni.Type(), ni.index)
}
