// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder keeps track of the computation graph being defined.
type Builder struct {
	name     string
	backend  *Backend
	compiled bool

	// numReplicas is set by DistributedSPMD, and it defaults to 1.
	numReplicas int

	// nodes are only created when their inputs have already been created. So this is a natural DAG (Directed Acyclic Graph)
	// ordering of the graph. The executor rely on this invariance.
	nodes []*Node

	// inputs will have nodeParameter as data.
	inputs []*Node

	// outputs can be any type of node.
	outputs []*Node
}

// Compile-time check.
var _ backends.Builder = (*Builder)(nil)

// Name implements backends.Builder.
func (b *Builder) Name() string {
	return b.name
}

// Compile implements backends.Builder.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	var err error
	b.outputs, err = b.checkOps("Compile", outputs...)
	if err != nil {
		return nil, err
	}
	if len(b.outputs) == 0 {
		return nil, errors.Errorf("Compile(%q): no outputs given", b.name)
	}
	seen := make(map[*Node]bool, len(b.outputs))
	for _, node := range b.outputs {
		if seen[node] {
			return nil, errors.Errorf("Compile(%q): node #%d (%s) used more than once as output", b.name, node.builderIdx, node.opType)
		}
		seen[node] = true
		if node.IsMultiOutputs() {
			return nil, errors.Errorf("%s node %q is internal (with multiple-outputs) and cannot be used for output", b.Name(), node.opType)
		}
	}
	b.compiled = true
	klog.V(2).Infof("simplego: compiled %q with %d nodes, %d inputs, %d outputs, %d replicas",
		b.name, len(b.nodes), len(b.inputs), len(b.outputs), b.numReplicas)
	return newExecutable(b), nil
}

// Finalize immediately release the resources associated with the Builder.
func (b *Builder) Finalize() {
	b.inputs = nil
	b.outputs = nil
	b.nodes = nil
}

// Node in the SimpleGo computation graph.
type Node struct {
	// builderIdx in Builder.nodes
	builderIdx int
	inputs     []*Node

	// shape of the output.
	opType  backends.OpType
	shape   shapes.Shape
	builder *Builder

	// multiOutputsShapes are set for a few specialized nodes.
	// For most nodes this is set to nil.
	multiOutputsShapes []shapes.Shape
	multiOutputsNodes  []*Node
	isNodeSelectOutput bool
	selectOutputIdx    int

	// data for the specific node type.
	data any
}

// newNode adds a new node of the given opType and shape to the Builder graph.
// It's used by the other ops when creating new nodes.
func (b *Builder) newNode(opType backends.OpType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		builder:    b,
		opType:     opType,
		builderIdx: len(b.nodes),
		shape:      shape,
		inputs:     slices.Clone(inputs),
	}
	b.nodes = append(b.nodes, n)
	return n
}

// newMultiOutputsNode create the multi-outputs node, and its "select nodes", one per output.
// The node.multiOutputsNodes will be set with the individual outputs and can be used by the Builder to return
// to the user.
func (b *Builder) newMultiOutputsNode(opType backends.OpType, outputShapes []shapes.Shape, inputs ...*Node) (node *Node) {
	node = b.newNode(opType, shapes.Invalid(), inputs...)
	node.multiOutputsShapes = outputShapes
	node.multiOutputsNodes = make([]*Node, len(outputShapes))
	for idx, shape := range outputShapes {
		node.multiOutputsNodes[idx] = &Node{
			builder:            b,
			opType:             opType,
			builderIdx:         len(b.nodes),
			shape:              shape,
			inputs:             []*Node{node},
			isNodeSelectOutput: true,
			selectOutputIdx:    idx,
		}
		b.nodes = append(b.nodes, node.multiOutputsNodes[idx])
	}
	return node
}

// outputOps returns the select nodes of a multi-output node as backends.Op.
func (n *Node) outputOps() []backends.Op {
	ops := make([]backends.Op, len(n.multiOutputsNodes))
	for i, selectNode := range n.multiOutputsNodes {
		ops[i] = selectNode
	}
	return ops
}

// IsMultiOutputs returns whether this node yields multiple outputs.
func (n *Node) IsMultiOutputs() bool {
	return len(n.multiOutputsShapes) > 0
}

// checkOps validates that the ops are from SimpleGo and from this builder.
// It also checks whether the Builder is not yet compiled.
func (b *Builder) checkOps(opType string, ops ...backends.Op) ([]*Node, error) {
	if b == nil {
		return nil, errors.Errorf("%s: Builder is nil (!?), cannot build a graph", opType)
	}
	if b.compiled {
		return nil, errors.Errorf("cannot add new op (%s) to Builder %q, it has already been compiled", opType, b.name)
	}
	nodes := make([]*Node, len(ops))
	var ok bool
	for idx, op := range ops {
		if op == nil {
			return nil, errors.Errorf("%s: input op #%d is nil!?", opType, idx)
		}
		nodes[idx], ok = op.(*Node)
		if !ok {
			return nil, errors.Errorf("cannot use input op #%d in backend %q that was created on a different backend for %s", idx, b.backend.Name(), opType)
		}
		if nodes[idx].builder != b {
			return nil, errors.Errorf("%s: input op #%d was created with a different builder (%q), cannot use it with builder %q",
				opType, idx, nodes[idx].builder.name, b.name)
		}
		if nodes[idx].IsMultiOutputs() {
			return nil, errors.Errorf("%s: input op #%d is an internal multi-output node", opType, idx)
		}
	}
	return nodes, nil
}

// OpShape returns the shape of a computation Op.
func (b *Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	node, ok := op.(*Node)
	if !ok || node.builder != b {
		return shapes.Invalid(), errors.Errorf("OpShape: op %v is not a node of builder %q", op, b.name)
	}
	return node.shape, nil
}

type nodeParameter struct {
	name     string
	inputIdx int
}

// Parameter implements backends.Builder.
func (b *Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	if _, err := b.checkOps("Parameter"); err != nil {
		return nil, err
	}
	if !shape.Ok() || !Capabilities.DTypes[shape.DType] {
		return nil, errors.Errorf("Parameter(%q): shape %s not supported by %q backend", name, shape, BackendName)
	}
	n := b.newNode(backends.OpTypeParameter, shape)
	n.data = &nodeParameter{name: name, inputIdx: len(b.inputs)}
	b.inputs = append(b.inputs, n)
	return n, nil
}

// Constant implements backends.Builder.
func (b *Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	if _, err := b.checkOps("Constant"); err != nil {
		return nil, err
	}
	dtype, values, err := flatToValues(flat)
	if err != nil {
		return nil, errors.WithMessage(err, "Constant()")
	}
	shape := shapes.Make(dtype, dims...)
	if shape.Size() != len(values) {
		return nil, errors.Errorf("Constant(): flat data has %d elements, but dimensions %v require %d",
			len(values), dims, shape.Size())
	}
	n := b.newNode(backends.OpTypeConstant, shape)
	n.data = values
	return n, nil
}
