// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/distributed"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DistributedOps provides a namespace for the collective operations on an SPMD graph.
// It is accessed via Graph.Distributed().
//
// It also acts as a builder, allowing optional parameters (like mesh axes) to be set via chaining.
type DistributedOps struct {
	g    *Graph
	axes []string // Mesh axes for the next op.
}

// Distributed returns a helper object that provides access to the collective operations.
//
// By default, the collectives apply across all the axes of the graph's DeviceMesh.
func (g *Graph) Distributed() DistributedOps {
	g.AssertBuilding()
	d := DistributedOps{g: g}
	if g.distStrategy == distributed.SPMD {
		d.axes = g.deviceMesh.AxesNames()
	}
	return d
}

// Along specifies which DeviceMesh axes the next collective operation should apply to.
//
// For example:
//
//	g.Distributed().Along("data").AllReduce(backends.ReduceOpSum, x)
//
// This will perform an AllReduce along the "data" axis of the mesh: each group of replicas that only differ on
// their "data" mesh index is reduced together.
func (d DistributedOps) Along(meshAxes ...string) DistributedOps {
	dOut := d
	dOut.axes = meshAxes
	return dOut
}

// AllReduce performs an AllReduce operation across the mesh axes selected (all by default).
func (d DistributedOps) AllReduce(op backends.ReduceOpType, input *Node) *Node {
	return d.AllReduceMany(op, []*Node{input})[0]
}

// AllReduceMany performs an AllReduce operation of all the inputs across the mesh axes selected.
//
// For a graph not distributed it is a no-op, and returns the inputs.
func (d DistributedOps) AllReduceMany(op backends.ReduceOpType, inputs []*Node) []*Node {
	if len(inputs) == 0 {
		exceptions.Panicf("AllReduceMany requires at least one input")
	}
	mesh := d.g.deviceMesh
	if mesh == nil {
		return inputs
	}
	groups, err := mesh.ComputeReplicaGroups(d.axes)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to compute replica groups for AllReduce along %v", d.axes))
	}
	return allReduce(op, inputs, groups)
}

// AllReduceSum sums x across the replicas of each group. groups are given as mesh positions, as returned by
// distributed.DeviceMesh.ComputeReplicaGroups, and must cover every position of the graph's mesh exactly once.
//
// For a graph not distributed it is a no-op, and returns x.
func AllReduceSum(x *Node, groups [][]int) *Node {
	g := validateBuildingGraphFromInputs(x)
	if g.deviceMesh == nil {
		return x
	}
	return allReduce(backends.ReduceOpSum, []*Node{x}, groups)[0]
}

// nodeInputsAllReduce holds the static inputs of an AllReduce.
type nodeInputsAllReduce struct {
	reduceOp backends.ReduceOpType
	groups   [][]int // Mesh positions.
}

func (ni *nodeInputsAllReduce) Type() NodeType { return NodeTypeAllReduce }

func (ni *nodeInputsAllReduce) String() string {
	return fmt.Sprintf("%s(op=%s, groups=%v)", ni.Type(), ni.reduceOp, ni.groups)
}

func allReduce(reduceOp backends.ReduceOpType, inputs []*Node, groups [][]int) []*Node {
	g := validateBuildingGraphFromInputs(inputs...)
	if g.distStrategy != distributed.SPMD {
		exceptions.Panicf("AllReduce requires a graph configured for SPMD, see Graph.WithDeviceMesh")
	}
	inputOps := make([]backends.Op, len(inputs))
	for ii, input := range inputs {
		inputOps[ii] = input.outputOps[0]
	}
	ops, err := g.builder.AllReduce(inputOps, reduceOp, g.deviceMesh.Devices(groups))
	panicOnOpError(err, "AllReduce", inputs...)
	_, outputs := newMultiOutputNode(g, &nodeInputsAllReduce{reduceOp: reduceOp, groups: groups}, ops, inputs...)
	return outputs
}

// allReduceVJP: the transpose of a sum across replicas is the sum of the adjoints across the same replicas.
func allReduceVJP(node *Node, vjpOutputs []*Node, _ shapes.Shape) []*Node {
	params := node.inputs.(*nodeInputsAllReduce)
	if params.reduceOp != backends.ReduceOpSum {
		exceptions.Panicf("gradient of AllReduce(%s) not defined, only of ReduceOpSum", params.reduceOp)
	}
	return allReduce(backends.ReduceOpSum, vjpOutputs, params.groups)
}
