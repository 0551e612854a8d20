// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is used to create and run computation graphs on a backend, with reverse-mode automatic
// differentiation for the operations it defines.
//
// The main elements in the package are:
//
//   - Exec is the driver that manages the lifecycle (Graph creation, compilation, caching, and execution) across
//     different input shapes. This is where most use cases start.
//
//   - Graph is the blueprint for a specific computation with specific input shapes.
//     It's usually created by an Exec object, built by an ExecGraphFn, and then cached and executed by the Exec.
//
//   - Node represents a symbolic value in the computation. This can be an input parameter, a constant,
//     or the result of an operation ("op" for short, e.g.: Add, Sub, Mul, Reshape, CustomCall, etc.).
//     Each node has a fixed shape known in "graph building time".
//
// # Error Handling
//
// Graph and Node methods "throw" errors with panic(). This prevents having to manage error returning for every
// operation (Add, Sub, Mul, etc.) and makes the code much more readable.
// The public entry points that return errors (Exec.Exec, Exec.ExecReplicas, ...) catch the panics with
// exceptions.TryCatch and return them as errors.
package graph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/distributed"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	backend backends.Backend
	builder backends.Builder

	id   GraphId
	name string

	// nodes include all nodes known to Graph.
	nodes []*Node

	// parameters keeps track of parameter nodes and a mapping of name to index.
	parameters            []*Node
	parameterNameToHandle map[string]ParameterHandle

	// Compiled Graph
	executable backends.Executable

	// Distributed computation: SPMD has exactly one DeviceMesh.
	distStrategy distributed.Strategy
	deviceMesh   *distributed.DeviceMesh
}

// GraphId is globally unique.
var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// GraphId is a unique Graph id.
type GraphId int

// NodeId is a unique NodeId within a Graph
type NodeId int

// ParameterHandle is a key to refer to the graph parameters, in order of creation.
type ParameterHandle int

// InvalidParameterHandle represents an invalid (or non-existent) parameter.
const InvalidParameterHandle = ParameterHandle(-1)

// NewGraph constructs an empty Graph.
//
// An empty Graph can be further configured (e.g., with Graph.WithDeviceMesh) until one starts building a
// computation.
//
// After building a computation, they can be compiled (see Graph.Compile), at which point the Graph becomes immutable
// and can only be executed.
func NewGraph(backend backends.Backend, name string) *Graph {
	muGraphCount.Lock()
	defer muGraphCount.Unlock()

	if name == "" {
		name = fmt.Sprintf("graph_#%d", graphCount)
	}
	g := &Graph{
		backend:               backend,
		id:                    graphCount,
		name:                  name,
		parameterNameToHandle: make(map[string]ParameterHandle),
		distStrategy:          distributed.None,
	}
	graphCount++
	return g
}

// WithDeviceMesh configures the Graph for SPMD execution over all the devices of the mesh: one replica per mesh
// position. The mesh positions must be assigned to devices 0 to mesh.NumDevices()-1.
//
// It can only be called before starting to build the Graph. It returns the graph itself, so calls can be cascaded.
func (g *Graph) WithDeviceMesh(mesh *distributed.DeviceMesh) *Graph {
	g.AssertConfiguring()
	if mesh.NumDevices() > g.backend.NumDevices() {
		exceptions.Panicf("Graph %q: mesh %s has %d devices, but backend %q only has %d", g.name, mesh,
			mesh.NumDevices(), g.backend.Name(), g.backend.NumDevices())
	}
	for position := range mesh.NumDevices() {
		if device := int(mesh.Device(position)); device >= mesh.NumDevices() {
			exceptions.Panicf("Graph %q: mesh position %d assigned to device %d, SPMD replicas only run on "+
				"devices 0 to %d", g.name, position, device, mesh.NumDevices()-1)
		}
	}
	g.distStrategy = distributed.SPMD
	g.deviceMesh = mesh
	return g
}

// DistributedStrategy returns the strategy used by the Graph.
func (g *Graph) DistributedStrategy() distributed.Strategy { return g.distStrategy }

// DeviceMesh returns the mesh of an SPMD graph, or nil.
func (g *Graph) DeviceMesh() *distributed.DeviceMesh { return g.deviceMesh }

// NumReplicas returns the number of replicas the graph runs on: 1, unless configured for SPMD.
func (g *Graph) NumReplicas() int {
	if g.deviceMesh == nil {
		return 1
	}
	return g.deviceMesh.NumDevices()
}

// build sets the Graph into "building" mode by creating the Backend Builder object.
// After this Graph parameters (like name, distribution strategy, etc.) can no longer be changed.
func (g *Graph) build() backends.Builder {
	if !g.IsValid() {
		exceptions.Panicf("Graph is nil or has been finalized already")
	}
	if g.IsCompiled() {
		exceptions.Panicf("Graph already compiled and can't be used for building")
	}
	if g.builder == nil {
		// Lazy construction of builder: this allows one to further configure the Graph object before using it.
		g.builder = g.backend.Builder(g.name)
		if g.distStrategy == distributed.SPMD {
			if err := g.builder.DistributedSPMD(g.deviceMesh.NumDevices()); err != nil {
				panic(errors.WithMessagef(err, "Graph %q failed to configure SPMD over %s", g.name, g.deviceMesh))
			}
		}
	}
	return g.builder
}

// Backend this Graph is using.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Name of the computation this Graph defines, set during its construction.
func (g *Graph) Name() string { return g.name }

// GraphId is a globally unique id of the graph. It's a counter that starts with 0.
func (g *Graph) GraphId() GraphId { return g.id }

// Finalize frees the associated data with the compiled graph (if it is compiled) and all the nodes.
// The graph is left in an unusable state.
// It is safe to call it more than once.
func (g *Graph) Finalize() {
	if g == nil {
		return
	}
	g.builder = nil
	if g.executable != nil {
		g.executable.Finalize()
		g.executable = nil
	}
	g.nodes = nil
	g.parameters = nil
	g.parameterNameToHandle = nil
	g.backend = nil
}

// IsValid returns whether the Graph is in a valid state: it is valid if it is in a configuring, building,
// or compiled state.
func (g *Graph) IsValid() bool {
	return !(g == nil || g.backend == nil)
}

// CheckValid returns an error if the graph is nil or if it has already been finalized.
func (g *Graph) CheckValid() error {
	if g == nil {
		return errors.Errorf("the Graph is nil")
	}
	if g.backend == nil {
		return errors.Errorf("Graph %q has been finalized already", g.name)
	}
	return nil
}

// AssertValid panics if the graph is nil or if it has already been finalized.
func (g *Graph) AssertValid() {
	if err := g.CheckValid(); err != nil {
		panic(err)
	}
}

// AssertConfiguring panics if one already started building a computation with the graph, or if it is compiled.
func (g *Graph) AssertConfiguring() {
	g.AssertValid()
	if g.builder != nil {
		exceptions.Panicf("Graph %q building already started, it can not be further configured", g.name)
	}
	if g.executable != nil {
		exceptions.Panicf("Graph %q is already compiled, it can not be further configured", g.name)
	}
}

// IsCompiled returns whether the Graph has been compiled (immutable).
func (g *Graph) IsCompiled() bool {
	return g.IsValid() && g.executable != nil
}

// AssertBuilding panics if the graph is nil, has been finalized, or has already been compiled.
// If the Graph was in a configuring state (just after the creation), this triggers it to enter into a "building" state.
func (g *Graph) AssertBuilding() {
	g.AssertValid()
	if g.IsCompiled() {
		exceptions.Panicf("Graph %q has already been compiled, one cannot further build computations with it",
			g.name)
	}
	_ = g.build()
}

// AssertCompiled panics if the graph is not compiled yet.
func (g *Graph) AssertCompiled() {
	g.AssertValid()
	if !g.IsCompiled() {
		exceptions.Panicf("Graph %q not compiled yet, it can't be used for execution", g.name)
	}
}

// registerNode in the graph and returns a new unique id within the Graph.
func (g *Graph) registerNode(node *Node) (id NodeId) {
	g.AssertBuilding()
	id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	node.id = id
	return
}

// Nodes return a slice of all nodes.
// The slice is owned by Graph and shouldn't be changed.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// NumParameters returns the number of parameters created for this graph.
func (g *Graph) NumParameters() int {
	g.AssertValid()
	return len(g.parameters)
}

// GetParameterByHandle returns the ii-th parameter, in order of creation, registered for this graph.
func (g *Graph) GetParameterByHandle(handle ParameterHandle) *Node {
	g.AssertValid()
	return g.parameters[handle]
}

// GetParameterByName returns the parameter registered with the given name, or nil if not found.
func (g *Graph) GetParameterByName(name string) (node *Node) {
	g.AssertValid()
	handle, ok := g.parameterNameToHandle[name]
	if !ok {
		return
	}
	return g.parameters[handle]
}

// Compile just-in-time (JIT) compiles the Graph into a Computation that can be executed.
//
// At least one output must be given.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("no outputs selected when Graph.Compile graph %q", g.name)
	}
	outputs = append([]*Node(nil), outputs...)

	// Sanity check on the output nodes.
	for ii, node := range outputs {
		if node == nil {
			exceptions.Panicf("output node %d is nil when compiling graph %q", ii, g.name)
		}
		if node.Graph() != g {
			exceptions.Panicf("output node %d is part of a different graph (name=%q) than the one being "+
				"compiled (name=%q)", ii, node.graph.name, g.name)
		}
		if node.NumOutputs() != 1 {
			exceptions.Panicf("Graph(%q).Compile cannot take multi-output nodes (output #%d: %s), this type of Node"+
				" is internal only", g.name, ii, node)
		}
	}

	// Create "identities" for duplicate outputs: nodes sharing the same backend op (e.g. a split node and
	// the node it aliases) are also duplicates for the backend.
	seen := make(map[backends.Op]bool, len(outputs))
	for ii, node := range outputs {
		if seen[node.outputOps[0]] {
			outputs[ii] = Identity(node)
		} else {
			seen[node.outputOps[0]] = true
		}
	}

	if klog.V(1).Enabled() {
		start := time.Now()
		defer func() {
			klog.Infof("Graph.Compile time for graph %q: %s", g.Name(), time.Since(start))
		}()
	}
	outputsOps := make([]backends.Op, len(outputs))
	for ii, node := range outputs {
		outputsOps[ii] = node.outputOps[0]
	}
	var err error
	g.executable, err = g.builder.Compile(outputsOps...)
	if err != nil {
		panic(errors.WithMessagef(err, "Graph %q failed to compile for the backend", g.name))
	}
}

// Run the compiled Graph on a single replica with the inputs given in order -- the same order as the parameters
// were created.
//
// This is a very "bare-bones" way of running the Graph. Typically, one would use the Exec object instead (which
// dynamically generates a new Graph for inputs of different shapes when needed).
func (g *Graph) Run(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor) {
	g.AssertCompiled()
	if g.NumReplicas() != 1 {
		exceptions.Panicf("Graph %q runs on %d replicas, use Graph.RunReplicas", g.name, g.NumReplicas())
	}
	return g.RunReplicas([][]*tensors.Tensor{inputs})[0]
}

// RunReplicas runs the compiled Graph with the inputs for each replica: inputs are indexed by [replica][parameter].
// Replica r runs on device r.
func (g *Graph) RunReplicas(inputs [][]*tensors.Tensor) (outputs [][]*tensors.Tensor) {
	g.AssertCompiled()
	numReplicas := g.NumReplicas()
	numParams := g.NumParameters()
	if len(inputs) != numReplicas {
		exceptions.Panicf("graph %q runs on %d replicas, but inputs for %d were given", g.name, numReplicas, len(inputs))
	}
	buffers := make([][]backends.Buffer, numReplicas)
	for replica, replicaInputs := range inputs {
		if len(replicaInputs) != numParams {
			exceptions.Panicf("graph %q takes %d parameters, but %d were given for replica #%d",
				g.name, numParams, len(replicaInputs), replica)
		}
		buffers[replica] = make([]backends.Buffer, numParams)
		for ii, t := range replicaInputs {
			if !t.Shape().Equal(g.parameters[ii].Shape()) {
				exceptions.Panicf("graph %q parameter #%d (%q) has shape %s, but replica #%d was given %s",
					g.name, ii, g.parameters[ii].ParameterName(), g.parameters[ii].Shape(), replica, t.Shape())
			}
			var err error
			buffers[replica][ii], err = t.Buffer(g.backend, backends.DeviceNum(replica))
			if err != nil {
				panic(errors.WithMessagef(err, "graph %q: transferring parameter #%d to device %d", g.name, ii, replica))
			}
		}
	}

	start := time.Now()
	results, err := g.executable.Execute(buffers)
	if err != nil {
		panic(errors.WithMessagef(err, "Graph %q failed to execute", g.name))
	}
	klog.V(2).Infof("Graph.RunReplicas(%q): %d replica(s) in %s", g.name, numReplicas, time.Since(start))

	outputs = make([][]*tensors.Tensor, numReplicas)
	for replica, replicaResults := range results {
		outputs[replica] = make([]*tensors.Tensor, len(replicaResults))
		for ii, buf := range replicaResults {
			outputs[replica][ii], err = tensors.FromBuffer(g.backend, buf)
			if err != nil {
				panic(err)
			}
		}
	}
	return outputs
}

// String converts the Graph to a multiline string with a description of the full graph.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)!?"
	}
	if g.backend == nil {
		return "Invalid Graph (already finalized)"
	}
	var compiled string
	if g.executable != nil {
		compiled = " (*)"
	}
	parts := []string{
		fmt.Sprintf("Graph %q%s: %d nodes, %d parameters", g.name, compiled, len(g.nodes), g.NumParameters()),
	}
	for ii, node := range g.nodes {
		parts = append(parts, fmt.Sprintf("\t#%d\t%s", ii, node))
	}
	return strings.Join(parts, "\n")
}

// checkShape panics if the shape is not valid.
func checkShape(shape shapes.Shape, msg string) {
	if !shape.Ok() {
		exceptions.Panicf("invalid shape for %s", msg)
	}
}
