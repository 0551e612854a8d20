// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/distributed"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecGraphFn builds the computation of an Exec: it is given the Graph and one Parameter node per input, and
// returns the outputs.
type ExecGraphFn func(g *Graph, inputs []*Node) []*Node

// DefaultExecMaxCacheSize is the default number of graphs (one per combination of input shapes) an Exec keeps.
const DefaultExecMaxCacheSize = 10

// Exec creates and executes computation graphs as needed, based on the input shapes.
//
// It simplifies the process of executing a graph: the graph is built by the ExecGraphFn, compiled and cached
// for each combination of input shapes. For safety there is a maximum number of different instantiations of the
// graph, see Exec.SetMaxCache.
//
// Exec is safe for concurrent use.
type Exec struct {
	backend backends.Backend
	name    string
	graphFn ExecGraphFn

	// SPMD configuration, if mesh is not nil.
	mesh            *distributed.DeviceMesh
	outputShardings []*distributed.ShardingSpec

	maxCacheSize int

	// cacheMu protects the cache.
	cacheMu sync.Mutex
	cache   []*execCacheEntry
}

// execCacheEntry: no hashing, just a simple list. This is faster for smaller tables.
type execCacheEntry struct {
	inputShapes []shapes.Shape
	graph       *Graph
}

// NewExec constructs an Exec object that uses graphFn to build computation graphs.
func NewExec(backend backends.Backend, graphFn ExecGraphFn) *Exec {
	return &Exec{
		backend:      backend,
		name:         "Exec",
		graphFn:      graphFn,
		maxCacheSize: DefaultExecMaxCacheSize,
	}
}

// WithName sets the name of Exec, used to name the graphs created.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) WithName(name string) *Exec {
	e.name = name
	return e
}

// Name of the Exec.
func (e *Exec) Name() string { return e.name }

// SetMaxCache sets the maximum number of different graphs (one per combination of input shapes) the Exec keeps.
// If set to <= 0, the cache is unlimited.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.maxCacheSize = maxCacheSize
	return e
}

// WithDeviceMesh configures the graphs created for SPMD execution over the mesh, see Graph.WithDeviceMesh.
// Use Exec.ExecSharded or Exec.ExecReplicas to execute it.
func (e *Exec) WithDeviceMesh(mesh *distributed.DeviceMesh) *Exec {
	e.mesh = mesh
	return e
}

// WithOutputShardings sets how the per-replica outputs of ExecSharded are assembled into distributed.Tensor values.
// Outputs without a spec are assumed to be replicated.
func (e *Exec) WithOutputShardings(specs ...*distributed.ShardingSpec) *Exec {
	e.outputShardings = specs
	return e
}

// Exec executes the graph with the given inputs, on a single device. A graph is built and compiled if one doesn't
// exist yet for the input shapes.
func (e *Exec) Exec(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if e.mesh != nil {
		return nil, errors.Errorf("Exec %q is configured for SPMD over %s, use ExecSharded or ExecReplicas", e.name, e.mesh)
	}
	outputs, err := e.ExecReplicas([][]*tensors.Tensor{inputs})
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// MustExec is like Exec, but panics on errors.
func (e *Exec) MustExec(inputs ...*tensors.Tensor) []*tensors.Tensor {
	outputs, err := e.Exec(inputs...)
	if err != nil {
		panic(err)
	}
	return outputs
}

// ExecReplicas executes the graph with the inputs of each replica, indexed by [replica][input]. Replica r runs
// on device r.
//
// All replicas must be given inputs of the same shapes.
func (e *Exec) ExecReplicas(inputs [][]*tensors.Tensor) (outputs [][]*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("Exec %q requires the inputs of at least one replica", e.name)
	}
	inputShapes := make([]shapes.Shape, len(inputs[0]))
	for ii, t := range inputs[0] {
		if t == nil {
			return nil, errors.Errorf("Exec %q: input #%d is nil", e.name, ii)
		}
		inputShapes[ii] = t.Shape()
	}
	err = exceptions.TryCatch[error](func() {
		entry := e.findCacheEntry(inputShapes)
		outputs = entry.graph.RunReplicas(inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Exec %q", e.name)
	}
	return outputs, nil
}

// ExecSharded executes the SPMD graph on the shards of the inputs, and returns the outputs as distributed
// tensors, sharded according to WithOutputShardings.
//
// The inputs must be sharded over the same mesh the Exec was configured with. The graph is built with the shard
// shapes: each replica sees only its local shard.
func (e *Exec) ExecSharded(inputs ...*distributed.Tensor) ([]*distributed.Tensor, error) {
	if e.mesh == nil {
		return nil, errors.Errorf("Exec %q: ExecSharded requires a mesh, see Exec.WithDeviceMesh", e.name)
	}
	numReplicas := e.mesh.NumDevices()
	replicaInputs := make([][]*tensors.Tensor, numReplicas)
	for replica := range numReplicas {
		position, _, err := e.mesh.DeviceToMesh(backends.DeviceNum(replica))
		if err != nil {
			return nil, errors.WithMessagef(err, "Exec %q", e.name)
		}
		replicaInputs[replica] = make([]*tensors.Tensor, len(inputs))
		for ii, input := range inputs {
			if input.Mesh() != e.mesh {
				return nil, errors.Errorf("Exec %q: input #%d is sharded over %s, but Exec runs over %s",
					e.name, ii, input.Mesh(), e.mesh)
			}
			replicaInputs[replica][ii] = input.Shards()[position]
		}
	}
	replicaOutputs, err := e.ExecReplicas(replicaInputs)
	if err != nil {
		return nil, err
	}

	numOutputs := len(replicaOutputs[0])
	outputs := make([]*distributed.Tensor, numOutputs)
	for ii := range numOutputs {
		shards := make([]*tensors.Tensor, numReplicas)
		for position := range numReplicas {
			shards[position] = replicaOutputs[int(e.mesh.Device(position))][ii]
		}
		spec := distributed.NewReplicatedShardingSpec(e.mesh)
		if ii < len(e.outputShardings) && e.outputShardings[ii] != nil {
			spec = e.outputShardings[ii]
		}
		outputs[ii], err = distributed.NewTensor(spec, shards)
		if err != nil {
			return nil, errors.WithMessagef(err, "Exec %q: output #%d", e.name, ii)
		}
	}
	return outputs, nil
}

// findCacheEntry returns the graph for the given input shapes, creating and compiling one if needed.
// It panics if the maximum cache size is reached.
func (e *Exec) findCacheEntry(inputShapes []shapes.Shape) *execCacheEntry {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for _, entry := range e.cache {
		if slices.EqualFunc(inputShapes, entry.inputShapes, shapes.Shape.Equal) {
			return entry
		}
	}
	if e.maxCacheSize > 0 && len(e.cache) >= e.maxCacheSize {
		exceptions.Panicf("maximum cache size of %d reached for %q, cannot create another graph: "+
			"a new computation graph needs to be created+compiled for each different shape of "+
			"the input, consider using padding, or if this is not a concern change "+
			"the cache size with Exec.SetMaxCache()", e.maxCacheSize, e.name)
	}
	return e.createAndCacheGraph(inputShapes)
}

// createAndCacheGraph builds and compiles the graph for the input shapes. It must be called with cacheMu locked.
func (e *Exec) createAndCacheGraph(inputShapes []shapes.Shape) *execCacheEntry {
	g := NewGraph(e.backend, fmt.Sprintf("%s#%d", e.name, len(e.cache)))
	if e.mesh != nil {
		g.WithDeviceMesh(e.mesh)
	}
	err := exceptions.TryCatch[error](func() {
		inputs := make([]*Node, len(inputShapes))
		for ii, shape := range inputShapes {
			inputs[ii] = Parameter(g, fmt.Sprintf("input_#%d", ii), shape)
		}
		outputs := e.graphFn(g, inputs)
		g.Compile(outputs...)
	})
	if err != nil {
		g.Finalize()
		panic(errors.WithMessagef(err, "failed to build computation graph for shapes %v", inputShapes))
	}
	klog.V(1).Infof("Exec %q: new graph %q compiled for input shapes %v", e.name, g.Name(), inputShapes)
	entry := &execCacheEntry{inputShapes: slices.Clone(inputShapes), graph: g}
	e.cache = append(e.cache, entry)
	return entry
}

// Finalize clears the cache, finalizing the graphs. The Exec object shouldn't be used after that.
func (e *Exec) Finalize() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for _, entry := range e.cache {
		entry.graph.Finalize()
	}
	e.cache = nil
}
