// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Executable holds a frozen Builder. It assumes the graph in Builder is valid and has been properly
// checked that all the shapes and data types are valid.
//
// If any inconsistencies are found, please fix in the Builder, so Executable can be written without the need
// of any duplicate checks.
type Executable struct {
	backend *Backend

	// builder must have Builder.compiled set to true, so it is no longer active.
	builder *Builder

	// numNodesToProcess is the max(outputs) -- with the exceptions of multi-output nodes.
	// We generally don't need to look or store information above that.
	numNodesToProcess int

	// numUses is the number of times each Node is used during the calculation, 0 for nodes not needed.
	// It has the length of numNodesToProcess.
	numUses []int

	// isOutput marks the nodes that are outputs: their buffers are never released by the executor.
	isOutput []bool
}

// Compile time check.
var _ backends.Executable = (*Executable)(nil)

// newExecutable creates an Executable ready to run the graph built with builder.
func newExecutable(builder *Builder) *Executable {
	var numNodesToProcess int
	for _, output := range builder.outputs {
		numNodesToProcess = max(numNodesToProcess, output.builderIdx+1)
	}
	e := &Executable{
		backend:           builder.backend,
		builder:           builder,
		numNodesToProcess: numNodesToProcess,
		numUses:           make([]int, numNodesToProcess),
		isOutput:          make([]bool, numNodesToProcess),
	}

	// Mark the nodes needed, from the outputs backwards.
	needed := make([]bool, numNodesToProcess)
	for _, output := range builder.outputs {
		needed[output.builderIdx] = true
		e.isOutput[output.builderIdx] = true
	}
	for idx := numNodesToProcess - 1; idx >= 0; idx-- {
		if !needed[idx] {
			continue
		}
		for _, input := range builder.nodes[idx].inputs {
			needed[input.builderIdx] = true
			e.numUses[input.builderIdx]++
		}
	}
	return e
}

// Finalize immediately frees resources associated with the executable.
func (e *Executable) Finalize() {
	if e.builder == nil {
		return
	}
	e.builder.Finalize()
	e.builder = nil
}

// Inputs returns the list of parameters names and shapes, in order created by the Builder.Parameter calls.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	numInputs := len(e.builder.inputs)
	if numInputs == 0 {
		return
	}
	names = make([]string, numInputs)
	inputShapes = make([]shapes.Shape, numInputs)
	for ii, node := range e.builder.inputs {
		parameter := node.data.(*nodeParameter)
		names[ii] = parameter.name
		inputShapes[ii] = node.shape
	}
	return
}

// Outputs returns the output shapes of the computation, in order given to the Builder.Compile call.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	outputShapes = make([]shapes.Shape, len(e.builder.outputs))
	for ii, node := range e.builder.outputs {
		outputShapes[ii] = node.shape
	}
	return outputShapes
}

// NumReplicas implements backends.Executable.
func (e *Executable) NumReplicas() int {
	return e.builder.numReplicas
}

// replicaRun holds the state of the execution of one replica.
type replicaRun struct {
	backend     *Backend
	execID      uuid.UUID
	replica     int
	collectives *collectives

	// results hold the calculated computations at each step.
	results []*Buffer
	numUsed []int
}

func (run *replicaRun) device() backends.DeviceNum {
	return backends.DeviceNum(run.replica)
}

// Execute the executable on the default device (0). For SPMD programs, replica i runs concurrently on device i.
//
// The inputs are indexed by [replica][parameter], and are not donated: they are still valid after the execution.
func (e *Executable) Execute(inputs [][]backends.Buffer) ([][]backends.Buffer, error) {
	if e.builder == nil {
		return nil, errors.New("Execute: executable already finalized")
	}
	numReplicas := e.builder.numReplicas
	if len(inputs) != numReplicas {
		return nil, errors.Errorf("Execute(%q): %d replicas of inputs given, but the computation has %d replicas",
			e.builder.name, len(inputs), numReplicas)
	}
	execID := uuid.New()
	klog.V(2).Infof("simplego[%s]: executing %q on %d replica(s)", execID, e.builder.name, numReplicas)
	outputs := make([][]backends.Buffer, numReplicas)
	if numReplicas == 1 {
		var err error
		outputs[0], err = e.executeReplica(context.Background(), &replicaRun{backend: e.backend, execID: execID}, inputs[0])
		if err != nil {
			return nil, err
		}
		return outputs, nil
	}

	coll := newCollectives()
	g, ctx := errgroup.WithContext(context.Background())
	for replica := range numReplicas {
		g.Go(func() error {
			run := &replicaRun{backend: e.backend, execID: execID, replica: replica, collectives: coll}
			var err error
			outputs[replica], err = e.executeReplica(ctx, run, inputs[replica])
			return errors.WithMessagef(err, "replica #%d", replica)
		})
	}
	if err := g.Wait(); err != nil {
		for _, replicaOutputs := range outputs {
			for _, buf := range replicaOutputs {
				e.backend.putBuffer(buf.(*Buffer))
			}
		}
		return nil, err
	}
	return outputs, nil
}

// executeReplica runs the graph for one replica. Panics in the op executors are converted to errors.
func (e *Executable) executeReplica(ctx context.Context, run *replicaRun, inputs []backends.Buffer) (outputs []backends.Buffer, err error) {
	b := e.builder
	if len(inputs) != len(b.inputs) {
		return nil, errors.Errorf("Execute(%q): %d inputs given, %d expected", b.name, len(inputs), len(b.inputs))
	}
	run.results = make([]*Buffer, e.numNodesToProcess)
	run.numUsed = make([]int, e.numNodesToProcess)
	defer func() {
		if err != nil {
			e.releaseAll(run)
		}
	}()

	for idx, input := range inputs {
		buf, ok := input.(*Buffer)
		if !ok {
			return nil, errors.Errorf("Execute(%q): input #%d is not a %q buffer", b.name, idx, BackendName)
		}
		if err := buf.check(); err != nil {
			return nil, errors.WithMessagef(err, "Execute(%q): input #%d", b.name, idx)
		}
		if buf.device != run.device() {
			return nil, errors.Errorf("Execute(%q): input #%d is on device %d, but replica %d runs on device %d",
				b.name, idx, buf.device, run.replica, run.replica)
		}
		node := b.inputs[idx]
		if !buf.shape.Equal(node.shape) {
			return nil, errors.Errorf("Execute(%q): input #%d (%q) has shape %s, expected %s",
				b.name, idx, node.data.(*nodeParameter).name, buf.shape, node.shape)
		}
		if node.builderIdx < e.numNodesToProcess {
			run.results[node.builderIdx] = buf
		}
	}

	err = exceptions.TryCatch[error](func() {
		for idx := range e.numNodesToProcess {
			node := b.nodes[idx]
			if e.numUses[idx] == 0 && !e.isOutput[idx] {
				continue
			}
			if node.opType == backends.OpTypeParameter || node.isNodeSelectOutput {
				// Already set.
				continue
			}
			if err := ctx.Err(); err != nil {
				panic(errors.Wrapf(err, "execution of %q interrupted", b.name))
			}
			nodeInputs := make([]*Buffer, len(node.inputs))
			for i, input := range node.inputs {
				nodeInputs[i] = run.results[input.builderIdx]
			}
			if node.IsMultiOutputs() {
				results, err := e.execMultiOutputs(ctx, run, node, nodeInputs)
				if err != nil {
					panic(errors.WithMessagef(err, "executing node #%d (%s)", idx, node.opType))
				}
				for i, selectNode := range node.multiOutputsNodes {
					if selectNode.builderIdx < e.numNodesToProcess && (e.numUses[selectNode.builderIdx] > 0 || e.isOutput[selectNode.builderIdx]) {
						run.results[selectNode.builderIdx] = results[i]
					} else {
						e.backend.putBuffer(results[i])
					}
				}
			} else {
				executor := nodeExecutors[node.opType]
				if executor == nil {
					panic(errors.Wrapf(backends.ErrNotImplemented, "executor for op %s", node.opType))
				}
				run.results[idx] = executor(run.backend, node, nodeInputs, run.device())
			}
			e.markUsed(run, node)
		}
	})
	if err != nil {
		return nil, err
	}

	outputs = make([]backends.Buffer, len(b.outputs))
	for i, output := range b.outputs {
		result := run.results[output.builderIdx]
		if output.opType == backends.OpTypeParameter {
			// Input buffers are owned by the caller.
			result = e.backend.cloneBuffer(result)
		}
		outputs[i] = result
	}
	return outputs, nil
}

// markUsed updates the counting of uses of the node's inputs, and releases the buffers no longer needed.
func (e *Executable) markUsed(run *replicaRun, node *Node) {
	for _, input := range node.inputs {
		inputIdx := input.builderIdx
		run.numUsed[inputIdx]++
		if run.numUsed[inputIdx] == e.numUses[inputIdx] && !e.isOutput[inputIdx] &&
			input.opType != backends.OpTypeParameter && !input.IsMultiOutputs() {
			e.backend.putBuffer(run.results[inputIdx])
			run.results[inputIdx] = nil
		}
	}
}

// releaseAll intermediary results after a failure.
func (e *Executable) releaseAll(run *replicaRun) {
	for idx, buf := range run.results {
		if buf != nil && e.builder.nodes[idx].opType != backends.OpTypeParameter {
			e.backend.putBuffer(buf)
		}
		run.results[idx] = nil
	}
}

func (e *Executable) execMultiOutputs(ctx context.Context, run *replicaRun, node *Node, inputs []*Buffer) ([]*Buffer, error) {
	switch node.opType {
	case backends.OpTypeAllReduce:
		return execAllReduce(ctx, run, node, inputs)
	case backends.OpTypeCustomCall:
		return execCustomCall(run, node, inputs)
	}
	return nil, errors.Wrapf(backends.ErrNotImplemented, "multi-output op %s", node.opType)
}
