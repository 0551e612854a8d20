// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DistributedSPMD implements backends.CollectiveOps.
func (b *Builder) DistributedSPMD(numReplicas int) error {
	if _, err := b.checkOps("DistributedSPMD"); err != nil {
		return err
	}
	if numReplicas < 1 || numReplicas > b.backend.numDevices {
		return errors.Errorf("DistributedSPMD(%d): backend %q has %d devices", numReplicas, BackendName, b.backend.numDevices)
	}
	for _, node := range b.nodes {
		if node.opType == backends.OpTypeAllReduce {
			return errors.Errorf("DistributedSPMD() must be called before any collective operation is added")
		}
	}
	b.numReplicas = numReplicas
	return nil
}

type allReduceNodeData struct {
	reduceOp backends.ReduceOpType

	// groupOf maps each replica to its group index, and positionOf to its position in the group.
	groupOf, positionOf []int
	groupSizes          []int
}

// AllReduce implements backends.CollectiveOps.
func (b *Builder) AllReduce(operandOps []backends.Op, reduceOp backends.ReduceOpType, replicaGroups [][]int) ([]backends.Op, error) {
	operands, err := b.checkOps("AllReduce", operandOps...)
	if err != nil {
		return nil, err
	}
	if len(operands) == 0 {
		return nil, errors.New("AllReduce requires at least one operand")
	}
	switch reduceOp {
	case backends.ReduceOpSum, backends.ReduceOpProduct, backends.ReduceOpMax, backends.ReduceOpMin:
	default:
		return nil, errors.Errorf("AllReduce: invalid reduction type %s", reduceOp)
	}
	data := &allReduceNodeData{
		reduceOp:   reduceOp,
		groupOf:    slices.Repeat([]int{-1}, b.numReplicas),
		positionOf: make([]int, b.numReplicas),
		groupSizes: make([]int, len(replicaGroups)),
	}
	for groupIdx, group := range replicaGroups {
		data.groupSizes[groupIdx] = len(group)
		for pos, replica := range group {
			if replica < 0 || replica >= b.numReplicas {
				return nil, errors.Errorf("AllReduce: replica %d in group %v is out of range, computation has %d replicas",
					replica, group, b.numReplicas)
			}
			if data.groupOf[replica] != -1 {
				return nil, errors.Errorf("AllReduce: replica %d appears in more than one replica group (%v)", replica, replicaGroups)
			}
			data.groupOf[replica] = groupIdx
			data.positionOf[replica] = pos
		}
	}
	for replica, groupIdx := range data.groupOf {
		if groupIdx == -1 {
			return nil, errors.Errorf("AllReduce: replica %d is not in any replica group (%v)", replica, replicaGroups)
		}
	}
	outputShapes := make([]shapes.Shape, len(operands))
	for i, operand := range operands {
		outputShapes[i] = operand.shape.Clone()
	}
	node := b.newMultiOutputsNode(backends.OpTypeAllReduce, outputShapes, operands...)
	node.data = data
	return node.outputOps(), nil
}

// collectives hold the rendezvous of the collective operations of one SPMD execution.
type collectives struct {
	mu      sync.Mutex
	pending map[collectiveKey]*rendezvous
}

type collectiveKey struct {
	nodeIdx, group int
}

// rendezvous where all members of a replica group contribute their values and wait for the reduced result.
type rendezvous struct {
	mu            sync.Mutex
	contributions [][][]float64 // [position][operand][flat]
	missing       int
	done          chan struct{}
	reduced       [][]float64
}

func newCollectives() *collectives {
	return &collectives{pending: make(map[collectiveKey]*rendezvous)}
}

func (c *collectives) get(key collectiveKey, groupSize int) *rendezvous {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, found := c.pending[key]
	if !found {
		r = &rendezvous{
			contributions: make([][][]float64, groupSize),
			missing:       groupSize,
			done:          make(chan struct{}),
		}
		c.pending[key] = r
	}
	return r
}

// contribute the values of one member and wait for all others.
// The last member to contribute does the reduction.
func (r *rendezvous) contribute(ctx context.Context, position int, values [][]float64, reduceOp backends.ReduceOpType) ([][]float64, error) {
	r.mu.Lock()
	if r.contributions[position] != nil {
		r.mu.Unlock()
		return nil, errors.Errorf("AllReduce: position %d contributed twice to the same rendezvous", position)
	}
	r.contributions[position] = values
	r.missing--
	if r.missing == 0 {
		r.reduced = reduceContributions(r.contributions, reduceOp)
		close(r.done)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return r.reduced, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "AllReduce interrupted while waiting for other replicas")
	}
}

func reduceContributions(contributions [][][]float64, reduceOp backends.ReduceOpType) [][]float64 {
	reduced := make([][]float64, len(contributions[0]))
	for operandIdx := range reduced {
		acc := slices.Clone(contributions[0][operandIdx])
		for _, member := range contributions[1:] {
			for i, v := range member[operandIdx] {
				switch reduceOp {
				case backends.ReduceOpSum:
					acc[i] += v
				case backends.ReduceOpProduct:
					acc[i] *= v
				case backends.ReduceOpMax:
					acc[i] = max(acc[i], v)
				case backends.ReduceOpMin:
					acc[i] = min(acc[i], v)
				}
			}
		}
		reduced[operandIdx] = acc
	}
	return reduced
}

// execAllReduce contributes this replica's operands to the rendezvous of its group.
func execAllReduce(ctx context.Context, run *replicaRun, node *Node, inputs []*Buffer) ([]*Buffer, error) {
	data := node.data.(*allReduceNodeData)
	if run.collectives == nil {
		// Single replica: nothing to exchange.
		return cloneAll(run.backend, inputs), nil
	}
	values := make([][]float64, len(inputs))
	for i, input := range inputs {
		values[i] = slices.Clone(input.flat)
	}
	group := data.groupOf[run.replica]
	r := run.collectives.get(collectiveKey{nodeIdx: node.builderIdx, group: group}, data.groupSizes[group])
	klog.V(3).Infof("simplego[%s]: replica %d waiting on AllReduce #%d (group %d)", run.execID, run.replica, node.builderIdx, group)
	reduced, err := r.contribute(ctx, data.positionOf[run.replica], values, data.reduceOp)
	if err != nil {
		return nil, err
	}
	allReduceTotal.Inc()
	outputs := make([]*Buffer, len(reduced))
	for i, flat := range reduced {
		outputs[i] = run.backend.getBuffer(node.multiOutputsShapes[i], run.device())
		for j, v := range flat {
			outputs[i].flat[j] = roundTo(outputs[i].shape.DType, v)
		}
	}
	return outputs, nil
}

func cloneAll(backend *Backend, inputs []*Buffer) []*Buffer {
	outputs := make([]*Buffer, len(inputs))
	for i, input := range inputs {
		outputs[i] = backend.cloneBuffer(input)
	}
	return outputs
}
