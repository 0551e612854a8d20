// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to cross-device execution:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of axis and their sizes.
//   - ShardingSpec: defines how a logical tensor is sharded across a DeviceMesh.
//   - Tensor: a logical tensor distributed across multiple devices organized as a DeviceMesh.
package distributed

import (
	"reflect"

	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is a logical tensor distributed across multiple devices organized as a DeviceMesh.
//
// It holds the physical tensor shards (one per mesh position) and the sharding specification.
// Devices along mesh axes not used by the spec hold replicas of the same shard.
type Tensor struct {
	// spec defines how this tensor is sharded across the mesh, padded to the tensor rank.
	spec *ShardingSpec

	// shape is the logical (unsharded) shape.
	shape shapes.Shape

	// shards holds the physical tensor data, indexed by mesh position.
	shards []*tensors.Tensor
}

// NewTensor creates a distributed Tensor from its shards, one per mesh position.
//
// All shards must have the same shape, and the logical shape is derived from the spec.
func NewTensor(spec *ShardingSpec, shards []*tensors.Tensor) (*Tensor, error) {
	if spec == nil {
		return nil, errors.New("NewTensor requires a ShardingSpec")
	}
	if len(shards) != spec.Mesh.NumDevices() {
		return nil, errors.Errorf("number of shards (%d) does not match number of devices in mesh (%d)",
			len(shards), spec.Mesh.NumDevices())
	}
	shardShape := shards[0].Shape()
	for i, shard := range shards {
		if !shard.Shape().Equal(shardShape) {
			return nil, errors.Errorf("shard #%d has shape %s, but shard #0 has shape %s", i, shard.Shape(), shardShape)
		}
	}
	padded, err := spec.Padded(shardShape.Rank())
	if err != nil {
		return nil, err
	}
	return &Tensor{
		spec:   padded,
		shape:  padded.LogicalShapeForShard(shardShape),
		shards: shards,
	}, nil
}

// ShardTensor splits a local tensor into shards according to spec.
//
// It returns an error if the tensor axes are not divisible by the number of devices sharding them.
func ShardTensor(spec *ShardingSpec, t *tensors.Tensor) (*Tensor, error) {
	shape := t.Shape()
	padded, err := spec.Padded(shape.Rank())
	if err != nil {
		return nil, err
	}
	shardShape := padded.ShardShape(shape)
	if !shardShape.Ok() {
		return nil, errors.Errorf("tensor shape %s is not divisible according to %s", shape, spec)
	}
	numDevices := spec.Mesh.NumDevices()
	shards := make([]*tensors.Tensor, numDevices)
	err = t.ConstFlatData(func(flat any) {
		src := reflect.ValueOf(flat)
		for position := range numDevices {
			shardIndices := padded.ShardIndices(position, shape.Rank())
			shard := tensors.FromShape(shardShape)
			_ = shard.ConstFlatData(func(shardFlat any) {
				dst := reflect.ValueOf(shardFlat)
				forEachShardElement(shape, shardShape, shardIndices, func(shardIdx, logicalIdx int) {
					dst.Index(shardIdx).Set(src.Index(logicalIdx))
				})
			})
			shards[position] = shard
		}
	})
	if err != nil {
		return nil, err
	}
	return &Tensor{spec: padded, shape: shape, shards: shards}, nil
}

// forEachShardElement calls fn with the flat index of each element of a shard and the flat index of the
// same element in the logical tensor.
func forEachShardElement(logicalShape, shardShape shapes.Shape, shardIndices []int, fn func(shardIdx, logicalIdx int)) {
	logicalIndices := make([]int, shardShape.Rank())
	for shardIdx, indices := range shardShape.Iter() {
		for axis, idx := range indices {
			logicalIndices[axis] = shardIndices[axis]*shardShape.Dimensions[axis] + idx
		}
		fn(shardIdx, logicalShape.FlatIndex(logicalIndices))
	}
}

// Gather assembles the shards back into a local tensor with the logical shape.
func (dt *Tensor) Gather() (*tensors.Tensor, error) {
	gathered := tensors.FromShape(dt.shape)
	shardShape := dt.ShardShape()
	var err error
	// ConstFlatData is used for writing since gathered is a fresh local tensor with no device copy.
	_ = gathered.ConstFlatData(func(flat any) {
		dst := reflect.ValueOf(flat)
		for position, shard := range dt.shards {
			shardIndices := dt.spec.ShardIndices(position, dt.shape.Rank())
			err = shard.ConstFlatData(func(shardFlat any) {
				src := reflect.ValueOf(shardFlat)
				forEachShardElement(dt.shape, shardShape, shardIndices, func(shardIdx, logicalIdx int) {
					dst.Index(logicalIdx).Set(src.Index(shardIdx))
				})
			})
			if err != nil {
				err = errors.WithMessagef(err, "gathering shard #%d", position)
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return gathered, nil
}

// Mesh returns the DeviceMesh for this tensor.
func (dt *Tensor) Mesh() *DeviceMesh {
	return dt.spec.Mesh
}

// ShardingSpec returns the sharding specification for this tensor.
func (dt *Tensor) ShardingSpec() *ShardingSpec {
	return dt.spec
}

// Shards returns the physical tensor shards, indexed by mesh position.
func (dt *Tensor) Shards() []*tensors.Tensor {
	return dt.shards
}

// Shape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) Shape() shapes.Shape {
	return dt.shape
}

// ShardShape returns the shape of each shard.
func (dt *Tensor) ShardShape() shapes.Shape {
	return dt.shards[0].Shape()
}

// FinalizeAll releases all the shards.
func (dt *Tensor) FinalizeAll() error {
	var firstErr error
	for _, shard := range dt.shards {
		if err := shard.FinalizeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
