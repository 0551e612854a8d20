// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are defined by their shape (a data type and its axes' dimensions) and their content, and are used as the
// inputs and outputs of computation graphs.
//
// Ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): a tensor with the given shape, and zero values.
//   - FromScalar[T dtypes.Supported](value T): a scalar tensor.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and the flattened values given in data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromFloat64s(dtype, values, dimensions...): converts float64 values to the given dtype, including the
//     half-precision float16 and bfloat16.
//
// A Tensor keeps in sync up to two materializations of its value: `local`, a Go flat slice of the dtype, and
// `onDevice`, a backend buffer. Transfers happen lazily, when the other side is requested.
package tensors

import (
	"sync"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape (dtypes.DType and axes' dimensions) and its
// content stored as a flat (1D) array of values.
//
// It is a container for a "local" (host) and an "on-device" copy of the values. When one is updated, the other
// is invalidated.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects the local and onDevice data.
	mu sync.Mutex

	// local storage: a flat slice of the dtype's Go type.
	local any

	// onDevice storage for the tensor.
	onDevice *onDevice

	// backend holding the onDevice buffer.
	backend backends.Backend
}

// newEmptyTensor returns a Tensor object initialized only with the shape, but no actual storage.
func newEmptyTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// Shape of Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the tensor is in a valid state: not finalized and with some storage.
func (t *Tensor) Ok() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedOk()
}

func (t *Tensor) lockedOk() bool {
	return t.shape.Ok() && (t.local != nil || t.onDevice != nil)
}

// CheckValid returns an error if the tensor is nil or was finalized.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("tensor shape is invalid")
	}
	if t.local == nil && t.onDevice == nil {
		return errors.Errorf("tensor with shape %s has no local or on-device storage, was it finalized?", t.shape)
	}
	return nil
}

// FinalizeAll releases the local copy and the on-device buffer immediately, instead of waiting for the
// garbage collector. The tensor is invalid afterward.
func (t *Tensor) FinalizeAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = nil
	if t.onDevice == nil {
		return nil
	}
	err := t.onDevice.finalize()
	t.onDevice = nil
	t.backend = nil
	return err
}
