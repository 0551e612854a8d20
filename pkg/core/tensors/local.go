// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t := newEmptyTensor(shape)
	t.local = reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface()
	return t
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := newEmptyTensor(shape)
	t.local = slices.Clone(data)
	return t
}

// FromFloat64s creates a tensor of the given dtype, converting the float64 values.
// It supports the float, integer and boolean dtypes.
func FromFloat64s(dtype dtypes.DType, values []float64, dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(dtype, dimensions...)
	if len(values) != shape.Size() {
		return nil, errors.Errorf("FromFloat64s(%s): %d values given", shape, len(values))
	}
	t := newEmptyTensor(shape)
	switch dtype {
	case dtypes.Float64:
		t.local = slices.Clone(values)
	case dtypes.Float32:
		t.local = convertSlice[float64, float32](values)
	case dtypes.Int64:
		t.local = convertSlice[float64, int64](values)
	case dtypes.Int32:
		t.local = convertSlice[float64, int32](values)
	case dtypes.Uint8:
		t.local = convertSlice[float64, uint8](values)
	case dtypes.Float16:
		flat := make([]float16.Float16, len(values))
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
		t.local = flat
	case dtypes.BFloat16:
		flat := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
		t.local = flat
	case dtypes.Bool:
		flat := make([]bool, len(values))
		for i, v := range values {
			flat[i] = v != 0
		}
		t.local = flat
	default:
		return nil, errors.Errorf("FromFloat64s: dtype %s not supported", dtype)
	}
	return t, nil
}

// ToFloat64s returns a copy of the tensor values converted to float64.
func (t *Tensor) ToFloat64s() ([]float64, error) {
	var values []float64
	err := t.ConstFlatData(func(flat any) {
		switch f := flat.(type) {
		case []float64:
			values = slices.Clone(f)
		case []float32:
			values = convertSlice[float32, float64](f)
		case []int64:
			values = convertSlice[int64, float64](f)
		case []int32:
			values = convertSlice[int32, float64](f)
		case []uint8:
			values = convertSlice[uint8, float64](f)
		case []float16.Float16:
			values = make([]float64, len(f))
			for i, v := range f {
				values[i] = float64(v.Float32())
			}
		case []bfloat16.BFloat16:
			values = make([]float64, len(f))
			for i, v := range f {
				values[i] = float64(v.Float32())
			}
		case []bool:
			values = make([]float64, len(f))
			for i, v := range f {
				if v {
					values[i] = 1
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if values == nil && t.Size() > 0 {
		return nil, errors.Errorf("ToFloat64s: dtype %s not supported", t.DType())
	}
	return values, nil
}

func convertSlice[From, To constraints.Integer | constraints.Float](from []From) []To {
	to := make([]To, len(from))
	for i, v := range from {
		to[i] = To(v)
	}
	return to
}

// ConstFlatData calls accessFn with the flat slice of the local copy of the tensor.
// It transfers the value from the device if needed.
//
// The slice must not be modified or kept after accessFn returns.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	if err := t.lockedMaterializeLocal(); err != nil {
		return err
	}
	accessFn(t.local)
	return nil
}

// ConstFlatData is the generic version of Tensor.ConstFlatData.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	var typeErr error
	err := t.ConstFlatData(func(flat any) {
		flatT, ok := flat.([]T)
		if !ok {
			typeErr = errors.Errorf("ConstFlatData[%T]: tensor has dtype %s", *new(T), t.DType())
			return
		}
		accessFn(flatT)
	})
	if err != nil {
		return err
	}
	return typeErr
}

// MutableFlatData calls accessFn with the flat slice of the local copy of the tensor, which it can modify.
// The on-device copy is invalidated.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	if err := t.lockedMaterializeLocal(); err != nil {
		return err
	}
	flat, ok := t.local.([]T)
	if !ok {
		return errors.Errorf("MutableFlatData[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	accessFn(flat)
	if t.onDevice != nil {
		err := t.onDevice.finalize()
		t.onDevice = nil
		return err
	}
	return nil
}

// CopyFlatData returns a copy of the flat data of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy, err
}

// MustCopyFlatData returns a copy of the flat data of the tensor, and panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// ToScalar returns the scalar value of the tensor. It panics if the tensor is not a scalar or of a different type.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("ToScalar[%T] for tensor with shape %s", *new(T), t.shape)
	}
	return MustCopyFlatData[T](t)[0]
}

// Equal returns whether both tensors have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.InDelta(other, 0)
}

// InDelta returns whether both tensors have the same shape, and their values differ at most delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	values, err := t.ToFloat64s()
	if err != nil {
		return false
	}
	otherValues, err := other.ToFloat64s()
	if err != nil {
		return false
	}
	for i, v := range values {
		if math.IsNaN(v) != math.IsNaN(otherValues[i]) || math.Abs(v-otherValues[i]) > delta {
			return false
		}
	}
	return true
}

// maxStringElements is the maximum number of values printed by String.
const maxStringElements = 32

// String returns the shape of the tensor and its first values.
func (t *Tensor) String() string {
	values, err := t.ToFloat64s()
	if err != nil {
		return fmt.Sprintf("%s: <%v>", t.shape, err)
	}
	parts := make([]string, 0, min(len(values), maxStringElements)+1)
	for i, v := range values {
		if i == maxStringElements {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%.4g", v))
	}
	return fmt.Sprintf("%s: [%s]", t.shape, strings.Join(parts, " "))
}
