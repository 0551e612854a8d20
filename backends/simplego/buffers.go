// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for SimpleGo backend holds a shape and the flat values.
//
// Values of every dtype are stored as float64, rounded to the precision of the dtype after each operation.
// Booleans are stored as 0 or 1.
type Buffer struct {
	shape  shapes.Shape
	device backends.DeviceNum
	valid  bool
	flat   []float64
}

// getBufferPool for given length.
func (b *Backend) getBufferPool(length int) *sync.Pool {
	poolInterface, ok := b.bufferPools.Load(length)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(length, &sync.Pool{
			New: func() interface{} {
				bufferAllocationsTotal.Inc()
				return &Buffer{flat: make([]float64, length)}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from backend pool of buffers. The contents are not cleared.
func (b *Backend) getBuffer(shape shapes.Shape, device backends.DeviceNum) *Buffer {
	buf := b.getBufferPool(shape.Size()).Get().(*Buffer)
	buf.shape = shape.Clone()
	buf.device = device
	buf.valid = true
	return buf
}

// getZeroBuffer returns a buffer filled with zeros.
func (b *Backend) getZeroBuffer(shape shapes.Shape, device backends.DeviceNum) *Buffer {
	buf := b.getBuffer(shape, device)
	clear(buf.flat)
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() || !buffer.valid {
		return
	}
	buffer.valid = false
	b.getBufferPool(len(buffer.flat)).Put(buffer)
}

// cloneBuffer using the pool to allocate a new one.
func (b *Backend) cloneBuffer(buffer *Buffer) *Buffer {
	if err := buffer.check(); err != nil {
		exceptions.Panicf("cloneBuffer(%p): %v", buffer, err)
	}
	newBuffer := b.getBuffer(buffer.shape, buffer.device)
	copy(newBuffer.flat, buffer.flat)
	return newBuffer
}

func (buf *Buffer) check() error {
	if buf == nil || buf.flat == nil || !buf.shape.Ok() || !buf.valid {
		var issues []string
		if buf != nil {
			if buf.flat == nil {
				issues = append(issues, "buffer.flat was nil")
			}
			if !buf.shape.Ok() {
				issues = append(issues, "buffer.shape was invalid")
			}
			if !buf.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		} else {
			issues = append(issues, "buffer was nil")
		}
		return errors.Errorf("%s -- buffer was already finalized!?", strings.Join(issues, ", "))
	}
	return nil
}

// roundTo rounds v to the precision (and range) of dtype.
func roundTo(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Int64:
		return float64(int64(v))
	case dtypes.Int32:
		return float64(int32(v))
	case dtypes.Uint8:
		return float64(uint8(v))
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	}
	exceptions.Panicf("dtype %s not supported by %q backend", dtype, BackendName)
	return math.NaN()
}

// flatToValues converts a Go flat slice to float64 values, and returns its dtype.
func flatToValues(flat any) (dtypes.DType, []float64, error) {
	var values []float64
	switch f := flat.(type) {
	case []float64:
		return dtypes.Float64, append(values, f...), nil
	case []float32:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v)
		}
		return dtypes.Float32, values, nil
	case []float16.Float16:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v.Float32())
		}
		return dtypes.Float16, values, nil
	case []bfloat16.BFloat16:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v.Float32())
		}
		return dtypes.BFloat16, values, nil
	case []int64:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v)
		}
		return dtypes.Int64, values, nil
	case []int32:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v)
		}
		return dtypes.Int32, values, nil
	case []uint8:
		values = make([]float64, len(f))
		for i, v := range f {
			values[i] = float64(v)
		}
		return dtypes.Uint8, values, nil
	case []bool:
		values = make([]float64, len(f))
		for i, v := range f {
			if v {
				values[i] = 1
			}
		}
		return dtypes.Bool, values, nil
	}
	return dtypes.InvalidDType, nil, errors.Errorf("flat data of type %T not supported by %q backend", flat, BackendName)
}

// valuesToFlat copies the values to the Go flat slice, converting them to its type.
func valuesToFlat(values []float64, flat any) error {
	var length int
	switch f := flat.(type) {
	case []float64:
		length = copy(f, values)
	case []float32:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = float32(values[i])
		}
	case []float16.Float16:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = float16.Fromfloat32(float32(values[i]))
		}
	case []bfloat16.BFloat16:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = bfloat16.FromFloat32(float32(values[i]))
		}
	case []int64:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = int64(values[i])
		}
	case []int32:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = int32(values[i])
		}
	case []uint8:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = uint8(values[i])
		}
	case []bool:
		length = len(f)
		for i := range min(len(f), len(values)) {
			f[i] = values[i] != 0
		}
	default:
		return errors.Errorf("flat data of type %T not supported by %q backend", flat, BackendName)
	}
	if length != len(values) {
		return errors.Errorf("flat data has %d elements, but buffer has %d", length, len(values))
	}
	return nil
}

// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
// freed immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok {
		return errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if err := buffer.check(); err != nil {
		return errors.WithMessagef(err, "BufferFinalize(%p)", buffer)
	}
	b.putBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return shapes.Invalid(), errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	return buf.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (b *Backend) BufferDeviceNum(buffer backends.Buffer) (backends.DeviceNum, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return 0, errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	return buf.device, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat array.
// The slice flat must have the exact number of elements required to store the backends.Buffer shape.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buf, ok := backendBuffer.(*Buffer)
	if !ok {
		return errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if err := buf.check(); err != nil {
		return errors.WithMessage(err, "BufferToFlatData")
	}
	return valuesToFlat(buf.flat, flat)
}

// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding to the shape DType)
// to the deviceNum, and returns the corresponding backends.Buffer.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if deviceNum < 0 || int(deviceNum) >= b.numDevices {
		return nil, errors.Errorf("backend %q has %d devices, cannot create buffer on deviceNum %d (shape=%s)",
			BackendName, b.numDevices, deviceNum, shape)
	}
	dtype, values, err := flatToValues(flat)
	if err != nil {
		return nil, err
	}
	if dtype != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)", dtype, shape.DType)
	}
	if len(values) != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", len(values), shape, shape.Size())
	}
	buffer := b.getBuffer(shape, deviceNum)
	copy(buffer.flat, values)
	return buffer, nil
}
