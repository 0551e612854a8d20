package tensors

import (
	"testing"

	"github.com/gomlx/fmha/backends"
	_ "github.com/gomlx/fmha/backends/simplego"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.True(t, tensor.Ok())
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), tensor.Shape())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, MustCopyFlatData[float32](tensor))

	require.NoError(t, MutableFlatData(tensor, func(flat []float32) { flat[0] = 7 }))
	assert.Equal(t, float32(7), MustCopyFlatData[float32](tensor)[0])

	// Wrong type.
	_, err := CopyFlatData[float64](tensor)
	require.Error(t, err)

	zeros := FromShape(shapes.Make(dtypes.Int32, 3))
	assert.Equal(t, []int32{0, 0, 0}, MustCopyFlatData[int32](zeros))

	scalar := FromScalar(3.0)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 3.0, ToScalar[float64](scalar))

	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })

	require.NoError(t, tensor.FinalizeAll())
	assert.False(t, tensor.Ok())
	require.Error(t, tensor.ConstFlatData(func(any) {}))
}

func TestFloat64Conversions(t *testing.T) {
	values := []float64{0.5, -1.25, 3}
	for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
		tensor, err := FromFloat64s(dtype, values, 3)
		require.NoError(t, err)
		assert.Equal(t, dtype, tensor.DType())
		got, err := tensor.ToFloat64s()
		require.NoError(t, err)
		assert.Equal(t, values, got, "dtype %s", dtype)
	}
	bf16 := MustCopyFlatData[bfloat16.BFloat16](must1(FromFloat64s(dtypes.BFloat16, values, 3)))
	assert.Equal(t, float32(-1.25), bf16[1].Float32())

	ints, err := FromFloat64s(dtypes.Int32, []float64{1, 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, MustCopyFlatData[int32](ints))

	_, err = FromFloat64s(dtypes.Float32, values, 2)
	require.Error(t, err)

	a := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2.001}, 2)
	assert.False(t, a.Equal(b))
	assert.True(t, a.InDelta(b, 0.01))
	assert.False(t, a.InDelta(FromFlatDataAndDimensions([]float32{1, 2}, 1, 2), 0.01))
	assert.Contains(t, a.String(), "[1 2]")
}

func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestOnDevice(t *testing.T) {
	backend, err := backends.NewWithConfig("go:devices=2")
	require.NoError(t, err)
	defer backend.Finalize()

	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	buf, err := tensor.Buffer(backend, 1)
	require.NoError(t, err)
	device, err := tensor.Device()
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(1), device)
	assert.True(t, tensor.IsOnDevice(1))

	// Same device returns the same buffer.
	buf2, err := tensor.Buffer(backend, 1)
	require.NoError(t, err)
	assert.Equal(t, buf, buf2)

	// Buffer back to a tensor.
	buf3, err := backend.BufferFromFlatData(0, []float32{4, 5}, shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	fromDevice, err := FromBuffer(backend, buf3)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, MustCopyFlatData[float32](fromDevice))
	require.NoError(t, fromDevice.ToLocal())
	assert.False(t, fromDevice.IsOnDevice(0))
	assert.Equal(t, []float32{4, 5}, MustCopyFlatData[float32](fromDevice))

	// Mutating invalidates the device copy.
	require.NoError(t, MutableFlatData(tensor, func(flat []float32) { flat[2] = 0 }))
	assert.False(t, tensor.IsOnDevice(1))
}
