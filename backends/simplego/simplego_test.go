package simplego

import (
	"fmt"
	"os"
	"testing"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var backend *Backend

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	b, err := backends.NewWithConfig("go:devices=4")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create backend: %+v\n", err)
		os.Exit(1)
	}
	backend = b.(*Backend)
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

// buildAndRun builds a single replica computation with one parameter per input, and returns the flat
// values of the outputs, converted to the Go slice types given in outputFlats.
func buildAndRun(t *testing.T, inputShapes []shapes.Shape, inputDatas []any,
	buildFn func(b *Builder, params []backends.Op) ([]backends.Op, error)) []*Buffer {
	t.Helper()
	builder := backend.Builder(t.Name()).(*Builder)
	params := make([]backends.Op, len(inputShapes))
	for i, shape := range inputShapes {
		var err error
		params[i], err = builder.Parameter(fmt.Sprintf("x%d", i), shape)
		require.NoError(t, err)
	}
	outputs, err := buildFn(builder, params)
	require.NoError(t, err)
	exec, err := builder.Compile(outputs...)
	require.NoError(t, err)
	defer exec.Finalize()

	inputs := make([]backends.Buffer, len(inputDatas))
	for i, data := range inputDatas {
		inputs[i], err = backend.BufferFromFlatData(0, data, inputShapes[i])
		require.NoError(t, err)
	}
	results, err := exec.Execute([][]backends.Buffer{inputs})
	require.NoError(t, err)
	require.Len(t, results, 1)
	buffers := make([]*Buffer, len(results[0]))
	for i, result := range results[0] {
		buffers[i] = result.(*Buffer)
	}
	return buffers
}

func toFloat32(t *testing.T, buf *Buffer) []float32 {
	t.Helper()
	flat := make([]float32, buf.shape.Size())
	require.NoError(t, backend.BufferToFlatData(buf, flat))
	return flat
}

func TestConfig(t *testing.T) {
	b, err := newBackend("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPlatform, b.Platform())
	major, minor := b.ComputeCapability()
	assert.Equal(t, []int{8, 0}, []int{major, minor})
	assert.Equal(t, DefaultCuDNNVersion, b.CuDNNVersion())
	assert.Equal(t, 1, b.NumDevices())
	assert.True(t, b.Capabilities().Operations[backends.OpTypeCustomCall])
	_, isAccelerator := backends.IsAccelerator(b)
	assert.True(t, isAccelerator)

	b, err = newBackend("platform=cpu, devices=2")
	require.NoError(t, err)
	assert.Equal(t, 2, b.NumDevices())
	assert.False(t, b.Capabilities().Operations[backends.OpTypeCustomCall])
	assert.Empty(t, b.Capabilities().CustomCallTargets)
	_, isAccelerator = backends.IsAccelerator(b)
	assert.False(t, isAccelerator)

	b, err = newBackend("cc=9.0,cudnn=0")
	require.NoError(t, err)
	major, minor = b.ComputeCapability()
	assert.Equal(t, []int{9, 0}, []int{major, minor})
	assert.False(t, b.supportsCustomCallTarget("__cudnn$fmhaSoftmax"))

	for _, config := range []string{"devices=0", "cc=x", "unknown=1", "cudnn"} {
		_, err = newBackend(config)
		assert.Error(t, err, "config %q", config)
	}
}

func TestBuffers(t *testing.T) {
	shape := shapes.Make(dtypes.Float16, 3)
	_, err := backend.BufferFromFlatData(0, []float32{1, 2, 3}, shape)
	require.Error(t, err, "dtype mismatch")
	_, err = backend.BufferFromFlatData(4, []float32{1, 2, 3}, shapes.Make(dtypes.Float32, 3))
	require.Error(t, err, "device out of range")

	buf, err := backend.BufferFromFlatData(2, []int32{-1, 7}, shapes.Make(dtypes.Int32, 2))
	require.NoError(t, err)
	device, err := backend.BufferDeviceNum(buf)
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(2), device)
	got := make([]int32, 2)
	require.NoError(t, backend.BufferToFlatData(buf, got))
	assert.Equal(t, []int32{-1, 7}, got)
	require.Error(t, backend.BufferToFlatData(buf, make([]int32, 3)))

	require.NoError(t, backend.BufferFinalize(buf))
	require.Error(t, backend.BufferFinalize(buf), "double finalize")
	require.Error(t, backend.BufferToFlatData(buf, got), "use after finalize")

	assert.Equal(t, 1.0009765625, roundTo(dtypes.Float16, 1.0001+0.0009))
	assert.Equal(t, 1.0, roundTo(dtypes.BFloat16, 1.001))
	assert.Equal(t, -3.0, roundTo(dtypes.Int32, -3.7))
	assert.Equal(t, 1.0, roundTo(dtypes.Bool, -2))
}

func TestCompile(t *testing.T) {
	builder := backend.Builder("compile").(*Builder)
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	_, err = builder.Compile()
	require.Error(t, err, "no outputs")
	_, err = builder.Compile(x, x)
	require.Error(t, err, "duplicate outputs")

	other := backend.Builder("other").(*Builder)
	_, err = other.Neg(x)
	require.Error(t, err, "op from a different builder")

	exec, err := builder.Compile(x)
	require.NoError(t, err)
	_, err = builder.Neg(x)
	require.Error(t, err, "builder already compiled")
	names, inputShapes := exec.Inputs()
	assert.Equal(t, []string{"x"}, names)
	assert.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 2)}, inputShapes)

	// Parameters as outputs are cloned: the input buffer is still owned by the caller.
	input, err := backend.BufferFromFlatData(0, []float32{1, 2}, inputShapes[0])
	require.NoError(t, err)
	outputs, err := exec.Execute([][]backends.Buffer{{input}})
	require.NoError(t, err)
	assert.NotSame(t, input, outputs[0][0])
	assert.Equal(t, []float32{1, 2}, toFloat32(t, input.(*Buffer)))

	// Wrong device for replica 0.
	input, err = backend.BufferFromFlatData(1, []float32{1, 2}, inputShapes[0])
	require.NoError(t, err)
	_, err = exec.Execute([][]backends.Buffer{{input}})
	require.Error(t, err)
	exec.Finalize()
	_, err = exec.Execute([][]backends.Buffer{{input}})
	require.Error(t, err)
}
