package simplego

import (
	"testing"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAllReduce(t *testing.T, numReplicas int, reduceOp backends.ReduceOpType, groups [][]int) backends.Executable {
	t.Helper()
	builder := backend.Builder(t.Name()).(*Builder)
	require.NoError(t, builder.DistributedSPMD(numReplicas))
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	reduced, err := builder.AllReduce([]backends.Op{x}, reduceOp, groups)
	require.NoError(t, err)
	require.Len(t, reduced, 1)
	exec, err := builder.Compile(reduced...)
	require.NoError(t, err)
	require.Equal(t, numReplicas, exec.NumReplicas())
	return exec
}

func replicaInputs(t *testing.T, numReplicas int, device func(replica int) int) [][]backends.Buffer {
	t.Helper()
	inputs := make([][]backends.Buffer, numReplicas)
	for replica := range numReplicas {
		buf, err := backend.BufferFromFlatData(backends.DeviceNum(device(replica)),
			[]float32{float32(replica), float32(10 * (replica + 1))}, shapes.Make(dtypes.Float32, 2))
		require.NoError(t, err)
		inputs[replica] = []backends.Buffer{buf}
	}
	return inputs
}

func TestAllReduce(t *testing.T) {
	exec := buildAllReduce(t, 4, backends.ReduceOpSum, [][]int{{0, 1}, {2, 3}})
	defer exec.Finalize()
	before := testutil.ToFloat64(allReduceTotal)
	outputs, err := exec.Execute(replicaInputs(t, 4, func(replica int) int { return replica }))
	require.NoError(t, err)
	require.Len(t, outputs, 4)
	want := [][]float32{{1, 30}, {1, 30}, {5, 70}, {5, 70}}
	for replica, replicaOutputs := range outputs {
		require.Len(t, replicaOutputs, 1)
		buf := replicaOutputs[0].(*Buffer)
		assert.Equal(t, backends.DeviceNum(replica), buf.device)
		assert.Equal(t, want[replica], toFloat32(t, buf), "replica %d", replica)
	}
	assert.Equal(t, before+4, testutil.ToFloat64(allReduceTotal))

	// Max over all replicas.
	exec = buildAllReduce(t, 4, backends.ReduceOpMax, [][]int{{3, 2, 1, 0}})
	outputs, err = exec.Execute(replicaInputs(t, 4, func(replica int) int { return replica }))
	require.NoError(t, err)
	for _, replicaOutputs := range outputs {
		assert.Equal(t, []float32{3, 40}, toFloat32(t, replicaOutputs[0].(*Buffer)))
	}
}

func TestAllReduceSingleReplica(t *testing.T) {
	exec := buildAllReduce(t, 1, backends.ReduceOpSum, [][]int{{0}})
	outputs, err := exec.Execute(replicaInputs(t, 1, func(int) int { return 0 }))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 10}, toFloat32(t, outputs[0][0].(*Buffer)))
}

func TestAllReduceFailingReplica(t *testing.T) {
	// Replica 3 fails before reaching the AllReduce: the other replicas must not wait forever.
	exec := buildAllReduce(t, 4, backends.ReduceOpSum, [][]int{{0, 1, 2, 3}})
	inputs := replicaInputs(t, 4, func(replica int) int { return min(replica, 2) })
	_, err := exec.Execute(inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica #3")
}

func TestCollectiveErrors(t *testing.T) {
	builder := backend.Builder("collective_errors").(*Builder)
	require.Error(t, builder.DistributedSPMD(5), "more replicas than devices")
	require.NoError(t, builder.DistributedSPMD(2))
	x, err := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	_, err = builder.AllReduce([]backends.Op{x}, backends.ReduceOpSum, [][]int{{0}})
	assert.Error(t, err, "replica 1 not in any group")
	_, err = builder.AllReduce([]backends.Op{x}, backends.ReduceOpSum, [][]int{{0, 1}, {1}})
	assert.Error(t, err, "replica 1 in two groups")
	_, err = builder.AllReduce([]backends.Op{x}, backends.ReduceOpSum, [][]int{{0, 2}})
	assert.Error(t, err, "replica out of range")
	_, err = builder.AllReduce(nil, backends.ReduceOpSum, [][]int{{0, 1}})
	assert.Error(t, err, "no operands")
	reduced, err := builder.AllReduce([]backends.Op{x}, backends.ReduceOpSum, [][]int{{0, 1}})
	require.NoError(t, err)
	assert.Error(t, builder.DistributedSPMD(2), "collective already added")
	_, err = builder.Compile(reduced[0])
	require.NoError(t, err)
}
