package graph_test

import (
	"testing"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/distributed"
	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/graph/graphtest"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllReduce(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("AllAxes", func(t *testing.T) {
		mesh := must1(distributed.NewDeviceMesh([]int{2}, []string{"data"}))
		exec := graph.NewExec(backend, func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
			d := g.Distributed()
			return []*graph.Node{
				d.AllReduce(backends.ReduceOpSum, inputs[0]),
				d.AllReduce(backends.ReduceOpMax, inputs[0]),
			}
		}).WithDeviceMesh(mesh)
		defer exec.Finalize()

		// Exec is for single device graphs only.
		_, err := exec.Exec(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
		require.Error(t, err)

		outputs, err := exec.ExecReplicas([][]*tensors.Tensor{
			{tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)},
			{tensors.FromFlatDataAndDimensions([]float32{10, -20}, 2)},
		})
		require.NoError(t, err)
		for replica := range 2 {
			assert.Equal(t, []float32{11, -18}, tensors.MustCopyFlatData[float32](outputs[replica][0]))
			assert.Equal(t, []float32{10, 2}, tensors.MustCopyFlatData[float32](outputs[replica][1]))
		}
	})

	t.Run("ReplicaGroups", func(t *testing.T) {
		mesh := must1(distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "heads"}))
		batchGroups := must1(mesh.ComputeReplicaGroups([]string{"batch"}))
		require.Equal(t, [][]int{{0, 2}, {1, 3}}, batchGroups)
		exec := graph.NewExec(backend, func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{
				graph.AllReduceSum(inputs[0], batchGroups),
				g.Distributed().Along("heads").AllReduce(backends.ReduceOpSum, inputs[0]),
			}
		}).WithDeviceMesh(mesh)
		defer exec.Finalize()

		inputs := make([][]*tensors.Tensor, 4)
		for replica := range inputs {
			inputs[replica] = []*tensors.Tensor{tensors.FromScalar(float32(replica))}
		}
		outputs, err := exec.ExecReplicas(inputs)
		require.NoError(t, err)
		wantBatch := []float32{2, 4, 2, 4}
		wantHeads := []float32{1, 1, 5, 5}
		for replica := range 4 {
			assert.Equal(t, wantBatch[replica], tensors.ToScalar[float32](outputs[replica][0]), "replica %d", replica)
			assert.Equal(t, wantHeads[replica], tensors.ToScalar[float32](outputs[replica][1]), "replica %d", replica)
		}
	})

	t.Run("NoMesh", func(t *testing.T) {
		graphtest.RunTestGraphFn(t, "AllReduceSumIsNoOp", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			x := graph.Scalar(g, dtypes.Float32, 3)
			inputs = []*graph.Node{x}
			outputs = []*graph.Node{graph.AllReduceSum(x, [][]int{{0}})}
			return
		}, []*tensors.Tensor{tensors.FromScalar(float32(3))}, 0)
	})
}

func TestAllReduceGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	mesh := must1(distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "heads"}))
	groups := must1(mesh.ComputeReplicaGroups([]string{"batch"}))
	exec := graph.NewExec(backend, func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		// Each replica computes the same loss: the sum over the group of x^2.
		loss := graph.ReduceAllSum(graph.AllReduceSum(graph.Mul(x, x), groups))
		return graph.Gradient(loss, x)
	}).WithDeviceMesh(mesh)
	defer exec.Finalize()

	inputs := make([][]*tensors.Tensor, 4)
	for replica := range inputs {
		inputs[replica] = []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{float32(replica), 1}, 2)}
	}
	outputs, err := exec.ExecReplicas(inputs)
	require.NoError(t, err)
	for replica := range 4 {
		// The adjoint of the sum is summed over the 2 members of the group: d/dx = 2 * 2x.
		assert.Equal(t, []float32{4 * float32(replica), 4}, tensors.MustCopyFlatData[float32](outputs[replica][0]),
			"replica %d", replica)
	}
}

func TestExecSharded(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	mesh := must1(distributed.NewDeviceMesh([]int{2}, []string{"data"}))
	rowsSpec := must1(distributed.BuildSpec(mesh).S("data").R().Done())

	exec := graph.NewExec(backend, func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		// Sum over rows: local sum of the shard followed by a sum across shards.
		columnsSum := g.Distributed().AllReduce(backends.ReduceOpSum, graph.ReduceSum(x, 0))
		return []*graph.Node{graph.MulScalar(x, 2), columnsSum}
	}).WithDeviceMesh(mesh).WithOutputShardings(rowsSpec)
	defer exec.Finalize()

	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	sharded := must1(distributed.ShardTensor(rowsSpec, x))
	require.Equal(t, []int{2, 2}, sharded.ShardShape().Dimensions)

	outputs, err := exec.ExecSharded(sharded)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	doubled := must1(outputs[0].Gather())
	require.Equal(t, []int{4, 2}, doubled.Shape().Dimensions)
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16}, tensors.MustCopyFlatData[float32](doubled))

	require.True(t, outputs[1].ShardingSpec().IsReplicated())
	columnsSum := must1(outputs[1].Gather())
	assert.Equal(t, []float32{16, 20}, tensors.MustCopyFlatData[float32](columnsSum))

	// A tensor sharded over a different mesh is rejected.
	otherMesh := must1(distributed.NewDeviceMesh([]int{2}, []string{"data"}))
	otherSpec := must1(distributed.BuildSpec(otherMesh).S("data").R().Done())
	_, err = exec.ExecSharded(must1(distributed.ShardTensor(otherSpec, x)))
	require.Error(t, err)
}
