package distributed

import (
	"testing"

	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardTensor(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2}, []string{"replica"})
	require.NoError(t, err)
	tensor := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)

	spec, err := BuildSpec(mesh).S("replica").Done()
	require.NoError(t, err)
	distTensor, err := ShardTensor(spec, tensor)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Int32, 2, 4), distTensor.Shape())
	assert.Equal(t, shapes.Make(dtypes.Int32, 1, 4), distTensor.ShardShape())
	require.Len(t, distTensor.Shards(), 2)
	assert.Equal(t, []int32{1, 2, 3, 4}, tensors.MustCopyFlatData[int32](distTensor.Shards()[0]))
	assert.Equal(t, []int32{5, 6, 7, 8}, tensors.MustCopyFlatData[int32](distTensor.Shards()[1]))

	// Sharding the second axis.
	spec, err = BuildSpec(mesh).R().S("replica").Done()
	require.NoError(t, err)
	distTensor, err = ShardTensor(spec, tensor)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 5, 6}, tensors.MustCopyFlatData[int32](distTensor.Shards()[0]))
	assert.Equal(t, []int32{3, 4, 7, 8}, tensors.MustCopyFlatData[int32](distTensor.Shards()[1]))

	// Replicated.
	distTensor, err = ShardTensor(NewReplicatedShardingSpec(mesh), tensor)
	require.NoError(t, err)
	for _, shard := range distTensor.Shards() {
		assert.True(t, shard.Equal(tensor))
	}

	// Not divisible.
	spec, err = BuildSpec(mesh).S("replica").Done()
	require.NoError(t, err)
	_, err = ShardTensor(spec, tensors.FromFlatDataAndDimensions([]int32{1, 2, 3}, 3))
	require.ErrorContains(t, err, "not divisible")
}

func TestGatherTensor(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 2}, []string{"data", "model"})
	require.NoError(t, err)
	spec, err := BuildSpec(mesh).S("data").R().S("model").Done()
	require.NoError(t, err)

	values := make([]float32, 2*3*4)
	for i := range values {
		values[i] = float32(i)
	}
	tensor := tensors.FromFlatDataAndDimensions(values, 2, 3, 4)
	distTensor, err := ShardTensor(spec, tensor)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float32, 1, 3, 2), distTensor.ShardShape())
	// Position 1 is {data: 0, model: 1}.
	assert.Equal(t, []float32{2, 3, 6, 7, 10, 11}, tensors.MustCopyFlatData[float32](distTensor.Shards()[1]))

	gathered, err := distTensor.Gather()
	require.NoError(t, err)
	assert.True(t, gathered.Equal(tensor))

	// Rebuilt from the shards.
	rebuilt, err := NewTensor(spec, distTensor.Shards())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape(), rebuilt.Shape())
	gathered, err = rebuilt.Gather()
	require.NoError(t, err)
	assert.True(t, gathered.Equal(tensor))

	_, err = NewTensor(spec, distTensor.Shards()[:3])
	require.ErrorContains(t, err, "number of shards")
}
