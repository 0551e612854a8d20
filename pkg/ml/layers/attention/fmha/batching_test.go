package fmha_test

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceLeading returns the idx-th slice of the first axis of t.
func sliceLeading(t *tensors.Tensor, idx int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	values := must1(t.ToFloat64s())
	size := len(values) / dims[0]
	return must1(tensors.FromFloat64s(t.DType(), values[idx*size:(idx+1)*size], dims[1:]...))
}

// stackLeading stacks the tensors along a new first axis, as Float32.
func stackLeading(ts []*tensors.Tensor) *tensors.Tensor {
	var values []float64
	for _, t := range ts {
		values = append(values, must1(t.ToFloat64s())...)
	}
	return must1(tensors.FromFloat64s(dtypes.Float32, values, append([]int{len(ts)}, ts[0].Shape().Dimensions...)...))
}

// sumTensors returns the element-wise sum of the tensors, as Float32.
func sumTensors(ts []*tensors.Tensor) *tensors.Tensor {
	sum := must1(ts[0].ToFloat64s())
	for _, t := range ts[1:] {
		for ii, v := range must1(t.ToFloat64s()) {
			sum[ii] += v
		}
	}
	return must1(tensors.FromFloat64s(dtypes.Float32, sum, ts[0].Shape().Dimensions...))
}

func TestBatchingLaw(t *testing.T) {
	const numExamples = 3
	testCases := []struct {
		name                   string
		batchedKV, batchedBias bool
		biasDims               []int // Without the leading axis.
		maskType               fmha.MaskType
	}{
		{"AllBatched", true, false, nil, fmha.MaskCausal},
		{"UnbatchedKeyValue", false, false, nil, fmha.MaskNone},
		{"SharedBias", true, false, []int{1, 2, 4, 6}, fmha.MaskNone},
		{"BatchedBias", true, true, []int{2, 2, 4, 6}, fmha.MaskCausal},
		{"BatchedBiasInnerBroadcast", true, true, []int{1, 2, 4, 6}, fmha.MaskNone},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCase()
			c.opts.MaskType = tc.maskType
			rng := rand.New(rand.NewPCG(11, 0))
			withLeading := func(batched bool, dims []int) []int {
				if !batched {
					return dims
				}
				return append([]int{numExamples}, dims...)
			}
			inputs := []*tensors.Tensor{
				randomTensor(rng, c.dtype, withLeading(true, c.qkvDims(c.qSeqLen, c.numHeads))...),
				randomTensor(rng, c.dtype, withLeading(tc.batchedKV, c.qkvDims(c.kvSeqLen, c.numKVHeads))...),
				randomTensor(rng, c.dtype, withLeading(tc.batchedKV, c.qkvDims(c.kvSeqLen, c.numKVHeads))...),
			}
			dims := fmha.BatchDims{Query: 0, Key: 0, Value: 0, Bias: fmha.NotBatched,
				QSeqLen: fmha.NotBatched, KVSeqLen: fmha.NotBatched}
			if !tc.batchedKV {
				dims.Key, dims.Value = fmha.NotBatched, fmha.NotBatched
			}
			if tc.biasDims != nil {
				inputs = append(inputs, randomTensor(rng, c.dtype, withLeading(tc.batchedBias, tc.biasDims)...))
				if tc.batchedBias {
					dims.Bias = 0
				}
			}
			withBias := tc.biasDims != nil && tc.biasDims[1] == c.numHeads

			// Batched call.
			batched, _ := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
				in := fmha.Inputs{Query: params[0], Key: params[1], Value: params[2]}
				diff := []*graph.Node{in.Query, in.Key, in.Value}
				if len(params) > 3 {
					in.Bias = params[3]
					if withBias {
						diff = append(diff, in.Bias)
					}
				}
				output := must1(fmha.DifferentiableBatch(c.opts, in, dims))
				results := toFloat32(append([]*graph.Node{output}, graph.Gradient(weightedLoss(output), diff...)...))
				return append(results, results...)
			}, inputs)

			// One call per example.
			perExample := make([][]*tensors.Tensor, numExamples)
			for e := range numExamples {
				exampleInputs := []*tensors.Tensor{sliceLeading(inputs[0], e), inputs[1], inputs[2]}
				if tc.batchedKV {
					exampleInputs[1], exampleInputs[2] = sliceLeading(inputs[1], e), sliceLeading(inputs[2], e)
				}
				if tc.biasDims != nil {
					bias := inputs[3]
					if tc.batchedBias {
						bias = sliceLeading(bias, e)
					}
					exampleInputs = append(exampleInputs, bias)
				}
				perExample[e], _ = execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
					in := fmha.Inputs{Query: params[0], Key: params[1], Value: params[2]}
					diff := []*graph.Node{in.Query, in.Key, in.Value}
					if len(params) > 3 {
						in.Bias = params[3]
						if withBias {
							diff = append(diff, in.Bias)
						}
					}
					output := must1(fmha.Differentiable(must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), true)), in))
					// The loss weights of the batched call are sliced for the example.
					loss := weightedLossSlice(output, e, numExamples)
					results := toFloat32(append([]*graph.Node{output}, graph.Gradient(loss, diff...)...))
					return append(results, results...)
				}, exampleInputs)
			}

			gather := func(idx int) []*tensors.Tensor {
				ts := make([]*tensors.Tensor, numExamples)
				for e := range numExamples {
					ts[e] = perExample[e][idx]
				}
				return ts
			}
			requireInDelta(t, stackLeading(gather(0)), batched[0], 0.01, "output")
			requireInDelta(t, stackLeading(gather(1)), batched[1], 0.03, "dQuery")
			for ii, name := range []string{"dKey", "dValue"} {
				if tc.batchedKV {
					requireInDelta(t, stackLeading(gather(2+ii)), batched[2+ii], 0.03, name)
				} else {
					requireInDelta(t, sumTensors(gather(2+ii)), batched[2+ii], 0.03, name)
				}
			}
			if withBias {
				require.Len(t, batched, 5)
				if tc.batchedBias {
					requireInDelta(t, stackLeading(gather(4)), batched[4], 0.03, "dBias")
				} else {
					requireInDelta(t, sumTensors(gather(4)), batched[4], 0.03, "dBias")
				}
			}
		})
	}
}

// weightedLossSlice is weightedLoss of a batched output with numExamples leading examples, restricted to
// example e: the weights are the corresponding slice of the batched weights.
func weightedLossSlice(output *graph.Node, e, numExamples int) *graph.Node {
	g := output.Graph()
	rng := rand.New(rand.NewPCG(7, 7))
	size := output.Shape().Size()
	weights := make([]float64, numExamples*size)
	for ii := range weights {
		weights[ii] = 2*rng.Float64() - 1
	}
	w := graph.Const(g, dtypes.Float32, weights[e*size:(e+1)*size], output.Shape().Dimensions...)
	return graph.ReduceAllSum(graph.Mul(graph.ConvertDType(output, dtypes.Float32), w))
}

func TestBatchForward(t *testing.T) {
	c := newCase()
	rng := rand.New(rand.NewPCG(12, 0))
	q := randomTensor(rng, c.dtype, append([]int{2, 3}, c.qkvDims(c.qSeqLen, c.numHeads)...)...)
	kv := randomTensor(rng, c.dtype, append([]int{2, 3}, c.qkvDims(c.kvSeqLen, c.numKVHeads)...)...)
	_, _ = execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := fmha.Inputs{Query: params[0], Key: params[1], Value: params[1]}
		dims := fmha.AllBatched(in)
		assert.Equal(t, fmha.BatchDims{Bias: fmha.NotBatched, QSeqLen: fmha.NotBatched, KVSeqLen: fmha.NotBatched}, dims)

		output, residuals, err := fmha.BatchForward(c.opts, in, dims, true)
		require.NoError(t, err)
		assert.True(t, output.Shape().Equal(in.Query.Shape()))
		assert.Equal(t, []int{2, 3, c.batch, c.numHeads, c.qSeqLen}, residuals.Activation.Shape().Dimensions)

		output, residuals, err = fmha.BatchForward(c.opts, in, dims, false)
		require.NoError(t, err)
		assert.Nil(t, residuals)

		// Invalid batch dimensions.
		_, _, err = fmha.BatchForward(c.opts, in, fmha.BatchDims{Query: fmha.NotBatched}, false)
		require.ErrorIs(t, err, fmha.ErrInvalidConfig)
		_, _, err = fmha.BatchForward(c.opts, in, fmha.BatchDims{Key: 2}, false)
		require.ErrorIs(t, err, fmha.ErrInvalidConfig)
		wrongKey := graph.Reshape(in.Key, append([]int{3, 2}, c.qkvDims(c.kvSeqLen, c.numKVHeads)...)...)
		_, _, err = fmha.BatchForward(c.opts, fmha.Inputs{Query: in.Query, Key: wrongKey, Value: wrongKey}, dims, false)
		require.ErrorIs(t, err, fmha.ErrShapeMismatch)
		flat := graph.Reshape(in.Query, append([]int{6 * c.batch}, c.qkvDims(c.qSeqLen, c.numHeads)[1:]...)...)
		_, _, err = fmha.BatchForward(c.opts, fmha.Inputs{Query: flat, Key: flat, Value: flat}, dims, false)
		require.ErrorIs(t, err, fmha.ErrShapeMismatch)
		return []*graph.Node{output, output}
	}, []*tensors.Tensor{q, kv})
}

func TestBatchedAttention(t *testing.T) {
	// The builder folds leading axes, also with padding masks whose sequence lengths are batched.
	c := newCase()
	c.opts.MaskType = fmha.MaskPadding
	rng := rand.New(rand.NewPCG(13, 0))
	inputs := []*tensors.Tensor{
		randomTensor(rng, c.dtype, append([]int{2}, c.qkvDims(c.qSeqLen, c.numHeads)...)...),
		randomTensor(rng, c.dtype, append([]int{2}, c.qkvDims(c.kvSeqLen, c.numKVHeads)...)...),
		randomTensor(rng, c.dtype, append([]int{2}, c.qkvDims(c.kvSeqLen, c.numKVHeads)...)...),
		tensors.FromFlatDataAndDimensions([]int32{4, 1, 2, 3}, 2, c.batch),
		tensors.FromFlatDataAndDimensions([]int32{6, 2, 5, 1}, 2, c.batch),
	}
	fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := fmha.Inputs{Query: params[0], Key: params[1], Value: params[2], QSeqLen: params[3], KVSeqLen: params[4]}
		output := must1(fmha.Attention(in.Query, in.Key, in.Value).
			WithMaskType(fmha.MaskPadding).
			WithSeqLens(in.QSeqLen, in.KVSeqLen).
			WithTraining(true).
			Done())
		want := must1(fmha.Reference(c.opts, in))
		return toFloat32([]*graph.Node{
			output, graph.Gradient(weightedLoss(output), in.Query)[0],
			want, graph.Gradient(weightedLoss(want), in.Query)[0],
		})
	}, inputs)
	requireInDelta(t, reference[0], fused[0], 0.01, "output")
	requireInDelta(t, reference[1], fused[1], 0.03, "dQuery")
}
