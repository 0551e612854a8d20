package fmha_test

import (
	"math"
	"testing"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/graph/graphtest"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFusedMatchesReference(t *testing.T) {
	testCases := []struct {
		name   string
		update func(c *attentionCase)
	}{
		{"Plain", func(c *attentionCase) {}},
		{"Scaled", func(c *attentionCase) { c.opts.Scale = 1 / math.Sqrt(float64(c.headDim)) }},
		{"BNTH", func(c *attentionCase) { c.opts.Layout = fmha.LayoutBNTH }},
		{"BFloat16", func(c *attentionCase) { c.dtype = dtypes.BFloat16 }},
		{"GQA", func(c *attentionCase) { c.numHeads, c.numKVHeads = 4, 2 }},
		{"MQA-BNTH", func(c *attentionCase) {
			c.numHeads, c.numKVHeads = 4, 1
			c.opts.Layout = fmha.LayoutBNTH
		}},
		{"Causal", func(c *attentionCase) { c.opts.MaskType = fmha.MaskCausal }},
		{"ALiBi", func(c *attentionCase) { c.opts.MaskType = fmha.MaskALiBi }},
		{"SlidingWindow", func(c *attentionCase) { c.opts.SlidingWindowLength = 2 }},
		{"Padding", func(c *attentionCase) {
			c.opts.MaskType = fmha.MaskPadding
			c.qSeqLens, c.kvSeqLens = []int32{4, 2}, []int32{3, 6}
		}},
		{"PaddingCausal", func(c *attentionCase) {
			c.opts.MaskType = fmha.MaskPaddingCausal
			c.qSeqLens, c.kvSeqLens = []int32{3, 4}, []int32{6, 5}
		}},
		{"Bias", func(c *attentionCase) { c.biasDims = []int{c.batch, c.numHeads, c.qSeqLen, c.kvSeqLen} }},
		{"SharedBias", func(c *attentionCase) { c.biasDims = []int{1, c.numHeads, c.qSeqLen, c.kvSeqLen} }},
		{"HeadsBroadcastBias", func(c *attentionCase) { c.biasDims = []int{c.batch, 1, c.qSeqLen, c.kvSeqLen} }},
		{"Dropout", func(c *attentionCase) {
			c.opts.DropoutRate = 0.25
			c.opts.Seed = 17
		}},
		{"DropoutBiasCausal", func(c *attentionCase) {
			c.opts.DropoutRate = 0.1
			c.opts.MaskType = fmha.MaskCausal
			c.biasDims = []int{1, c.numHeads, c.qSeqLen, c.kvSeqLen}
		}},
	}
	for _, tc := range testCases {
		c := newCase()
		tc.update(&c)
		t.Run(tc.name+"/Inference", func(t *testing.T) { compareWithReference(t, c, false) })
		t.Run(tc.name+"/Training", func(t *testing.T) { compareWithReference(t, c, true) })
	}
}

func TestInferenceHasNoGradient(t *testing.T) {
	c := newCase()
	exec := graph.NewExec(backendForTest(t, ""), func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		output := must1(fmha.Inference(must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), false)), in))
		return graph.Gradient(weightedLoss(output), in.Query)
	})
	defer exec.Finalize()
	_, err := exec.Exec(c.tensors(1)...)
	require.ErrorContains(t, err, "no gradient is defined")
}

func TestBackwardGradOutputShape(t *testing.T) {
	c := newCase()
	exec := graph.NewExec(backendForTest(t, ""), func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		output, residuals, err := fmha.Forward(must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), true)), in)
		must(err)
		require.NotNil(t, residuals.Activation)
		assert.Equal(t, []int{c.batch, c.numHeads, c.qSeqLen}, residuals.Activation.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, residuals.Activation.DType())
		_, err = fmha.Backward(residuals, graph.Reshape(output, c.batch, c.qSeqLen*c.numHeads, c.headDim))
		require.ErrorIs(t, err, fmha.ErrShapeMismatch)
		return []*graph.Node{output}
	})
	defer exec.Finalize()
	_, err := exec.Exec(c.tensors(1)...)
	require.NoError(t, err)
}

// shapesForMask returns the Int32 shape of the positions of a (qSeqLen, kvSeqLen) mask.
func shapesForMask(qSeqLen, kvSeqLen int) shapes.Shape {
	return shapes.Make(dtypes.Int32, qSeqLen, kvSeqLen)
}

// backendForTest returns the test backend if config is empty, or a new backend with the given configuration.
func backendForTest(t *testing.T, config string) backends.Backend {
	if config == "" {
		return graphtest.BuildTestBackend()
	}
	backend, err := backends.NewWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return backend
}

func TestCheckCapability(t *testing.T) {
	version, err := fmha.CheckCapability(backendForTest(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 90100, version)

	for _, config := range []string{"go:platform=cpu", "go:cudnn=0", "go:cc=7.5"} {
		_, err = fmha.CheckCapability(backendForTest(t, config))
		require.ErrorIs(t, err, fmha.ErrUnsupported, "backend %q", config)
	}

	// An old cuDNN is detected by the flash attention check.
	_, err = fmha.CheckCapability(backendForTest(t, "go:cudnn=8903"))
	require.NoError(t, err)
	c := newCase()
	exec := graph.NewExec(backendForTest(t, "go:cudnn=8903"), func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		_, err := fmha.Inference(must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), false)), in)
		require.ErrorIs(t, err, fmha.ErrVersionTooLow)
		require.ErrorIs(t, err, fmha.ErrUnsupported)
		return []*graph.Node{in.Query}
	})
	defer exec.Finalize()
	_, err = exec.Exec(c.tensors(1)...)
	require.NoError(t, err)
}

func TestBuilder(t *testing.T) {
	t.Run("MatchesLowLevel", func(t *testing.T) {
		c := newCase()
		c.opts.Scale = 0.5
		c.opts.MaskType = fmha.MaskCausal
		fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).
				WithScale(0.5).
				WithMaskType(fmha.MaskCausal).
				WithTraining(true).
				Done())
			want := must1(fmha.Reference(c.opts, in))
			return toFloat32([]*graph.Node{
				output, graph.Gradient(weightedLoss(output), in.Value)[0],
				want, graph.Gradient(weightedLoss(want), in.Value)[0],
			})
		}, c.tensors(2))
		requireInDelta(t, reference[0], fused[0], 0.01, "output")
		requireInDelta(t, reference[1], fused[1], 0.03, "dValue")
	})

	t.Run("BoolMaskFolding", func(t *testing.T) {
		// A lower triangular boolean mask is equivalent to the causal mask.
		c := newCase()
		c.kvSeqLen = c.qSeqLen
		causal := c
		causal.opts.MaskType = fmha.MaskCausal
		fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			positions := shapesForMask(c.qSeqLen, c.kvSeqLen)
			mask := graph.LessOrEqual(graph.Iota(g, positions, 1), graph.Iota(g, positions, 0))
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithMask(mask).Done())
			want := must1(fmha.Reference(causal.opts, in))
			return toFloat32([]*graph.Node{output, want})
		}, c.tensors(3))
		requireInDelta(t, reference[0], fused[0], 0.01)
	})

	t.Run("AdditiveMaskAndBias", func(t *testing.T) {
		// An additive mask is summed to the bias.
		c := newCase()
		c.biasDims = []int{1, c.numHeads, c.qSeqLen, c.kvSeqLen}
		fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			mask := graph.Iota(g, shapesForMask(c.qSeqLen, c.kvSeqLen), 1)
			mask = graph.MulScalar(graph.ConvertDType(mask, dtypes.Float32), 0.1)
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithBias(in.Bias).WithMask(mask).Done())
			wantIn := in
			wantIn.Bias = graph.Add(in.Bias, graph.Reshape(graph.ConvertDType(mask, c.dtype), 1, 1, c.qSeqLen, c.kvSeqLen))
			want := must1(fmha.Reference(c.opts, wantIn))
			return toFloat32([]*graph.Node{output, want})
		}, c.tensors(4))
		requireInDelta(t, reference[0], fused[0], 0.01)
	})

	t.Run("SlidingWindow", func(t *testing.T) {
		c := newCase()
		windowed := c
		windowed.opts.SlidingWindowLength = 3
		fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			disabled := must1(fmha.Attention(in.Query, in.Key, in.Value).WithSlidingWindow(0).Done())
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithSlidingWindow(3).Done())
			_, err := fmha.Attention(in.Query, in.Key, in.Value).WithSlidingWindow(-1).Done()
			require.ErrorIs(t, err, fmha.ErrInvalidConfig)
			return toFloat32([]*graph.Node{
				disabled, output,
				must1(fmha.Reference(c.opts, in)), must1(fmha.Reference(windowed.opts, in)),
			})
		}, c.tensors(5))
		requireInDelta(t, reference[0], fused[0], 0.01, "window 0")
		requireInDelta(t, reference[1], fused[1], 0.01, "window 3")
	})

	t.Run("InvalidSettings", func(t *testing.T) {
		c := newCase()
		_, _ = execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			_, err := fmha.Attention(in.Query, in.Key, in.Value).WithLayoutString("NTBH").Done()
			require.ErrorIs(t, err, fmha.ErrInvalidConfig)
			_, err = fmha.Attention(in.Query, in.Key, in.Value).WithMaskType(fmha.MaskPadding).Done()
			require.ErrorIs(t, err, fmha.ErrInvalidConfig)
			_, err = fmha.Attention(in.Query, in.Key, in.Value).WithDropout(1).Done()
			require.ErrorIs(t, err, fmha.ErrInvalidConfig)
			_, err = fmha.Attention(in.Query, in.Key, in.Value).WithLayout(fmha.LayoutBNTH).Done()
			require.ErrorIs(t, err, fmha.ErrShapeMismatch, "heads 2 and seq 4 swapped don't match the key")
			_, err = fmha.Attention(in.Query, graph.ConvertDType(in.Key, dtypes.Float32), in.Value).Done()
			require.ErrorIs(t, err, fmha.ErrShapeMismatch)
			return []*graph.Node{in.Query, in.Query}
		}, c.tensors(6))
	})

	t.Run("LayoutString", func(t *testing.T) {
		c := newCase()
		c.opts.Layout = fmha.LayoutBNTH
		fused, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithLayoutString("bnth").Done())
			return toFloat32([]*graph.Node{output, must1(fmha.Reference(c.opts, in))})
		}, c.tensors(7))
		requireInDelta(t, reference[0], fused[0], 0.01)
	})
}

func TestFallback(t *testing.T) {
	c := newCase()
	cpu := backendForTest(t, "go:platform=cpu")
	exec := graph.NewExec(cpu, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		_, err := fmha.Attention(in.Query, in.Key, in.Value).Done()
		require.ErrorIs(t, err, fmha.ErrUnsupported)
		output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithFallback(true).WithTraining(true).Done())
		return toFloat32([]*graph.Node{output, graph.Gradient(weightedLoss(output), in.Key)[0]})
	})
	defer exec.Finalize()
	outputs, err := exec.Exec(c.tensors(8)...)
	require.NoError(t, err)

	// Compare with the fused attention on the emulated GPU.
	fused, _ := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithTraining(true).Done())
		results := toFloat32([]*graph.Node{output, graph.Gradient(weightedLoss(output), in.Key)[0]})
		return append(results, results...)
	}, c.tensors(8))
	requireInDelta(t, fused[0], outputs[0], 0.01, "output")
	requireInDelta(t, fused[1], outputs[1], 0.03, "dKey")

	t.Run("UnsupportedHeadDim", func(t *testing.T) {
		c := newCase()
		c.headDim = 12
		fallback, reference := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			_, err := fmha.Attention(in.Query, in.Key, in.Value).Done()
			require.ErrorIs(t, err, fmha.ErrUnsupported)
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).WithFallback(true).Done())
			return toFloat32([]*graph.Node{output, must1(fmha.Reference(c.opts, in))})
		}, c.tensors(9))
		requireInDelta(t, reference[0], fallback[0], 0)
	})

	t.Run("Float32", func(t *testing.T) {
		c := newCase()
		c.dtype = dtypes.Float32
		fallback, fused := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			_, err := fmha.Attention(in.Query, in.Key, in.Value).WithMaskType(fmha.MaskCausal).Done()
			require.ErrorIs(t, err, fmha.ErrUnsupported)
			output := must1(fmha.Attention(in.Query, in.Key, in.Value).
				WithMaskType(fmha.MaskCausal).
				WithTraining(true).
				WithFallback(true).
				Done())
			require.Equal(t, dtypes.Float32, output.DType())

			// The fused attention on the same values converted to Float16.
			half := func(x *graph.Node) *graph.Node { return graph.ConvertDType(x, dtypes.Float16) }
			fusedOutput := must1(fmha.Attention(half(in.Query), half(in.Key), half(in.Value)).
				WithMaskType(fmha.MaskCausal).
				WithTraining(true).
				Done())
			return toFloat32([]*graph.Node{
				output, graph.Gradient(weightedLoss(output), in.Query)[0],
				fusedOutput, graph.Gradient(weightedLoss(fusedOutput), in.Query)[0],
			})
		}, c.tensors(10))
		requireInDelta(t, fused[0], fallback[0], 0.01, "output")
		requireInDelta(t, fused[1], fallback[1], 0.03, "dQuery")
	})
}

func TestSeqLensIgnoredWithoutPadding(t *testing.T) {
	c := newCase()
	c.opts.MaskType = fmha.MaskCausal
	c.qSeqLens, c.kvSeqLens = []int32{3, 4}, []int32{5, 2}
	withSeqLens, withoutSeqLens := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
		in := c.inputs(params)
		require.NotNil(t, in.QSeqLen)
		noSeqLens := in
		noSeqLens.QSeqLen, noSeqLens.KVSeqLen = nil, nil
		var results []*graph.Node
		for _, attIn := range []fmha.Inputs{in, noSeqLens} {
			output := must1(fmha.Differentiable(must1(fmha.NewAttentionConfig(c.opts, attIn.Shapes(), true)), attIn))
			built := must1(fmha.Attention(attIn.Query, attIn.Key, attIn.Value).
				WithSeqLens(attIn.QSeqLen, attIn.KVSeqLen).
				WithMaskType(fmha.MaskCausal).
				Done())
			results = append(results, output, built)
			results = append(results, graph.Gradient(weightedLoss(output), attIn.Query, attIn.Key, attIn.Value)...)
		}
		return toFloat32(results)
	}, c.tensors(11))
	for ii, name := range []string{"output", "builder output", "dQuery", "dKey", "dValue"} {
		requireInDelta(t, withoutSeqLens[ii], withSeqLens[ii], 0, name)
	}
}

func TestLargeNegativeValue(t *testing.T) {
	assert.Equal(t, -16384.0, fmha.LargeNegativeValue(dtypes.Float16))
	assert.Equal(t, -math.Exp2(40), fmha.LargeNegativeValue(dtypes.BFloat16))

	// The folded value is exactly representable in Float16.
	asHalf := must1(tensors.FromFloat64s(dtypes.Float16, []float64{fmha.LargeNegativeValue(dtypes.Float16)}, 1))
	assert.Equal(t, []float64{-16384}, must1(asHalf.ToFloat64s()))
}

func TestMaskFoldingValue(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			c := newCase()
			c.dtype = dtype
			largeNegative := fmha.LargeNegativeValue(dtype)

			// Explicit additive bias of a causal mask, and its negation.
			biasValues := make([]float64, c.qSeqLen*c.kvSeqLen)
			cancelValues := make([]float64, len(biasValues))
			for i := range c.qSeqLen {
				for j := i + 1; j < c.kvSeqLen; j++ {
					biasValues[i*c.kvSeqLen+j] = largeNegative
					cancelValues[i*c.kvSeqLen+j] = -largeNegative
				}
			}
			got, want := execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
				in := c.inputs(params)
				positions := shapesForMask(c.qSeqLen, c.kvSeqLen)
				mask := graph.LessOrEqual(graph.Iota(g, positions, 1), graph.Iota(g, positions, 0))
				bias := graph.Const(g, dtype, biasValues, 1, 1, c.qSeqLen, c.kvSeqLen)
				cancel := graph.Const(g, dtype, cancelValues, 1, 1, c.qSeqLen, c.kvSeqLen)

				folded := must1(fmha.Attention(in.Query, in.Key, in.Value).WithMask(mask).Done())
				explicit := must1(fmha.Attention(in.Query, in.Key, in.Value).WithBias(bias).Done())
				// The folded value cancels out exactly with its negation.
				cancelled := must1(fmha.Attention(in.Query, in.Key, in.Value).WithMask(mask).WithBias(cancel).Done())
				unmasked := must1(fmha.Attention(in.Query, in.Key, in.Value).WithBias(graph.ZerosLike(cancel)).Done())
				return toFloat32([]*graph.Node{folded, cancelled, explicit, unmasked})
			}, c.tensors(12))
			requireInDelta(t, want[0], got[0], 0, "bool mask vs explicit bias of %g", largeNegative)
			requireInDelta(t, want[1], got[1], 0, "bool mask with bias of %g vs zero bias", -largeNegative)
		})
	}
}
