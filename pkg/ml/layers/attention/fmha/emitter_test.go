package fmha_test

import (
	"testing"

	"github.com/gomlx/fmha/backends/cudnn"
	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planInputs(withBias, withSeqLens bool) fmha.InputShapes {
	in := fmha.InputShapes{
		Query:    shapes.Make(dtypes.Float16, 2, 16, 4, 64),
		Key:      shapes.Make(dtypes.Float16, 2, 32, 2, 64),
		Value:    shapes.Make(dtypes.Float16, 2, 32, 2, 64),
		Bias:     shapes.Invalid(),
		QSeqLen:  shapes.Invalid(),
		KVSeqLen: shapes.Invalid(),
	}
	if withBias {
		in.Bias = shapes.Make(dtypes.Float16, 1, 4, 16, 32)
	}
	if withSeqLens {
		in.QSeqLen, in.KVSeqLen = shapes.Make(dtypes.Int32, 2), shapes.Make(dtypes.Int32, 2)
	}
	return in
}

func TestPlanForward(t *testing.T) {
	opts := fmha.DefaultOptions()
	opts.Scale = 0.125
	opts.MaskType = fmha.MaskPaddingCausal
	opts.DropoutRate = 0.1
	in := planInputs(true, true)
	cfg := must1(fmha.NewAttentionConfig(opts, in, true))
	plan, err := fmha.PlanForward(cfg, in)
	require.NoError(t, err)

	assert.Equal(t, cudnn.TargetScaleBiasSoftmaxDropout, plan.Target)
	assert.Equal(t, []fmha.Operand{fmha.OperandQuery, fmha.OperandKey, fmha.OperandValue, fmha.OperandBias,
		fmha.OperandQSeqLen, fmha.OperandKVSeqLen}, plan.Operands)
	assert.Equal(t, []int{3, 2, 1, 0}, plan.OperandLayouts[0])
	assert.Equal(t, []int{0}, plan.OperandLayouts[4])

	// Output (B, N, T, H), softmax statistics and workspace.
	require.Equal(t, 2, plan.NumResults())
	assert.Equal(t, []int{2, 4, 16, 64}, plan.ResultShapes[0].Dimensions)
	assert.Equal(t, []int{3, 1, 2, 0}, plan.ResultLayouts[0])
	assert.True(t, plan.ResultShapes[1].Equal(shapes.Make(dtypes.Float32, 2, 4, 16)))
	assert.True(t, plan.ResultShapes[2].Equal(shapes.Make(dtypes.Uint8, 0)))
	assert.Equal(t, []int{0, 2, 1, 3}, plan.Transpose)
	assert.Equal(t, 1, plan.NumTransposed)

	backendConfig, err := cudnn.ParseBackendConfig(plan.BackendConfig)
	require.NoError(t, err)
	assert.False(t, backendConfig.IsBackward())
	assert.Equal(t, 0.125, backendConfig.FMHA.FMHAScale)
	assert.Equal(t, 0.1, backendConfig.FMHA.DropoutRate)
	assert.Equal(t, int64(fmha.DefaultSeed), backendConfig.FMHA.Seed)
	assert.Equal(t, "PADDING_CAUSAL", backendConfig.FMHA.MaskType)
	assert.True(t, backendConfig.FMHA.IsFlashAttention)
	batch, numHeads, qSeqLen, kvSeqLen, err := backendConfig.Dims()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 16, 32}, []int{batch, numHeads, qSeqLen, kvSeqLen})

	callConfig := plan.CustomCallConfig()
	assert.Equal(t, "__cudnn$fmhaScaleBiasSoftmaxDropout", callConfig.Target)
	assert.Len(t, callConfig.ResultShapes, 3)

	// Inference: no statistics, and the target depends only on dropout and bias.
	opts = fmha.DefaultOptions()
	opts.Layout = fmha.LayoutBNTH
	in = fmha.InputShapes{
		Query:    shapes.Make(dtypes.BFloat16, 2, 4, 16, 64),
		Key:      shapes.Make(dtypes.BFloat16, 2, 4, 32, 64),
		Value:    shapes.Make(dtypes.BFloat16, 2, 4, 32, 64),
		Bias:     shapes.Invalid(),
		QSeqLen:  shapes.Invalid(),
		KVSeqLen: shapes.Invalid(),
	}
	plan, err = fmha.PlanForward(must1(fmha.NewAttentionConfig(opts, in, false)), in)
	require.NoError(t, err)
	assert.Equal(t, cudnn.TargetSoftmax, plan.Target)
	assert.Len(t, plan.Operands, 3)
	require.Equal(t, 1, plan.NumResults())
	assert.Equal(t, []int{3, 2, 1, 0}, plan.ResultLayouts[0])
	assert.Equal(t, []int{0, 1, 2, 3}, plan.Transpose)
}

func TestPlanBackward(t *testing.T) {
	for _, tc := range []struct {
		name           string
		biasDims       []int
		wantTarget     cudnn.Target
		wantOperands   []fmha.Operand
		wantNumResults int
	}{
		{"NoBias", nil, cudnn.TargetSoftmaxBackward,
			[]fmha.Operand{fmha.OperandQuery, fmha.OperandKey, fmha.OperandValue, fmha.OperandActivation,
				fmha.OperandGradOutput, fmha.OperandOutput}, 3},
		{"DBias", []int{2, 4, 16, 32}, cudnn.TargetScaleBiasSoftmaxBackward,
			[]fmha.Operand{fmha.OperandQuery, fmha.OperandKey, fmha.OperandValue, fmha.OperandActivation,
				fmha.OperandGradOutput, fmha.OperandBias, fmha.OperandOutput}, 4},
		{"BroadcastBias", []int{2, 1, 16, 32}, cudnn.TargetScaleBiasSoftmaxBackward,
			[]fmha.Operand{fmha.OperandQuery, fmha.OperandKey, fmha.OperandValue, fmha.OperandActivation,
				fmha.OperandGradOutput, fmha.OperandBias, fmha.OperandOutput}, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := planInputs(false, false)
			if tc.biasDims != nil {
				in.Bias = shapes.Make(dtypes.Float16, tc.biasDims...)
			}
			cfg := must1(fmha.NewAttentionConfig(fmha.DefaultOptions(), in, true))
			plan, err := fmha.PlanBackward(cfg, in)
			require.NoError(t, err)
			assert.Equal(t, tc.wantTarget, plan.Target)
			if diff := cmp.Diff(tc.wantOperands, plan.Operands); diff != "" {
				t.Errorf("operands mismatch (-want +got):\n%s", diff)
			}
			require.Equal(t, tc.wantNumResults, plan.NumResults())
			assert.Equal(t, 3, plan.NumTransposed)
			assert.Equal(t, []int{2, 4, 16, 64}, plan.ResultShapes[0].Dimensions)
			assert.Equal(t, []int{2, 2, 32, 64}, plan.ResultShapes[1].Dimensions)
			assert.Equal(t, []int{2, 2, 32, 64}, plan.ResultShapes[2].Dimensions)
			if tc.wantNumResults == 4 {
				assert.True(t, plan.ResultShapes[3].Equal(in.Bias))
				assert.Equal(t, []int{3, 2, 1, 0}, plan.ResultLayouts[3])
			}
			backendConfig := must1(cudnn.ParseBackendConfig(plan.BackendConfig))
			assert.True(t, backendConfig.IsBackward())
			layout := must1(backendConfig.Layout())
			assert.Equal(t, fmha.LayoutBTNH.AxesLayout(), layout)
		})
	}
}

func TestOperandString(t *testing.T) {
	assert.Equal(t, "query", fmha.OperandQuery.String())
	assert.Equal(t, "grad_output", fmha.OperandGradOutput.String())
	assert.Equal(t, "UnknownOperand", fmha.Operand(-1).String())
}

func TestEmitForward(t *testing.T) {
	c := newCase()
	c.opts.Layout = fmha.LayoutBNTH
	t.Run("Shapes", func(t *testing.T) {
		_, _ = execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			cfg := must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), true))
			output, activation, err := fmha.EmitForward(cfg, in)
			require.NoError(t, err)
			assert.True(t, output.Shape().Equal(in.Query.Shape()))
			assert.True(t, activation.Shape().Equal(shapes.Make(dtypes.Float32, c.batch, c.numHeads, c.qSeqLen)))

			cfg.IsTraining = false
			output, activation, err = fmha.EmitForward(cfg, in)
			require.NoError(t, err)
			assert.Nil(t, activation)
			return []*graph.Node{output, output}
		}, c.tensors(1))
	})

	t.Run("WrongOperands", func(t *testing.T) {
		_, _ = execAndSplit(t, func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			cfg := must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), false))
			swapped := in
			swapped.Query = graph.Reshape(in.Query, c.batch, c.qSeqLen, c.numHeads, c.headDim)
			_, _, err := fmha.EmitForward(cfg, swapped)
			require.ErrorIs(t, err, fmha.ErrShapeMismatch)
			return []*graph.Node{in.Query, in.Query}
		}, c.tensors(1))
	})

	t.Run("NotAccelerator", func(t *testing.T) {
		exec := graph.NewExec(backendForTest(t, "go:platform=cpu"), func(g *graph.Graph, params []*graph.Node) []*graph.Node {
			in := c.inputs(params)
			cfg := must1(fmha.NewAttentionConfig(c.opts, in.Shapes(), false))
			_, _, err := fmha.EmitForward(cfg, in)
			require.ErrorIs(t, err, fmha.ErrUnsupported)
			return []*graph.Node{in.Query}
		})
		defer exec.Finalize()
		_, err := exec.Exec(c.tensors(1)...)
		require.NoError(t, err)
	})
}
