package fmha_test

import (
	"testing"

	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLayout(t *testing.T) {
	f16 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float16, dims...) }
	i32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Int32, dims...) }
	none := shapes.Invalid()
	q, kv := f16(2, 4, 8, 64), f16(2, 6, 2, 64)

	testCases := []struct {
		name                    string
		query, key, value, bias shapes.Shape
		qSeqLen, kvSeqLen       shapes.Shape
		layout                  fmha.Layout
		wantErr                 error
	}{
		{"Valid", q, kv, kv, none, none, none, fmha.LayoutBTNH, nil},
		{"ValidBNTH", f16(2, 8, 4, 64), f16(2, 2, 6, 64), f16(2, 2, 6, 64), none, none, none, fmha.LayoutBNTH, nil},
		{"ValidBias", q, kv, kv, f16(1, 8, 4, 6), none, none, fmha.LayoutBTNH, nil},
		{"ValidBroadcastBias", q, kv, kv, f16(2, 1, 4, 6), none, none, fmha.LayoutBTNH, nil},
		{"ValidSeqLens", q, kv, kv, none, i32(2), i32(2), fmha.LayoutBTNH, nil},
		{"QueryRank", f16(2, 4, 64), kv, kv, none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"KeyRank", q, f16(2, 6, 2, 64, 1), kv, none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"DTypeMismatch", q, kv, shapes.Make(dtypes.BFloat16, 2, 6, 2, 64), none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"Float32", shapes.Make(dtypes.Float32, 2, 4, 8, 64), shapes.Make(dtypes.Float32, 2, 6, 2, 64),
			shapes.Make(dtypes.Float32, 2, 6, 2, 64), none, none, none, fmha.LayoutBTNH, fmha.ErrUnsupported},
		{"BatchMismatch", q, f16(3, 6, 2, 64), f16(3, 6, 2, 64), none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"HeadDimMismatch", q, kv, f16(2, 6, 2, 32), none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"KeyValueHeads", q, kv, f16(2, 6, 4, 64), none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"KeyValueSeqLen", q, kv, f16(2, 5, 2, 64), none, none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"BiasDType", q, kv, kv, shapes.Make(dtypes.Float32, 1, 8, 4, 6), none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"BiasRank", q, kv, kv, f16(8, 4, 6), none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"BiasBatch", q, kv, kv, f16(3, 8, 4, 6), none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"BiasHeads", q, kv, kv, f16(2, 2, 4, 6), none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"BiasSeqLens", q, kv, kv, f16(2, 8, 6, 4), none, none, fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"SeqLenDType", q, kv, kv, none, shapes.Make(dtypes.Int64, 2), i32(2), fmha.LayoutBTNH, fmha.ErrShapeMismatch},
		{"SeqLenShape", q, kv, kv, none, i32(2), i32(2, 1), fmha.LayoutBTNH, fmha.ErrShapeMismatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := fmha.CheckLayout(tc.query, tc.key, tc.value, tc.bias, tc.qSeqLen, tc.kvSeqLen, tc.layout)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCheckIsFlashAttention(t *testing.T) {
	bshd := func(seqLen, headDim int) shapes.Shape { return shapes.Make(dtypes.Float16, 2, seqLen, 4, headDim) }
	require.NoError(t, fmha.CheckIsFlashAttention(bshd(16, 64), bshd(32, 64), fmha.LayoutBTNH, 8904, false, false))
	require.NoError(t, fmha.CheckIsFlashAttention(bshd(16, 128), bshd(32, 128), fmha.LayoutBTNH, 90100, true, true))

	// Head dimension: multiple of 8, up to 128.
	require.ErrorIs(t, fmha.CheckIsFlashAttention(bshd(16, 256), bshd(32, 256), fmha.LayoutBTNH, 90100, false, false),
		fmha.ErrUnsupported)
	require.ErrorIs(t, fmha.CheckIsFlashAttention(bshd(16, 60), bshd(32, 60), fmha.LayoutBTNH, 90100, false, false),
		fmha.ErrUnsupported)

	// Odd sequence lengths are only rejected when training with a bias.
	require.NoError(t, fmha.CheckIsFlashAttention(bshd(15, 64), bshd(33, 64), fmha.LayoutBTNH, 90100, true, false))
	require.NoError(t, fmha.CheckIsFlashAttention(bshd(15, 64), bshd(33, 64), fmha.LayoutBTNH, 90100, false, true))
	require.ErrorIs(t, fmha.CheckIsFlashAttention(bshd(15, 64), bshd(32, 64), fmha.LayoutBTNH, 90100, true, true),
		fmha.ErrUnsupported)
	require.ErrorIs(t, fmha.CheckIsFlashAttention(bshd(16, 64), bshd(33, 64), fmha.LayoutBTNH, 90100, true, true),
		fmha.ErrUnsupported)

	// The sequence axis depends on the layout: here both sequence lengths are 4.
	bnhs := shapes.Make(dtypes.Float16, 2, 15, 4, 64)
	require.NoError(t, fmha.CheckIsFlashAttention(bnhs, bnhs, fmha.LayoutBNTH, 90100, true, true))

	// cuDNN version.
	err := fmha.CheckIsFlashAttention(bshd(16, 64), bshd(32, 64), fmha.LayoutBTNH, 8903, false, false)
	require.ErrorIs(t, err, fmha.ErrVersionTooLow)
	require.ErrorIs(t, err, fmha.ErrUnsupported)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]fmha.Layout{"BTNH": fmha.LayoutBTNH, "bsnh": fmha.LayoutBTNH, "BNTH": fmha.LayoutBNTH,
		"bnsh": fmha.LayoutBNTH} {
		layout, err := fmha.ParseLayout(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, layout, name)
	}
	_, err := fmha.ParseLayout("BHNT")
	require.ErrorIs(t, err, fmha.ErrInvalidConfig)
	assert.Equal(t, "BNTH", fmha.LayoutBNTH.String())

	for _, maskType := range []fmha.MaskType{fmha.MaskNone, fmha.MaskPadding, fmha.MaskCausal, fmha.MaskPaddingCausal, fmha.MaskALiBi} {
		parsed, err := fmha.ParseMaskType(maskType.String())
		require.NoError(t, err)
		assert.Equal(t, maskType, parsed)
	}
	parsed, err := fmha.ParseMaskType("padding_causal")
	require.NoError(t, err)
	assert.True(t, parsed.HasPadding())
	assert.True(t, parsed.IsCausal())
	assert.False(t, fmha.MaskALiBi.IsCausal())
	_, err = fmha.ParseMaskType("SLIDING")
	require.ErrorIs(t, err, fmha.ErrInvalidConfig)
}

func TestNewAttentionConfig(t *testing.T) {
	in := fmha.InputShapes{
		Query:    shapes.Make(dtypes.BFloat16, 2, 4, 8, 64),
		Key:      shapes.Make(dtypes.BFloat16, 2, 6, 2, 64),
		Value:    shapes.Make(dtypes.BFloat16, 2, 6, 2, 64),
		Bias:     shapes.Make(dtypes.BFloat16, 1, 8, 4, 6),
		QSeqLen:  shapes.Invalid(),
		KVSeqLen: shapes.Invalid(),
	}
	opts := fmha.DefaultOptions()
	cfg, err := fmha.NewAttentionConfig(opts, in, true)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Batch)
	assert.Equal(t, 8, cfg.NumHeads)
	assert.Equal(t, 2, cfg.NumKVHeads)
	assert.Equal(t, 4, cfg.QSeqLen)
	assert.Equal(t, 6, cfg.KVSeqLen)
	assert.Equal(t, 64, cfg.HeadDim)
	assert.Equal(t, dtypes.BFloat16, cfg.DType)
	assert.Equal(t, fmha.VariadicArgs{HasBias: true, HasDBias: true}, cfg.Variadic)

	// Variadic arguments.
	assert.Equal(t, fmha.VariadicArgs{}, fmha.NewVariadicArgs(in.Query, shapes.Invalid(), fmha.LayoutBTNH))
	assert.Equal(t, fmha.VariadicArgs{HasBias: true},
		fmha.NewVariadicArgs(in.Query, shapes.Make(dtypes.BFloat16, 2, 1, 4, 6), fmha.LayoutBTNH))
	assert.Equal(t, fmha.VariadicArgs{HasBias: true, HasDBias: true},
		fmha.NewVariadicArgs(in.Query, shapes.Make(dtypes.BFloat16, 2, 8, 4, 6), fmha.LayoutBTNH))

	// Heads must be a multiple of the kv heads.
	badGQA := in
	badGQA.Key = shapes.Make(dtypes.BFloat16, 2, 6, 3, 64)
	badGQA.Value = badGQA.Key
	_, err = fmha.NewAttentionConfig(opts, badGQA, false)
	require.ErrorIs(t, err, fmha.ErrShapeMismatch)

	// Sequence lengths are required by padding masks, and ignored by the other mask types.
	padded := in
	padded.QSeqLen, padded.KVSeqLen = shapes.Make(dtypes.Int32, 2), shapes.Make(dtypes.Int32, 2)
	cfg, err = fmha.NewAttentionConfig(opts, padded, false)
	require.NoError(t, err)
	plan, err := fmha.PlanForward(cfg, padded)
	require.NoError(t, err)
	assert.NotContains(t, plan.Operands, fmha.OperandQSeqLen)
	assert.NotContains(t, plan.Operands, fmha.OperandKVSeqLen)
	badSeqLens := padded
	badSeqLens.KVSeqLen = shapes.Make(dtypes.Int32, 3)
	_, err = fmha.NewAttentionConfig(opts, badSeqLens, false)
	require.ErrorIs(t, err, fmha.ErrShapeMismatch)
	opts.MaskType = fmha.MaskPaddingCausal
	_, err = fmha.NewAttentionConfig(opts, padded, false)
	require.NoError(t, err)
	_, err = fmha.NewAttentionConfig(opts, in, false)
	require.ErrorIs(t, err, fmha.ErrInvalidConfig)

	// Options.
	for _, update := range []func(o *fmha.Options){
		func(o *fmha.Options) { o.DropoutRate = -0.1 },
		func(o *fmha.Options) { o.DropoutRate = 1 },
		func(o *fmha.Options) { o.SlidingWindowLength = -2 },
		func(o *fmha.Options) { o.Layout = fmha.Layout(7) },
		func(o *fmha.Options) { o.MaskType = fmha.MaskType(-1) },
	} {
		opts := fmha.DefaultOptions()
		update(&opts)
		require.ErrorIs(t, opts.Validate(), fmha.ErrInvalidConfig)
		_, err = fmha.NewAttentionConfig(opts, in, false)
		require.ErrorIs(t, err, fmha.ErrInvalidConfig)
	}
}
