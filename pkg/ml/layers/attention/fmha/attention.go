// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fmha dispatches scaled dot-product attention to the fused multi-head attention (flash attention)
// kernels of cuDNN, as custom calls in a computation graph.
//
// The entry point is Attention, a builder that validates the operands, folds masks into the bias and emits
// the kernel call, with a custom gradient when training:
//
//	output, err := fmha.Attention(query, key, value).
//		WithScale(1/math.Sqrt(float64(headDim))).
//		WithMaskType(fmha.MaskCausal).
//		WithTraining(true).
//		Done()
//
// The lower level pieces are also exported: the validators (CheckLayout, CheckIsFlashAttention), the call
// plans (PlanForward, PlanBackward), the emitters, the forward/backward pair (Forward, Backward), the batching
// rule (BatchForward, BatchBackward) and the partitioner for SPMD execution (PartitionForward,
// PartitionBackward).
//
// Reference implements the same attention with standard graph operations, and can be used where the fused
// kernels are not supported.
package fmha

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder is a helper to build a fused attention computation.
// Create it with Attention, set the desired parameters, and when all is set, call Done.
type Builder struct {
	in   Inputs
	mask *Node
	opts Options

	// layoutName, if set, overrides opts.Layout once parsed.
	layoutName string

	isTraining  bool
	useFallback bool
}

// Attention creates a Builder for the fused attention of query, key and value.
//
// Query is shaped [batch, q_seq_len, num_heads, head_dim] and key and value [batch, kv_seq_len, num_kv_heads,
// head_dim] in the default layout (LayoutBTNH), see WithLayout. num_heads must be a multiple of num_kv_heads
// (grouped query attention). Extra leading axes, before the batch axis, are folded into the batch
// (see BatchForward).
//
// Only Float16 and BFloat16 are supported by the fused kernels.
//
// The defaults are: scale 1, no mask, no dropout (seed DefaultSeed), LayoutBTNH, no sliding window
// and inference mode.
func Attention(query, key, value *Node) *Builder {
	return &Builder{
		in:   Inputs{Query: query, Key: key, Value: value},
		opts: DefaultOptions(),
	}
}

// WithBias sets an additive bias to the logits, shaped [batch or 1, num_heads or 1, q_seq_len, kv_seq_len].
// Lower rank biases are expanded with leading axes of dimension 1.
//
// The gradient of the bias is only computed if it has all the heads and its batch size is 1 or the
// query's (see VariadicArgs.HasDBias).
func (b *Builder) WithBias(bias *Node) *Builder {
	b.in.Bias = bias
	return b
}

// WithMask sets a mask over the logits, shaped as the bias (see WithBias). A boolean mask is true for the
// positions to attend to: it's converted to a bias with a large negative value where it is false.
// Any other dtype is an additive mask, summed to the bias.
func (b *Builder) WithMask(mask *Node) *Builder {
	b.mask = mask
	return b
}

// WithSeqLens sets the sequence lengths of the queries and keys/values of each example, Int32 shaped [batch].
// They are required by the padding mask types (MaskPadding and MaskPaddingCausal), and ignored by the others.
func (b *Builder) WithSeqLens(qSeqLen, kvSeqLen *Node) *Builder {
	b.in.QSeqLen, b.in.KVSeqLen = qSeqLen, kvSeqLen
	return b
}

// WithScale sets the scale of the logits, typically 1/sqrt(head_dim). Default is 1.
func (b *Builder) WithScale(scale float64) *Builder {
	b.opts.Scale = scale
	return b
}

// WithMaskType sets the built-in mask of the kernel. Default is MaskNone.
func (b *Builder) WithMaskType(maskType MaskType) *Builder {
	b.opts.MaskType = maskType
	return b
}

// WithSeed sets the seed of the dropout. Default is DefaultSeed.
func (b *Builder) WithSeed(seed int64) *Builder {
	b.opts.Seed = seed
	return b
}

// WithDropout sets the dropout rate of the attention weights, in [0, 1). Default is 0.
func (b *Builder) WithDropout(rate float64) *Builder {
	b.opts.DropoutRate = rate
	return b
}

// WithLayout sets the layout of query, key and value. Default is LayoutBTNH.
func (b *Builder) WithLayout(layout Layout) *Builder {
	b.opts.Layout = layout
	b.layoutName = ""
	return b
}

// WithLayoutString sets the layout by name, see ParseLayout. An invalid name is reported by Done.
func (b *Builder) WithLayoutString(name string) *Builder {
	b.layoutName = name
	return b
}

// WithSlidingWindow limits each query to attend to itself and the previous length-1 keys.
// 0 disables it (the default), and negative values are invalid.
func (b *Builder) WithSlidingWindow(length int) *Builder {
	b.opts.SlidingWindowLength = length
	return b
}

// WithTraining selects the training mode: the softmax statistics are saved for the backward pass, and the
// output is differentiable. In inference mode (the default), taking the gradient of the output fails.
func (b *Builder) WithTraining(isTraining bool) *Builder {
	b.isTraining = isTraining
	return b
}

// WithFallback configures Done to use the Reference implementation, with a warning, if the fused kernels
// are not supported (errors wrapping ErrUnsupported). Default is false: the error is returned.
func (b *Builder) WithFallback(useFallback bool) *Builder {
	b.useFallback = useFallback
	return b
}

// LargeNegativeValue returns the value used to mask out positions of boolean masks, for the dtype.
//
// It's not the lowest value of the dtype, since the kernel subtracts from it, and would overflow.
func LargeNegativeValue(dtype dtypes.DType) float64 {
	if dtype == dtypes.BFloat16 {
		return -math.Exp2(40)
	}
	return -math.Exp2(14)
}

// Done validates the configuration and emits the attention. It returns the output, with the shape of
// the query.
func (b *Builder) Done() (*Node, error) {
	_, capabilityErr := CheckCapability(b.in.Query.Graph().Backend())
	if capabilityErr != nil && !b.useFallback {
		return nil, capabilityErr
	}
	opts, in, err := b.prepare()
	if err != nil {
		return nil, err
	}
	if capabilityErr == nil {
		var output *Node
		output, err = dispatch(opts, in, b.isTraining)
		if err == nil || !b.useFallback || !errors.Is(err, ErrUnsupported) {
			return output, err
		}
	} else {
		err = capabilityErr
	}
	klog.Warningf("fmha: fused attention not supported, falling back to the reference implementation: %v", err)
	return Reference(opts, in)
}

// prepare checks the options and folds the mask into the bias.
func (b *Builder) prepare() (opts Options, in Inputs, err error) {
	opts, in = b.opts, b.in
	if b.layoutName != "" {
		if opts.Layout, err = ParseLayout(b.layoutName); err != nil {
			return
		}
	}
	if opts.MaskType.HasPadding() && (in.QSeqLen == nil || in.KVSeqLen == nil) {
		err = errors.Wrapf(ErrInvalidConfig, "mask type %s requires the sequence lengths, see WithSeqLens", opts.MaskType)
		return
	}
	if opts.SlidingWindowLength < 0 {
		err = errors.Wrapf(ErrInvalidConfig, "sliding window length must be >= 0 (0 disables it), got %d",
			opts.SlidingWindowLength)
		return
	}
	err = exceptions.TryCatch[error](func() {
		if in.Bias != nil {
			in.Bias = expandToRank4(in.Bias)
		}
		if b.mask != nil {
			mask := foldMask(b.mask, in.Query.DType())
			if in.Bias == nil {
				in.Bias = mask
			} else {
				in.Bias = Add(in.Bias, mask)
			}
		}
	})
	if err != nil {
		err = errors.Wrapf(ErrShapeMismatch, "failed to combine bias and mask: %v", err)
	}
	return
}

// expandToRank4 prefixes x with axes of dimension 1, up to rank 4.
func expandToRank4(x *Node) *Node {
	if x.Rank() >= 4 {
		return x
	}
	dims := append(slices.Repeat([]int{1}, 4-x.Rank()), x.Shape().Dimensions...)
	return Reshape(x, dims...)
}

// foldMask converts a mask to an additive bias of the given dtype, expanded to rank 4.
func foldMask(mask *Node, dtype dtypes.DType) *Node {
	g := mask.Graph()
	if mask.DType() == dtypes.Bool {
		mask = Where(mask, Scalar(g, dtype, 0), Scalar(g, dtype, LargeNegativeValue(dtype)))
	} else {
		mask = ConvertDType(mask, dtype)
	}
	return expandToRank4(mask)
}

// dispatch emits the fused attention in the selected mode, batched if the query has leading batch axes.
func dispatch(opts Options, in Inputs, isTraining bool) (*Node, error) {
	if in.Query.Rank() > 4 {
		dims := AllBatched(in)
		if isTraining {
			return DifferentiableBatch(opts, in, dims)
		}
		output, _, err := BatchForward(opts, in, dims, false)
		return output, err
	}
	cfg, err := NewAttentionConfig(opts, in.Shapes(), isTraining)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("fmha: attention %s %s, batch=%d, heads=%d/%d, seq=%d/%d, head_dim=%d, mask=%s, training=%v",
		cfg.DType, cfg.Layout, cfg.Batch, cfg.NumHeads, cfg.NumKVHeads, cfg.QSeqLen, cfg.KVSeqLen, cfg.HeadDim,
		cfg.MaskType, isTraining)
	if isTraining {
		return Differentiable(cfg, in)
	}
	return Inference(cfg, in)
}
