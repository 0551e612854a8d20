// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"strings"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/cudnn"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Layout of the axes of query, key and value.
type Layout int

const (
	// LayoutBTNH is [batch, seq, heads, head_dim], the default: it's the output of Dense projections.
	LayoutBTNH Layout = iota

	// LayoutBNTH is [batch, heads, seq, head_dim].
	LayoutBNTH
)

// ParseLayout converts "BTNH" or "BNTH" (case-insensitive) to a Layout. "S" is accepted as an alias of "T".
func ParseLayout(name string) (Layout, error) {
	switch strings.ReplaceAll(strings.ToUpper(name), "S", "T") {
	case "BTNH":
		return LayoutBTNH, nil
	case "BNTH":
		return LayoutBNTH, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown layout %q, valid values are \"BTNH\" and \"BNTH\"", name)
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutBTNH:
		return "BTNH"
	case LayoutBNTH:
		return "BNTH"
	default:
		return "UnknownLayout"
	}
}

// AxesLayout returns the equivalent backends.AxesLayout.
func (l Layout) AxesLayout() backends.AxesLayout {
	if l == LayoutBTNH {
		return backends.AxesLayoutBSHD
	}
	return backends.AxesLayoutBHSD
}

// SeqAxis returns the index of the sequence axis in a rank-4 tensor with this layout.
func (l Layout) SeqAxis() int { return l.AxesLayout().SeqAxis() }

// HeadsAxis returns the index of the heads axis in a rank-4 tensor with this layout.
func (l Layout) HeadsAxis() int { return l.AxesLayout().HeadsAxis() }

// Decompose returns the batch size, sequence length, number of heads and head dimension of a rank-4
// query, key or value shape.
func (l Layout) Decompose(shape shapes.Shape) (batch, seqLen, numHeads, headDim int) {
	dims := shape.Dimensions
	return dims[0], dims[l.SeqAxis()], dims[l.HeadsAxis()], dims[3]
}

// MaskType selects the built-in masking applied by the kernel.
type MaskType int

const (
	MaskNone MaskType = iota
	MaskPadding
	MaskCausal
	MaskPaddingCausal
	MaskALiBi
)

var maskTypeNames = []string{cudnn.MaskNone, cudnn.MaskPadding, cudnn.MaskCausal, cudnn.MaskPaddingCausal, cudnn.MaskALiBi}

// String returns the name of the mask type used in the backend configuration, e.g. "PADDING_CAUSAL".
func (m MaskType) String() string {
	if m < 0 || int(m) >= len(maskTypeNames) {
		return "UnknownMaskType"
	}
	return maskTypeNames[m]
}

// ParseMaskType converts the backend configuration name of a mask type (case-insensitive) to a MaskType.
func ParseMaskType(name string) (MaskType, error) {
	for ii, maskName := range maskTypeNames {
		if strings.EqualFold(name, maskName) {
			return MaskType(ii), nil
		}
	}
	return MaskNone, errors.Wrapf(ErrInvalidConfig, "unknown mask type %q, valid values are %q", name, maskTypeNames)
}

// HasPadding returns whether the mask requires the per-example sequence lengths.
func (m MaskType) HasPadding() bool {
	return m == MaskPadding || m == MaskPaddingCausal
}

// IsCausal returns whether keys after the query position are masked.
func (m MaskType) IsCausal() bool {
	return m == MaskCausal || m == MaskPaddingCausal
}

// VariadicArgs records which optional operands are present.
type VariadicArgs struct {
	// HasBias is set when an additive bias is given.
	HasBias bool

	// HasDBias is set when the gradient of the bias is computed: the bias heads must match the query's
	// and the bias batch size must be 1 or match the query's.
	// Otherwise, the bias is broadcast across an axis and is treated as a constant.
	HasDBias bool
}

// NewVariadicArgs returns the VariadicArgs for the given shapes. bias may be an invalid shape, if there is no bias.
func NewVariadicArgs(query, bias shapes.Shape, layout Layout) VariadicArgs {
	if !bias.Ok() {
		return VariadicArgs{}
	}
	batch, _, numHeads, _ := layout.Decompose(query)
	biasBatch, biasHeads := bias.Dimensions[0], bias.Dimensions[1]
	return VariadicArgs{
		HasBias:  true,
		HasDBias: biasHeads == numHeads && (biasBatch == 1 || biasBatch == batch),
	}
}

// Options are the parameters of the attention that are not derived from the operands.
type Options struct {
	// Scale applied to the logits (query·key) before the softmax. Typically 1/sqrt(head_dim).
	Scale float64

	// Seed of the dropout random number generator.
	Seed int64

	// DropoutRate is the probability of dropping an attention weight, in [0, 1).
	DropoutRate float64

	MaskType MaskType
	Layout   Layout

	// SlidingWindowLength limits each query to attend to the previous SlidingWindowLength-1 keys and itself.
	// 0 disables it.
	SlidingWindowLength int
}

// DefaultSeed is the default seed for the dropout.
const DefaultSeed = 42

// DefaultOptions returns options with scale 1, no dropout, no mask and the LayoutBTNH layout.
func DefaultOptions() Options {
	return Options{
		Scale:    1,
		Seed:     DefaultSeed,
		MaskType: MaskNone,
		Layout:   LayoutBTNH,
	}
}

// Validate checks the options that don't depend on the operands.
func (o Options) Validate() error {
	if o.Layout != LayoutBTNH && o.Layout != LayoutBNTH {
		return errors.Wrapf(ErrInvalidConfig, "invalid layout %d", o.Layout)
	}
	if o.MaskType < MaskNone || o.MaskType > MaskALiBi {
		return errors.Wrapf(ErrInvalidConfig, "invalid mask type %d", o.MaskType)
	}
	if o.DropoutRate < 0 || o.DropoutRate >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "dropout rate must be in [0, 1), got %g", o.DropoutRate)
	}
	if o.SlidingWindowLength < 0 {
		return errors.Wrapf(ErrInvalidConfig, "sliding window length must be >= 0 (0 disables it), got %d",
			o.SlidingWindowLength)
	}
	return nil
}

// InputShapes are the shapes of the operands of the attention. Bias, QSeqLen and KVSeqLen are invalid shapes
// (shapes.Invalid()) when absent.
type InputShapes struct {
	Query, Key, Value shapes.Shape
	Bias              shapes.Shape
	QSeqLen, KVSeqLen shapes.Shape
}

// AttentionConfig is the full static description of one fused attention call: the options plus everything
// derived from the operands shapes. It's immutable once created with NewAttentionConfig.
type AttentionConfig struct {
	Options

	Batch, NumHeads, NumKVHeads, QSeqLen, KVSeqLen, HeadDim int
	DType                                                   dtypes.DType

	// IsTraining selects whether the softmax statistics are emitted for the backward pass.
	IsTraining bool

	Variadic VariadicArgs
}

// NewAttentionConfig validates the options and the operands shapes, and returns the configuration of the call.
//
// Sequence lengths are only used by the padding mask types: with other mask types they are validated and
// otherwise ignored.
func NewAttentionConfig(opts Options, in InputShapes, isTraining bool) (AttentionConfig, error) {
	return newAttentionConfig(opts, in, isTraining, true)
}

// newAttentionConfig is NewAttentionConfig, with the dtype restricted to the ones of the fused kernels if
// fusedDTypes, or to any float otherwise.
func newAttentionConfig(opts Options, in InputShapes, isTraining, fusedDTypes bool) (AttentionConfig, error) {
	if err := opts.Validate(); err != nil {
		return AttentionConfig{}, err
	}
	if opts.MaskType.HasPadding() && (!in.QSeqLen.Ok() || !in.KVSeqLen.Ok()) {
		return AttentionConfig{}, errors.Wrapf(ErrInvalidConfig,
			"mask type %s requires the sequence lengths of the queries and the keys", opts.MaskType)
	}
	if err := checkLayout(in.Query, in.Key, in.Value, in.Bias, in.QSeqLen, in.KVSeqLen, opts.Layout, fusedDTypes); err != nil {
		return AttentionConfig{}, err
	}
	cfg := AttentionConfig{
		Options:    opts,
		DType:      in.Query.DType,
		IsTraining: isTraining,
		Variadic:   NewVariadicArgs(in.Query, in.Bias, opts.Layout),
	}
	cfg.Batch, cfg.QSeqLen, cfg.NumHeads, cfg.HeadDim = opts.Layout.Decompose(in.Query)
	_, cfg.KVSeqLen, cfg.NumKVHeads, _ = opts.Layout.Decompose(in.Key)
	if cfg.NumHeads%cfg.NumKVHeads != 0 {
		return AttentionConfig{}, errors.Wrapf(ErrShapeMismatch,
			"number of query heads (%d) must be a multiple of the number of key/value heads (%d)",
			cfg.NumHeads, cfg.NumKVHeads)
	}
	return cfg, nil
}

// backendParams returns the parameters of the backend configuration of the forward or backward call.
func (c AttentionConfig) backendParams(isBackward bool) cudnn.ConfigParams {
	return cudnn.ConfigParams{
		Batch:               c.Batch,
		NumHeads:            c.NumHeads,
		QSeqLen:             c.QSeqLen,
		KVSeqLen:            c.KVSeqLen,
		DType:               c.DType,
		Scale:               c.Scale,
		DropoutRate:         c.DropoutRate,
		Seed:                c.Seed,
		MaskType:            c.MaskType.String(),
		Layout:              c.Layout.AxesLayout(),
		SlidingWindowLength: c.SlidingWindowLength,
		IsBackward:          isBackward,
	}
}
