// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends/cudnn"
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// referenceMaskValue is added to the logits of the masked positions.
const referenceMaskValue = -1e9

// Reference computes the same attention as the fused kernels, with standard graph operations in float32.
// It works on any backend, and it's differentiable with the usual graph.Gradient.
//
// It accepts the same operands and options, and any float dtype. Leading batch axes are folded as in
// BatchForward (all operands batched, see AllBatched). Fully masked rows, and rows past the query sequence
// length with a padding mask, have a zero output.
func Reference(opts Options, in Inputs) (output *Node, err error) {
	err = exceptions.TryCatch[error](func() {
		flat := in
		if in.Query.Rank() > 4 {
			b := newBatcher(in.Query, AllBatched(in))
			flat = b.flattenInputs(in).Inputs
		}
		cfg, err := newAttentionConfig(opts, flat.Shapes(), false, false)
		if err != nil {
			panic(err)
		}
		output = referenceAttention(cfg, flat)
		output = Reshape(output, in.Query.Shape().Dimensions...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reference attention")
	}
	return
}

// toBNTH converts a query, key or value to the (batch, heads, seq, head_dim) axes order, in float32.
func toBNTH(x *Node, layout Layout) *Node {
	x = ConvertDType(x, dtypes.Float32)
	if layout == LayoutBTNH {
		x = TransposeAllAxes(x, 0, 2, 1, 3)
	}
	return x
}

// repeatHeads repeats each of the kv heads of x (B, NKV, S, H) numHeads/NKV times.
func repeatHeads(x *Node, numHeads int) *Node {
	dims := x.Shape().Dimensions
	batch, numKVHeads, seqLen, headDim := dims[0], dims[1], dims[2], dims[3]
	if numKVHeads == numHeads {
		return x
	}
	group := numHeads / numKVHeads
	x = Reshape(x, batch, numKVHeads, 1, seqLen, headDim)
	x = BroadcastToDims(x, batch, numKVHeads, group, seqLen, headDim)
	return Reshape(x, batch, numHeads, seqLen, headDim)
}

func referenceAttention(cfg AttentionConfig, in Inputs) *Node {
	g := in.Query.Graph()
	query := toBNTH(in.Query, cfg.Layout)
	key := repeatHeads(toBNTH(in.Key, cfg.Layout), cfg.NumHeads)
	value := repeatHeads(toBNTH(in.Value, cfg.Layout), cfg.NumHeads)

	// logits: (B, N, T, S)
	logits := DotGeneral(query, []int{3}, []int{0, 1}, key, []int{3}, []int{0, 1})
	logits = MulScalar(logits, cfg.Scale)
	if in.Bias != nil {
		logits = Add(logits, ConvertDType(in.Bias, dtypes.Float32))
	}
	positionsShape := shapes.Make(dtypes.Int32, 1, 1, cfg.QSeqLen, cfg.KVSeqLen)
	rows, cols := Iota(g, positionsShape, 2), Iota(g, positionsShape, 3)
	if cfg.MaskType == MaskALiBi {
		slopes := make([]float64, cfg.NumHeads)
		for n := range slopes {
			slopes[n] = math.Exp2(-8 * float64(n+1) / float64(cfg.NumHeads))
		}
		distance := ConvertDType(Sub(cols, rows), dtypes.Float32)
		logits = Add(logits, Mul(Const(g, dtypes.Float32, slopes, 1, cfg.NumHeads, 1, 1), distance))
	}

	valid := referenceValidPositions(cfg, in, rows, cols)
	if valid != nil {
		logits = Add(logits, Where(valid, Scalar(g, dtypes.Float32, 0), Scalar(g, dtypes.Float32, referenceMaskValue)))
	}
	weights := Softmax(logits, 3)
	if valid != nil {
		weights = Mul(weights, ConvertDType(valid, dtypes.Float32))
	}
	if cfg.DropoutRate > 0 {
		keep := cudnn.DropoutMask(cfg.Seed, cfg.DropoutRate, cfg.Batch, cfg.NumHeads, cfg.QSeqLen, cfg.KVSeqLen)
		factors := make([]float64, len(keep))
		for ii, kept := range keep {
			if kept {
				factors[ii] = 1 / (1 - cfg.DropoutRate)
			}
		}
		weights = Mul(weights, Const(g, dtypes.Float32, factors, cfg.Batch, cfg.NumHeads, cfg.QSeqLen, cfg.KVSeqLen))
	}

	// output: (B, N, T, H)
	output := DotGeneral(weights, []int{3}, []int{0, 1}, value, []int{2}, []int{0, 1})
	if cfg.Layout == LayoutBTNH {
		output = TransposeAllAxes(output, 0, 2, 1, 3)
	}
	return ConvertDType(output, cfg.DType)
}

// referenceValidPositions returns the boolean mask of the attended positions, shaped (1 or B, 1, T, S),
// or nil if all positions are attended.
func referenceValidPositions(cfg AttentionConfig, in Inputs, rows, cols *Node) (valid *Node) {
	and := func(mask *Node) {
		if valid == nil {
			valid = mask
		} else {
			valid = LogicalAnd(valid, mask)
		}
	}
	if cfg.MaskType.IsCausal() || cfg.SlidingWindowLength > 0 {
		and(LessOrEqual(cols, rows))
	}
	if cfg.SlidingWindowLength > 0 {
		and(GreaterThan(cols, AddScalar(rows, -float64(cfg.SlidingWindowLength))))
	}
	if cfg.MaskType.HasPadding() {
		qLen := Reshape(in.QSeqLen, cfg.Batch, 1, 1, 1)
		kvLen := Reshape(in.KVSeqLen, cfg.Batch, 1, 1, 1)
		and(LogicalAnd(LessThan(rows, qLen), LessThan(cols, kvLen)))
	}
	return
}
