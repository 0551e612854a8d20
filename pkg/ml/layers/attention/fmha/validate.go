// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MinCuDNNVersion is the minimum cuDNN version (8.9.4) supporting the flash attention kernels.
const MinCuDNNVersion = 8904

// MaxHeadDim is the largest head dimension supported by the flash attention kernels.
// The head dimension must also be a multiple of 8.
const MaxHeadDim = 128

// CheckLayout validates the shapes and dtypes of the operands against each other, for the given layout.
//
// bias, qSeqLen and kvSeqLen are optional: pass shapes.Invalid() if absent.
//
// It returns an error wrapping ErrShapeMismatch for inconsistent operands, and ErrUnsupported if the dtype
// is not Float16 or BFloat16.
func CheckLayout(query, key, value, bias, qSeqLen, kvSeqLen shapes.Shape, layout Layout) error {
	return checkLayout(query, key, value, bias, qSeqLen, kvSeqLen, layout, true)
}

func checkLayout(query, key, value, bias, qSeqLen, kvSeqLen shapes.Shape, layout Layout, fusedDTypes bool) error {
	if query.Rank() != 4 {
		return errors.Wrapf(ErrShapeMismatch, "query must have rank 4, got %s", query)
	}
	if key.Rank() != 4 || value.Rank() != 4 {
		return errors.Wrapf(ErrShapeMismatch, "query, key and value must have the same rank, got %s, %s and %s",
			query, key, value)
	}
	dtype := query.DType
	if key.DType != dtype || value.DType != dtype {
		return errors.Wrapf(ErrShapeMismatch, "query, key and value must have the same dtype, got %s, %s and %s",
			query, key, value)
	}
	if fusedDTypes && dtype != dtypes.Float16 && dtype != dtypes.BFloat16 {
		return errors.Wrapf(ErrUnsupported, "fused attention only supports Float16 and BFloat16, got %s", dtype)
	}
	if !dtype.IsFloat() {
		return errors.Wrapf(ErrUnsupported, "attention requires a float dtype, got %s", dtype)
	}

	qBatch, qSeqLenDim, qHeads, qHeadDim := layout.Decompose(query)
	kBatch, kSeqLenDim, kHeads, kHeadDim := layout.Decompose(key)
	vBatch, vSeqLenDim, vHeads, vHeadDim := layout.Decompose(value)
	if qBatch != kBatch || qBatch != vBatch {
		return errors.Wrapf(ErrShapeMismatch, "query, key and value must have the same batch size, got %d, %d and %d",
			qBatch, kBatch, vBatch)
	}
	if qHeadDim != kHeadDim || qHeadDim != vHeadDim {
		return errors.Wrapf(ErrShapeMismatch, "query, key and value must have the same head dimension, got %d, %d and %d",
			qHeadDim, kHeadDim, vHeadDim)
	}
	if kHeads != vHeads {
		return errors.Wrapf(ErrShapeMismatch, "key and value must have the same number of heads, got %d and %d",
			kHeads, vHeads)
	}
	if kSeqLenDim != vSeqLenDim {
		return errors.Wrapf(ErrShapeMismatch, "key and value must have the same sequence length, got %d and %d",
			kSeqLenDim, vSeqLenDim)
	}

	if bias.Ok() {
		if bias.DType != dtype {
			return errors.Wrapf(ErrShapeMismatch, "bias must have the same dtype as query (%s), got %s", dtype, bias)
		}
		if bias.Rank() != 4 || (bias.Dimensions[0] != 1 && bias.Dimensions[0] != qBatch) ||
			(bias.Dimensions[1] != 1 && bias.Dimensions[1] != qHeads) ||
			bias.Dimensions[2] != qSeqLenDim || bias.Dimensions[3] != kSeqLenDim {
			return errors.Wrapf(ErrShapeMismatch, "bias must be shaped [1 or %d, 1 or %d, %d, %d], got %s",
				qBatch, qHeads, qSeqLenDim, kSeqLenDim, bias)
		}
	}
	for _, seqLen := range []struct {
		name  string
		shape shapes.Shape
	}{{"q_seqlen", qSeqLen}, {"kv_seqlen", kvSeqLen}} {
		if !seqLen.shape.Ok() {
			continue
		}
		if seqLen.shape.DType != dtypes.Int32 {
			return errors.Wrapf(ErrShapeMismatch, "%s must be Int32, got %s", seqLen.name, seqLen.shape)
		}
		if seqLen.shape.Rank() != 1 || seqLen.shape.Dimensions[0] != qBatch {
			return errors.Wrapf(ErrShapeMismatch, "%s must be shaped [%d] (batch size), got %s",
				seqLen.name, qBatch, seqLen.shape)
		}
	}
	return nil
}

// CheckIsFlashAttention returns an error wrapping ErrUnsupported if the flash attention kernels can't handle
// the given query and key, or ErrVersionTooLow if cudnnVersion is older than MinCuDNNVersion.
//
// The head dimension must be a multiple of 8 and at most MaxHeadDim. For training with a bias,
// both sequence lengths must be even.
func CheckIsFlashAttention(query, key shapes.Shape, layout Layout, cudnnVersion int, hasBias, isTraining bool) error {
	_, qSeqLen, _, headDim := layout.Decompose(query)
	_, kvSeqLen, _, _ := layout.Decompose(key)
	if headDim > MaxHeadDim || headDim%8 != 0 || (isTraining && hasBias && (qSeqLen%2 != 0 || kvSeqLen%2 != 0)) {
		return errors.Wrapf(ErrUnsupported, "unsupported sequence length Q %d, KV %d and head dim %d",
			qSeqLen, kvSeqLen, headDim)
	}
	if cudnnVersion < MinCuDNNVersion {
		return errors.Wrapf(ErrVersionTooLow, "cuDNN >= 8.9.4 (%d) is required for flash attention, got %d",
			MinCuDNNVersion, cudnnVersion)
	}
	return nil
}
