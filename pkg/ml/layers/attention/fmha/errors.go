// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import "github.com/pkg/errors"

// Error categories returned (wrapped, with details) by this package. Test for them with errors.Is.
var (
	// ErrInvalidConfig is returned for inconsistent attention parameters, e.g. a padding mask without sequence
	// lengths or a negative sliding window.
	ErrInvalidConfig = errors.New("invalid fused attention configuration")

	// ErrShapeMismatch is returned when the shapes or dtypes of the operands are not consistent with each other.
	ErrShapeMismatch = errors.New("fused attention operands shape mismatch")

	// ErrUnsupported is returned for configurations or platforms the fused kernels can't handle.
	// The decomposed Reference implementation can be used instead.
	ErrUnsupported = errors.New("fused attention not supported")

	// ErrVersionTooLow is returned when the cuDNN library is older than MinCuDNNVersion. It wraps ErrUnsupported.
	ErrVersionTooLow = errors.Wrap(ErrUnsupported, "cuDNN version too low")

	// ErrShardingPolicy is returned by the partitioner for shardings the fused attention can't be split by.
	ErrShardingPolicy = errors.New("unsupported fused attention sharding")
)
