// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrNotImplemented indicates an op is not implemented for the given configuration (e.g. unsupported dtype
// or backend). Backends should wrap this error so callers can distinguish "not supported" from genuine
// bugs and fall back to a decomposed implementation.
var ErrNotImplemented = errors.New("op not implemented")

// CustomCallConfig describes a call to an external kernel, identified by its Target name.
//
// Layouts are given as "minor-to-major" axes permutations, one per operand/result: the first axis listed is
// the one that changes fastest in memory. The row-major default for a rank-4 tensor is {3, 2, 1, 0}.
type CustomCallConfig struct {
	// Target is the name of the registered external kernel, e.g. "__cudnn$fmhaSoftmax".
	Target string

	// BackendConfig is an opaque string passed along to the kernel.
	BackendConfig string

	// OperandLayouts has one minor-to-major permutation per operand.
	OperandLayouts [][]int

	// ResultShapes are the logical shapes of the results of the call.
	ResultShapes []shapes.Shape

	// ResultLayouts has one minor-to-major permutation per result.
	ResultLayouts [][]int
}

// CustomCallOps is an optional interface implemented by builders that can dispatch calls to external kernels.
type CustomCallOps interface {
	// CustomCall emits a call to the external kernel described by config, and returns one Op per result.
	CustomCall(operands []Op, config CustomCallConfig) ([]Op, error)
}

// AxesLayout specifies the ordering of axes in 4D attention tensors.
type AxesLayout int

const (
	// AxesLayoutBHSD is the [batch, heads, seq, dim] layout used by PyTorch's F.scaled_dot_product_attention,
	// ONNX, and most inference runtimes.
	AxesLayoutBHSD AxesLayout = iota

	// AxesLayoutBSHD is the [batch, seq, heads, dim] layout, the output of Dense projections in
	// multi-head attention.
	AxesLayoutBSHD
)

// String returns the name of the layout.
func (l AxesLayout) String() string {
	switch l {
	case AxesLayoutBHSD:
		return "BHSD"
	case AxesLayoutBSHD:
		return "BSHD"
	default:
		return "unknown"
	}
}

// SeqAxis returns the axis index for the sequence dimension.
func (l AxesLayout) SeqAxis() int {
	switch l {
	case AxesLayoutBSHD:
		return 1
	default: // AxesLayoutBHSD
		return 2
	}
}

// HeadsAxis returns the axis index for the heads dimension.
func (l AxesLayout) HeadsAxis() int {
	switch l {
	case AxesLayoutBSHD:
		return 2
	default: // AxesLayoutBHSD
		return 1
	}
}
