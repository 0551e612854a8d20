// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/fmha/pkg/core/shapes"
)

// Op represents the output of an operation, during the computation graph building time.
//
// It is opaque from GoMLX perspective, but one of the backend methods take Op as input, and it should
// be able to figure out its shape.
type Op any

// Builder defines the set of ops to support building a computation.
// It is the sub-interface of Backend.
//
// Each Builder can also:
//  1. Not implement standard operations by returning an error wrapping ErrNotImplemented.
//  2. Support specialized operations beyond those defined in this interface, through optional interfaces
//     like CustomCallOps.
type Builder interface {
	// Compile the computation built. This immediately invalidates the Builder and returns an Executable that
	// can now be used to run the computation.
	//
	// It is given the list of outputs.
	Compile(outputs ...Op) (Executable, error)

	// Name of the computation being built.
	Name() string

	// OpShape returns the shape of a computation Op.
	OpShape(op Op) (shapes.Shape, error)

	// Parameter creates an input parameter for the computation.
	// During execution of the computation, this value will need to be fed, in the same order it is created.
	Parameter(name string, shape shapes.Shape) (Op, error)

	// Constant creates a constant in the graph with the given flat values and the shape defined by the
	// dimensions in dims.
	//
	// The flat value must be a slice of a basic type supported: Float16, BFloat16, Float32, Float64, Int32,
	// Int64, Uint8 and Bool.
	Constant(flat any, dims ...int) (Op, error)

	// StandardOps include the operations used by the attention operator and its decomposed reference.
	StandardOps

	// CollectiveOps include the distributed (cross-device) operations.
	CollectiveOps
}

// ReduceOpType select among the basic types of reduction supported, see CollectiveOps.AllReduce.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements being reduced.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin
)

// String implements fmt.Stringer.
func (r ReduceOpType) String() string {
	switch r {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpProduct:
		return "Product"
	case ReduceOpMax:
		return "Max"
	case ReduceOpMin:
		return "Min"
	default:
		return "Undefined"
	}
}
