// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

// Strategy is an enumeration of specific strategies for distributed execution.
//
// A graph.Graph is always associated with a single strategy.
type Strategy int

const (
	// None is the default strategy: there is no strategy, usually associated with single-device execution.
	// If the user is doing distributed execution with this strategy, they are handling all the details themselves.
	None Strategy = iota

	// SPMD is a strategy for single-program, multiple-data (SPMD) execution.
	// There is a DeviceMesh with the participating devices, and the inputs to the execution are either
	// distributed.Tensor or one tensor per device.
	//
	// The abstraction "leaks", meaning the user needs to be aware of what is going on, and axes that are sharded.
	// For instance, the attention partitioner emits per-device calls on the local shards, and a reduction over
	// a sharded axis needs an explicit AllReduce.
	SPMD
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case None:
		return "None"
	case SPMD:
		return "SPMD"
	default:
		return "Strategy(unknown)"
	}
}
