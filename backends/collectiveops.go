// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// CollectiveOps is an interface for collective operations, that is, operations executed across multiple devices.
//
// The supported distribution model is SPMD (Single Program Multiple Data): the same program is compiled once
// and executed on every replica, and replicas exchange values through collective operations.
type CollectiveOps interface {
	// DistributedSPMD configures the computation being built to run on numReplicas replicas.
	// It must be called before any collective operation is added.
	DistributedSPMD(numReplicas int) error

	// AllReduce is a distributed (multi-device) operation that reduces the operands across replica groups.
	//
	// - operands: list of operands to be reduced -- often this operation is called over all the parameters
	//   of a model, hence the option to pass a variable number of parameters to them.
	// - reductionType: how the operands should be reduced.
	// - replicaGroups: a collection of replica groups: each replica group ([]int) is a collection of replicas that
	//   will participate in the distributed operation. Every replica must be in exactly one group.
	AllReduce(operands []Op, reductionType ReduceOpType, replicaGroups [][]int) ([]Op, error)
}
