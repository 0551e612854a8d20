// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/fmha/pkg/core/shapes"

// Executable is the API for compiled programs ready to execute.
type Executable interface {
	// Finalize immediately frees resources associated to the executable.
	Finalize()

	// Inputs returns the parameters' names and shapes, in order created by the Builder.Parameter calls.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the computation's output shapes, in the order given to the Builder.Compile call.
	Outputs() (outputShapes []shapes.Shape)

	// NumReplicas returns the number of replicas the program runs on: 1 unless built with
	// CollectiveOps.DistributedSPMD.
	NumReplicas() int

	// Execute the executable on the default device (0) for single replica programs, or on every replica
	// concurrently for SPMD programs.
	//
	// inputs are indexed by [replica][parameter] and the outputs by [replica][output].
	Execute(inputs [][]Buffer) ([][]Buffer, error)
}
