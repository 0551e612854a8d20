// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/cudnn"
	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities of the SimpleGo backends: the set of supported operations and data types.
var Capabilities = backends.Capabilities{
	Operations: map[backends.OpType]bool{
		backends.OpTypeParameter: true,
		backends.OpTypeConstant:  true,
		backends.OpTypeIdentity:  true,

		// Standard unary operations:
		backends.OpTypeExp:        true,
		backends.OpTypeLog:        true,
		backends.OpTypeLogicalNot: true,
		backends.OpTypeNeg:        true,

		// Standard binary operations:
		backends.OpTypeAdd:        true,
		backends.OpTypeDiv:        true,
		backends.OpTypeLogicalAnd: true,
		backends.OpTypeLogicalOr:  true,
		backends.OpTypeMax:        true,
		backends.OpTypeMul:        true,
		backends.OpTypeSub:        true,

		// Comparison operators.
		backends.OpTypeEqual:          true,
		backends.OpTypeGreaterOrEqual: true,
		backends.OpTypeGreaterThan:    true,
		backends.OpTypeLessOrEqual:    true,
		backends.OpTypeLessThan:       true,

		// Other operations:
		backends.OpTypeBroadcastInDim: true,
		backends.OpTypeConvertDType:   true,
		backends.OpTypeDotGeneral:     true,
		backends.OpTypeIota:           true,
		backends.OpTypeReduceMax:      true,
		backends.OpTypeReduceSum:      true,
		backends.OpTypeReshape:        true,
		backends.OpTypeTranspose:      true,
		backends.OpTypeWhere:          true,

		// Collective operations:
		backends.OpTypeAllReduce: true,
	},

	DTypes: map[dtypes.DType]bool{
		dtypes.Bool:     true,
		dtypes.Uint8:    true,
		dtypes.Int32:    true,
		dtypes.Int64:    true,
		dtypes.Float16:  true,
		dtypes.BFloat16: true,
		dtypes.Float32:  true,
		dtypes.Float64:  true,
	},
}

// AcceleratorCapabilities are the Capabilities when emulating a GPU with cuDNN available.
var AcceleratorCapabilities = func() backends.Capabilities {
	c := Capabilities.Clone()
	c.Operations[backends.OpTypeCustomCall] = true
	c.CustomCallTargets = make(map[string]bool, len(cudnn.AllTargets()))
	for _, target := range cudnn.AllTargets() {
		c.CustomCallTargets[target] = true
	}
	return c
}()

// supportsCustomCallTarget is a convenience wrapper for the backend capabilities.
func (b *Backend) supportsCustomCallTarget(target string) bool {
	return b.Capabilities().CustomCallTargets[target]
}
