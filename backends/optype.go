// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// OpType is an enum of all generic operations that can be supported by a Backend.Builder.
//
// Notice: nothing precludes a specialized backend Builder to support other ops not included here.
// It requires some careful casting of interfaces by the caller (presumably in package
// github.com/gomlx/fmha/pkg/core/graph) and fallback to backends that don't support the specialized op.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypeConstant
	OpTypeIdentity

	OpTypeAdd
	OpTypeBroadcastInDim
	OpTypeConvertDType
	OpTypeDiv
	OpTypeDotGeneral
	OpTypeEqual
	OpTypeExp
	OpTypeGreaterOrEqual
	OpTypeGreaterThan
	OpTypeIota
	OpTypeLessOrEqual
	OpTypeLessThan
	OpTypeLog
	OpTypeLogicalAnd
	OpTypeLogicalNot
	OpTypeLogicalOr
	OpTypeMax
	OpTypeMul
	OpTypeNeg
	OpTypeReduceMax
	OpTypeReduceSum
	OpTypeReshape
	OpTypeSub
	OpTypeTranspose
	OpTypeWhere

	// Collective (distributed across devices) operations

	OpTypeAllReduce

	// External kernels.

	OpTypeCustomCall

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	"Invalid", "Parameter", "Constant", "Identity",
	"Add", "BroadcastInDim", "ConvertDType", "Div", "DotGeneral", "Equal", "Exp", "GreaterOrEqual",
	"GreaterThan", "Iota", "LessOrEqual", "LessThan", "Log", "LogicalAnd", "LogicalNot", "LogicalOr", "Max",
	"Mul", "Neg", "ReduceMax", "ReduceSum", "Reshape", "Sub", "Transpose", "Where",
	"AllReduce",
	"CustomCall",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}
