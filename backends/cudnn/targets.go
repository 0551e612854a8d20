// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cudnn describes the ABI of the cuDNN fused multi-head attention ("fMHA") kernels, as exposed to
// compilers through custom calls: the call targets, the backend configuration document and the layouts
// of the operands and results.
//
// It has no dependency on graph building: both the graph side (which emits the calls) and the
// backends that execute them (or emulate them, see backends/simplego) import it.
package cudnn

import (
	"github.com/pkg/errors"
)

// Target is one of the 8 custom-call targets of the fused attention kernels.
type Target int

const (
	TargetSoftmax Target = iota
	TargetScaleBiasSoftmax
	TargetSoftmaxDropout
	TargetScaleBiasSoftmaxDropout
	TargetSoftmaxBackward
	TargetScaleBiasSoftmaxBackward
	TargetSoftmaxDropoutBackward
	TargetScaleBiasSoftmaxDropoutBackward

	// NumTargets is the number of targets, not a valid Target.
	NumTargets
)

var targetNames = [NumTargets]string{
	TargetSoftmax:                         "__cudnn$fmhaSoftmax",
	TargetScaleBiasSoftmax:                "__cudnn$fmhaScaleBiasSoftmax",
	TargetSoftmaxDropout:                  "__cudnn$fmhaSoftmaxDropout",
	TargetScaleBiasSoftmaxDropout:         "__cudnn$fmhaScaleBiasSoftmaxDropout",
	TargetSoftmaxBackward:                 "__cudnn$fmhaSoftmaxBackward",
	TargetScaleBiasSoftmaxBackward:        "__cudnn$fmhaScaleBiasSoftmaxBackward",
	TargetSoftmaxDropoutBackward:          "__cudnn$fmhaSoftmaxDropoutBackward",
	TargetScaleBiasSoftmaxDropoutBackward: "__cudnn$fmhaScaleBiasSoftmaxDropoutBackward",
}

// TargetFor returns the call target for the direction of the call and the presence of dropout and bias.
func TargetFor(isBackward, hasDropout, hasBias bool) Target {
	t := TargetSoftmax
	if hasBias {
		t += 1
	}
	if hasDropout {
		t += 2
	}
	if isBackward {
		t += 4
	}
	return t
}

// String returns the registered name of the target, as used in the custom call.
func (t Target) String() string {
	if t < 0 || t >= NumTargets {
		return "__cudnn$fmhaInvalid"
	}
	return targetNames[t]
}

// IsBackward returns whether the target computes the gradients.
func (t Target) IsBackward() bool { return t >= TargetSoftmaxBackward && t < NumTargets }

// HasDropout returns whether the target applies dropout to the attention probabilities.
func (t Target) HasDropout() bool { return t >= 0 && t < NumTargets && (t&2) != 0 }

// HasBias returns whether the target takes a bias operand.
func (t Target) HasBias() bool { return t >= 0 && t < NumTargets && (t&1) != 0 }

// ParseTarget returns the Target for the given custom call name.
func ParseTarget(name string) (Target, error) {
	for t, targetName := range targetNames {
		if targetName == name {
			return Target(t), nil
		}
	}
	return -1, errors.Errorf("unknown cuDNN fused attention target %q", name)
}

// AllTargets returns the names of all targets, in the order of their enum values.
func AllTargets() []string {
	return targetNames[:]
}
