// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/fmha/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// nodeInputsCustomCall holds the static inputs of a CustomCall.
type nodeInputsCustomCall struct {
	config backends.CustomCallConfig
}

func (ni *nodeInputsCustomCall) Type() NodeType { return NodeTypeCustomCall }

func (ni *nodeInputsCustomCall) String() string {
	return fmt.Sprintf("%s(target=%q, results=%v)", ni.Type(), ni.config.Target, ni.config.ResultShapes)
}

// CustomCall emits a call to an external kernel, and returns one node per result described in config.
//
// It panics with an error wrapping backends.ErrNotImplemented if the backend doesn't support custom calls, or
// doesn't support the target.
//
// CustomCall has no gradient: use CustomGradient to define one.
func CustomCall(inputs []*Node, config backends.CustomCallConfig) []*Node {
	g := validateBuildingGraphFromInputs(inputs...)
	customCallBuilder, ok := g.builder.(backends.CustomCallOps)
	if !ok {
		panic(errors.Wrapf(backends.ErrNotImplemented, "backend %q doesn't support custom calls (target %q)",
			g.backend.Name(), config.Target))
	}
	inputOps := make([]backends.Op, len(inputs))
	for ii, input := range inputs {
		inputOps[ii] = input.outputOps[0]
	}
	ops, err := customCallBuilder.CustomCall(inputOps, config)
	panicOnOpError(err, fmt.Sprintf("CustomCall(%q)", config.Target), inputs...)
	if len(ops) != len(config.ResultShapes) {
		panic(errors.Errorf("CustomCall(%q): backend returned %d results, %d expected", config.Target,
			len(ops), len(config.ResultShapes)))
	}
	klog.V(2).Infof("graph %q: CustomCall(%q) with %d operands and %d results", g.name, config.Target,
		len(inputs), len(ops))
	_, outputs := newMultiOutputNode(g, &nodeInputsCustomCall{config: config}, ops, inputs...)
	return outputs
}
