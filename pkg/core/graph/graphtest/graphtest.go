// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/gomlx/fmha/backends"
	_ "github.com/gomlx/fmha/backends/simplego"
	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// TestGraphFn should build its own inputs, and return both inputs and outputs
type TestGraphFn func(g *graph.Graph) (inputs, outputs []*graph.Node)

// DefaultTestBackendConfig emulates an Ampere GPU with cuDNN 9.1 and 4 devices, on the "go" backend.
const DefaultTestBackendConfig = "go:cudnn=90100,cc=8.0,devices=4"

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the backend used for tests, created once. It uses DefaultTestBackendConfig, unless
// overwritten by the GOMLX_BACKEND environment variable.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		config := DefaultTestBackendConfig
		if selected := os.Getenv(backends.ConfigEnvVar); selected != "" {
			config = selected
		}
		var err error
		cachedBackend, err = backends.NewWithConfig(config)
		if err != nil {
			klog.Fatalf("Failed to create backend %q: %+v", config, err)
		}
	})
	return cachedBackend
}

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []*tensors.Tensor, delta float64) {
	RunTestGraphFnWithBackend(t, testName, BuildTestBackend(), graphFn, want, delta)
}

// RunTestGraphFnWithBackend is like RunTestGraphFn, but uses the given backend.
func RunTestGraphFnWithBackend(t *testing.T, testName string, backend backends.Backend, graphFn TestGraphFn,
	want []*tensors.Tensor, delta float64) {
	t.Run(testName, func(t *testing.T) {
		var numInputs, numOutputs int
		wrapperFn := func(g *graph.Graph, _ []*graph.Node) []*graph.Node {
			i, o := graphFn(g)
			numInputs, numOutputs = len(i), len(o)
			all := append(i, o...)
			return all
		}
		exec := graph.NewExec(backend, wrapperFn).WithName(testName)
		defer exec.Finalize()
		inputsAndOutputs, err := exec.Exec()
		require.NoErrorf(t, err, "%s: failed to execute graph", testName)
		inputs := inputsAndOutputs[:numInputs]
		outputs := inputsAndOutputs[numInputs:]

		fmt.Printf("\n%s:\n", testName)
		for ii, input := range inputs {
			fmt.Printf("\tInput %d: %s\n", ii, input)
		}
		if numInputs > 0 {
			fmt.Printf("\t======\n")
		}
		for ii, output := range outputs {
			fmt.Printf("\tOutput %d: %s\n", ii, output)
		}
		require.Equalf(t, len(want), numOutputs, "%s: number of wanted results different from number of outputs", testName)
		for ii, output := range outputs {
			require.Truef(t, want[ii].InDelta(output, delta), "%s: output #%d (%s) doesn't match wanted value %s",
				testName, ii, output, want[ii])
		}
	})
}
