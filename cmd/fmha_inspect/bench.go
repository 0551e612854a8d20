// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/tensors"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// benchStats holds the timings of one benchmarked case.
type benchStats struct {
	Name                 string
	NumRuns              int
	Compile, Total, Best time.Duration
	Training             bool
}

// benchInputs creates random inputs for the case: query, key, value, optional bias and sequence lengths.
func benchInputs(cfg fmha.AttentionConfig, in fmha.InputShapes) []*tensors.Tensor {
	rng := rand.New(rand.NewPCG(42, 42))
	random := func(dtype dtypes.DType, dims []int) *tensors.Tensor {
		size := 1
		for _, dim := range dims {
			size *= dim
		}
		values := make([]float64, size)
		for ii := range values {
			values[ii] = rng.Float64()*2 - 1
		}
		return must.M1(tensors.FromFloat64s(dtype, values, dims...))
	}
	inputs := []*tensors.Tensor{
		random(cfg.DType, in.Query.Dimensions),
		random(cfg.DType, in.Key.Dimensions),
		random(cfg.DType, in.Value.Dimensions),
	}
	if in.Bias.Ok() {
		inputs = append(inputs, random(cfg.DType, in.Bias.Dimensions))
	}
	if in.QSeqLen.Ok() {
		qSeqLens := make([]int32, cfg.Batch)
		kvSeqLens := make([]int32, cfg.Batch)
		for ii := range cfg.Batch {
			qSeqLens[ii] = int32(1 + rng.IntN(cfg.QSeqLen))
			kvSeqLens[ii] = int32(1 + rng.IntN(cfg.KVSeqLen))
		}
		inputs = append(inputs,
			tensors.FromFlatDataAndDimensions(qSeqLens, cfg.Batch),
			tensors.FromFlatDataAndDimensions(kvSeqLens, cfg.Batch))
	}
	return inputs
}

// benchGraphFn builds the attention of the case, using the reference implementation if the backend can't run
// the fused kernels. For training cases it also returns the gradients of query, key and value.
func benchGraphFn(cfg fmha.AttentionConfig, in fmha.InputShapes) graph.ExecGraphFn {
	return func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		builder := fmha.Attention(inputs[0], inputs[1], inputs[2]).
			WithLayout(cfg.Layout).
			WithMaskType(cfg.MaskType).
			WithScale(cfg.Scale).
			WithDropout(cfg.DropoutRate).
			WithSeed(cfg.Seed).
			WithSlidingWindow(cfg.SlidingWindowLength).
			WithTraining(cfg.IsTraining).
			WithFallback(true)
		next := 3
		if in.Bias.Ok() {
			builder.WithBias(inputs[next])
			next++
		}
		if in.QSeqLen.Ok() {
			builder.WithSeqLens(inputs[next], inputs[next+1])
		}
		output, err := builder.Done()
		if err != nil {
			panic(err)
		}
		if !cfg.IsTraining {
			return []*graph.Node{output}
		}
		loss := graph.ReduceAllSum(graph.ConvertDType(output, dtypes.Float32))
		return append([]*graph.Node{output}, graph.Gradient(loss, inputs[0], inputs[1], inputs[2])...)
	}
}

// benchmark executes the case numRuns times, after a first execution that includes the compilation.
func benchmark(backend backends.Backend, c Case, cfg fmha.AttentionConfig, in fmha.InputShapes, numRuns int) (*benchStats, error) {
	exec := graph.NewExec(backend, benchGraphFn(cfg, in)).WithName(c.Name)
	defer exec.Finalize()
	inputs := benchInputs(cfg, in)
	stats := &benchStats{Name: c.Name, NumRuns: numRuns, Training: cfg.IsTraining}

	start := time.Now()
	if _, err := exec.Exec(inputs...); err != nil {
		return nil, errors.WithMessagef(err, "while compiling case %q", c.Name)
	}
	stats.Compile = time.Since(start)

	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	defer output.ShowCursor()
	bar := progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription(fmt.Sprintf("  %s ", c.Name)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())
	for range numRuns {
		runStart := time.Now()
		if _, err := exec.Exec(inputs...); err != nil {
			return nil, errors.WithMessagef(err, "while executing case %q", c.Name)
		}
		elapsed := time.Since(runStart)
		stats.Total += elapsed
		if stats.Best == 0 || elapsed < stats.Best {
			stats.Best = elapsed
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return stats, nil
}

func reportBenchmark(stats *benchStats) {
	mode := "inference"
	if stats.Training {
		mode = "forward+backward"
	}
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "benchmark", fmt.Sprintf("%s (%s)", stats.Name, mode))
	table.Row(false, "runs", humanize.Comma(int64(stats.NumRuns)))
	table.Row(false, "compile+first run", stats.Compile.String())
	table.Row(false, "mean", (stats.Total / time.Duration(stats.NumRuns)).String())
	table.Row(false, "best", stats.Best.String())
	fmt.Println(table.Table.Render())
}
