// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fmha_inspect prints the custom calls emitted for fused attention configurations: call targets, operands,
// results and backend configuration. It can also benchmark them on a backend.
//
// Usage:
//
//	fmha_inspect [-config cases.yaml] [-backend "go:cudnn=90100"] [-backward] [-bench 100]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gomlx/fmha/backends"
	_ "github.com/gomlx/fmha/backends/default"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the attention cases to inspect. "+
		"If empty, a few default cases are used.")
	flagBackend = flag.String("backend", "", fmt.Sprintf("Backend configuration. If empty, $%s is used, "+
		"or the default backend.", backends.ConfigEnvVar))
	flagBackward     = flag.Bool("backward", true, "Also display the backward call of training cases.")
	flagShowConfig   = flag.Bool("show_config", false, "Print the backend configuration of each call.")
	flagBench        = flag.Int("bench", 0, "If > 0, number of times to execute each case to measure its speed.")
	flagCaseSelector = flag.String("cases", "", "Comma-separated list of case names to include. Default is all.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cases := DefaultCases
	if *flagConfig != "" {
		cases = must.M1(LoadConfig(*flagConfig)).Cases
	}
	cases = selectCases(cases, *flagCaseSelector)
	if len(cases) == 0 {
		klog.Errorf("No cases selected. See 'fmha_inspect -help'.")
		os.Exit(1)
	}

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = backends.New()
	}
	defer backend.Finalize()
	cudnnVersion, capabilityErr := fmha.CheckCapability(backend)
	reportBackend(backend, cudnnVersion, capabilityErr)

	for _, c := range cases {
		cfg, in, err := c.AttentionConfig()
		if err != nil {
			klog.Errorf("Skipping case: %+v", err)
			continue
		}
		reportCase(c, cfg, in, cudnnVersion)
		if *flagBench > 0 {
			if capabilityErr != nil {
				klog.Warningf("Benchmarking case %q with the reference implementation: %v", c.Name, capabilityErr)
			}
			stats, err := benchmark(backend, c, cfg, in, *flagBench)
			if err != nil {
				klog.Errorf("Benchmark of case %q failed: %+v", c.Name, err)
				continue
			}
			reportBenchmark(stats)
		}
	}
}

// selectCases filters cases by the comma-separated names, if not empty.
func selectCases(cases []Case, names string) []Case {
	if names == "" {
		return cases
	}
	selected := make(map[string]bool)
	for _, name := range strings.Split(names, ",") {
		selected[strings.TrimSpace(name)] = true
	}
	var filtered []Case
	for _, c := range cases {
		if selected[c.Name] {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func reportBackend(backend backends.Backend, cudnnVersion int, capabilityErr error) {
	fmt.Println(titleStyle.Render("Backend"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "name", backend.Name())
	table.Row(false, "description", backend.Description())
	table.Row(false, "devices", humanize.Comma(int64(backend.NumDevices())))
	if accel, ok := backends.IsAccelerator(backend); ok {
		major, minor := accel.ComputeCapability()
		table.Row(false, "platform", accel.Platform())
		table.Row(false, "compute capability", fmt.Sprintf("%d.%d", major, minor))
	}
	if capabilityErr != nil {
		table.Row(true, "fused attention", capabilityErr.Error())
	} else {
		table.Row(false, "cuDNN", fmt.Sprintf("%d", cudnnVersion))
	}
	fmt.Println(table.Table.Render())
}

func reportCase(c Case, cfg fmha.AttentionConfig, in fmha.InputShapes, cudnnVersion int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Case %q", c.Name)))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "dtype / layout", fmt.Sprintf("%s / %s", cfg.DType, cfg.Layout))
	table.Row(false, "batch", humanize.Comma(int64(cfg.Batch)))
	table.Row(false, "heads (q / kv)", fmt.Sprintf("%d / %d", cfg.NumHeads, cfg.NumKVHeads))
	table.Row(false, "seq len (q / kv)", fmt.Sprintf("%s / %s",
		humanize.Comma(int64(cfg.QSeqLen)), humanize.Comma(int64(cfg.KVSeqLen))))
	table.Row(false, "head dim", fmt.Sprintf("%d", cfg.HeadDim))
	table.Row(false, "mask", cfg.MaskType.String())
	table.Row(false, "scale", fmt.Sprintf("%g", cfg.Scale))
	if cfg.DropoutRate > 0 {
		table.Row(false, "dropout (seed)", fmt.Sprintf("%g (%d)", cfg.DropoutRate, cfg.Seed))
	}
	if cfg.SlidingWindowLength > 0 {
		table.Row(false, "sliding window", fmt.Sprintf("%d", cfg.SlidingWindowLength))
	}
	table.Row(false, "bias (gradient)", fmt.Sprintf("%v (%v)", cfg.Variadic.HasBias, cfg.Variadic.HasDBias))
	err := fmha.CheckIsFlashAttention(in.Query, in.Key, cfg.Layout, cudnnVersion, cfg.Variadic.HasBias, cfg.IsTraining)
	if err != nil {
		table.Row(true, "flash attention", err.Error())
	} else {
		table.Row(false, "flash attention", "supported")
	}
	fmt.Println(table.Table.Render())

	reportPlan(must.M1(fmha.PlanForward(cfg, in)))
	if cfg.IsTraining && *flagBackward {
		reportPlan(must.M1(fmha.PlanBackward(cfg, in)))
	}
}

func reportPlan(plan *fmha.CallPlan) {
	fmt.Println(titleStyle.Render(plan.Target.String()))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("", "shape", "layout", "memory")
	var totalMemory uint64
	for ii, role := range plan.Operands {
		shape := plan.OperandShapes[ii]
		totalMemory += uint64(shape.Memory())
		table.Row(false, "in: "+role.String(), shape.String(), fmt.Sprint(plan.OperandLayouts[ii]),
			humanize.Bytes(uint64(shape.Memory())))
	}
	for ii, shape := range plan.ResultShapes {
		name := fmt.Sprintf("out #%d", ii)
		if ii == plan.NumResults() {
			name = "workspace"
		}
		totalMemory += uint64(shape.Memory())
		table.Row(false, name, shape.String(), fmt.Sprint(plan.ResultLayouts[ii]), humanize.Bytes(uint64(shape.Memory())))
	}
	table.Row(false, "total", "", "", humanize.Bytes(totalMemory))
	fmt.Println(table.Table.Render())

	if *flagShowConfig {
		var document any
		must.M(json.Unmarshal([]byte(plan.BackendConfig), &document))
		fmt.Println(string(must.M1(json.MarshalIndent(document, "", "  "))))
	}
}
