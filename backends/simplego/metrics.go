// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	customCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplego_custom_calls_total",
		Help: "Total number of emulated custom calls executed, per target",
	}, []string{"target"})

	allReduceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplego_all_reduce_total",
		Help: "Total number of AllReduce operations completed by a replica",
	})

	bufferAllocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplego_buffer_allocations_total",
		Help: "Total number of buffers allocated (buffer pool misses)",
	})
)
