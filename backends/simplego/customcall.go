// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/cudnn"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check.
var _ backends.CustomCallOps = (*Builder)(nil)

// fmhaCall is the decoded and validated description of a fused attention custom call.
type fmhaCall struct {
	target cudnn.Target
	config *cudnn.BackendConfig
	layout backends.AxesLayout
	dtype  dtypes.DType

	batch, numHeads, numKVHeads, qSeqLen, kvSeqLen, headDim int
	scale, dropoutRate                                      float64
	seed                                                    int64
	maskType                                                string
	slidingWindow                                           int

	// Operand positions, -1 if not present.
	biasIdx, qSeqLenIdx, kvSeqLenIdx int

	// Only for forward calls.
	withStats bool

	// Only for backward calls.
	activationIdx, gradOutputIdx, outputIdx int
	withDBias                               bool
}

// CustomCall implements backends.CustomCallOps. Only the cuDNN fused attention targets are supported, and only
// if the backend is configured to emulate a GPU with cuDNN.
func (b *Builder) CustomCall(operandOps []backends.Op, config backends.CustomCallConfig) ([]backends.Op, error) {
	operands, err := b.checkOps("CustomCall", operandOps...)
	if err != nil {
		return nil, err
	}
	if !b.backend.supportsCustomCallTarget(config.Target) {
		return nil, errors.Wrapf(backends.ErrNotImplemented,
			"custom call target %q not supported by backend %q (platform %q, cuDNN version %d)",
			config.Target, BackendName, b.backend.platform, b.backend.cudnnVersion)
	}
	operandShapes := make([]shapes.Shape, len(operands))
	for i, operand := range operands {
		operandShapes[i] = operand.shape
	}
	call, err := decodeFMHACall(config, operandShapes)
	if err != nil {
		return nil, errors.WithMessagef(err, "CustomCall(%q)", config.Target)
	}
	klog.V(2).Infof("simplego: CustomCall(%s) with %d operands and %d results, backend config %s",
		call.target, len(operands), len(config.ResultShapes), config.BackendConfig)
	resultShapes := make([]shapes.Shape, len(config.ResultShapes))
	for i, shape := range config.ResultShapes {
		resultShapes[i] = shape.Clone()
	}
	node := b.newMultiOutputsNode(backends.OpTypeCustomCall, resultShapes, operands...)
	node.data = call
	return node.outputOps(), nil
}

// decodeFMHACall checks the operands, results and layouts against the kernel contract.
func decodeFMHACall(config backends.CustomCallConfig, operands []shapes.Shape) (*fmhaCall, error) {
	target, err := cudnn.ParseTarget(config.Target)
	if err != nil {
		return nil, err
	}
	backendConfig, err := cudnn.ParseBackendConfig(config.BackendConfig)
	if err != nil {
		return nil, err
	}
	if backendConfig.IsBackward() != target.IsBackward() {
		return nil, errors.Errorf("backend config direction (backward=%v) doesn't match target %s",
			backendConfig.IsBackward(), target)
	}
	call := &fmhaCall{
		target:        target,
		config:        backendConfig,
		scale:         backendConfig.FMHA.FMHAScale,
		dropoutRate:   backendConfig.FMHA.DropoutRate,
		seed:          backendConfig.FMHA.Seed,
		maskType:      backendConfig.FMHA.MaskType,
		slidingWindow: backendConfig.FMHA.SlidingWindowLength,
		biasIdx:       -1,
		qSeqLenIdx:    -1,
		kvSeqLenIdx:   -1,
	}
	if target.HasDropout() != (call.dropoutRate > 0) {
		return nil, errors.Errorf("target %s doesn't match dropout rate %g", target, call.dropoutRate)
	}
	call.layout, err = backendConfig.Layout()
	if err != nil {
		return nil, err
	}
	call.dtype, err = backendConfig.DType()
	if err != nil {
		return nil, err
	}
	call.batch, call.numHeads, call.qSeqLen, call.kvSeqLen, err = backendConfig.Dims()
	if err != nil {
		return nil, err
	}

	// Operands.
	hasPadding := cudnn.HasPadding(call.maskType)
	numOperands := 3
	if target.IsBackward() {
		numOperands += 3
	}
	if target.HasBias() {
		numOperands++
	}
	if hasPadding {
		numOperands += 2
	}
	if len(operands) != numOperands {
		return nil, errors.Errorf("expected %d operands, got %d", numOperands, len(operands))
	}
	if len(config.OperandLayouts) != numOperands {
		return nil, errors.Errorf("expected %d operand layouts, got %d", numOperands, len(config.OperandLayouts))
	}
	for i, layout := range config.OperandLayouts {
		if !slices.Equal(layout, cudnn.DefaultLayout(operands[i].Rank())) {
			return nil, errors.Errorf("operand #%d with shape %s must have the default layout %v, got %v",
				i, operands[i], cudnn.DefaultLayout(operands[i].Rank()), layout)
		}
	}
	query, key, value := operands[0], operands[1], operands[2]
	if err := call.checkQKV(query, key, value); err != nil {
		return nil, err
	}
	next := 3
	if target.IsBackward() {
		call.activationIdx, call.gradOutputIdx = 3, 4
		next = 5
		if err := operands[call.activationIdx].Check(dtypes.Float32, call.batch, call.numHeads, call.qSeqLen); err != nil {
			return nil, errors.WithMessage(err, "activation (softmax statistics)")
		}
		if !operands[call.gradOutputIdx].Equal(query) {
			return nil, errors.Errorf("gradient of the output %s must have the same shape as the query %s",
				operands[call.gradOutputIdx], query)
		}
	}
	if target.HasBias() {
		call.biasIdx = next
		next++
		bias := operands[call.biasIdx]
		if bias.Rank() != 4 || bias.DType != call.dtype ||
			(bias.Dimensions[0] != 1 && bias.Dimensions[0] != call.batch) ||
			(bias.Dimensions[1] != 1 && bias.Dimensions[1] != call.numHeads) ||
			bias.Dimensions[2] != call.qSeqLen || bias.Dimensions[3] != call.kvSeqLen {
			return nil, errors.Errorf("bias %s incompatible with attention (batch=%d, heads=%d, q_seq_len=%d, kv_seq_len=%d, dtype=%s)",
				bias, call.batch, call.numHeads, call.qSeqLen, call.kvSeqLen, call.dtype)
		}
	}
	if target.IsBackward() {
		call.outputIdx = next
		next++
		if !operands[call.outputIdx].Equal(query) {
			return nil, errors.Errorf("forward output %s must have the same shape as the query %s", operands[call.outputIdx], query)
		}
	}
	if hasPadding {
		call.qSeqLenIdx, call.kvSeqLenIdx = next, next+1
		for _, idx := range []int{call.qSeqLenIdx, call.kvSeqLenIdx} {
			if err := operands[idx].Check(dtypes.Int32, call.batch); err != nil {
				return nil, errors.WithMessagef(err, "sequence lengths operand #%d", idx)
			}
		}
	}

	// Results.
	if len(config.ResultLayouts) != len(config.ResultShapes) {
		return nil, errors.Errorf("%d result layouts given for %d results", len(config.ResultLayouts), len(config.ResultShapes))
	}
	var wantResults []shapes.Shape
	var wantLayouts [][]int
	nativeLayout := cudnn.NativeLayout(call.layout)
	if !target.IsBackward() {
		wantResults = []shapes.Shape{shapes.Make(call.dtype, call.batch, call.numHeads, call.qSeqLen, call.headDim)}
		wantLayouts = [][]int{nativeLayout}
		call.withStats = len(config.ResultShapes) == 3
		if call.withStats {
			wantResults = append(wantResults, shapes.Make(dtypes.Float32, call.batch, call.numHeads, call.qSeqLen))
			wantLayouts = append(wantLayouts, cudnn.DefaultLayout(3))
		}
	} else {
		wantResults = []shapes.Shape{
			shapes.Make(call.dtype, call.batch, call.numHeads, call.qSeqLen, call.headDim),
			shapes.Make(call.dtype, call.batch, call.numKVHeads, call.kvSeqLen, call.headDim),
			shapes.Make(call.dtype, call.batch, call.numKVHeads, call.kvSeqLen, call.headDim),
		}
		wantLayouts = [][]int{nativeLayout, nativeLayout, nativeLayout}
		call.withDBias = len(config.ResultShapes) == 5
		if call.withDBias {
			if call.biasIdx < 0 {
				return nil, errors.New("bias gradient requested, but no bias given")
			}
			wantResults = append(wantResults, operands[call.biasIdx].Clone())
			wantLayouts = append(wantLayouts, cudnn.DefaultLayout(4))
		}
	}
	wantResults = append(wantResults, shapes.Make(dtypes.Uint8, 0))
	wantLayouts = append(wantLayouts, cudnn.DefaultLayout(1))
	if len(config.ResultShapes) != len(wantResults) {
		return nil, errors.Errorf("expected %d results, got %d", len(wantResults), len(config.ResultShapes))
	}
	for i, want := range wantResults {
		if !config.ResultShapes[i].Equal(want) {
			return nil, errors.Errorf("result #%d: expected shape %s, got %s", i, want, config.ResultShapes[i])
		}
		if !slices.Equal(config.ResultLayouts[i], wantLayouts[i]) {
			return nil, errors.Errorf("result #%d (%s): expected layout %v, got %v", i, want, wantLayouts[i], config.ResultLayouts[i])
		}
	}
	return call, nil
}

// checkQKV checks query, key and value against the dimensions of the backend config, and sets the head dimensions.
func (call *fmhaCall) checkQKV(query, key, value shapes.Shape) error {
	for i, shape := range []shapes.Shape{query, key, value} {
		if shape.Rank() != 4 || shape.DType != call.dtype {
			return errors.Errorf("operand #%d: query, key and value must be rank-4 %s, got %s", i, call.dtype, shape)
		}
	}
	seqAxis, headsAxis := call.layout.SeqAxis(), call.layout.HeadsAxis()
	call.headDim = query.Dim(-1)
	call.numKVHeads = key.Dimensions[headsAxis]
	if query.Dimensions[0] != call.batch || query.Dimensions[headsAxis] != call.numHeads ||
		query.Dimensions[seqAxis] != call.qSeqLen {
		return errors.Errorf("query %s (%s layout) doesn't match backend config dimensions (batch=%d, heads=%d, q_seq_len=%d)",
			query, call.layout, call.batch, call.numHeads, call.qSeqLen)
	}
	if !key.Equal(value) || key.Dimensions[0] != call.batch || key.Dimensions[seqAxis] != call.kvSeqLen || key.Dim(-1) != call.headDim {
		return errors.Errorf("key %s and value %s (%s layout) don't match backend config dimensions (batch=%d, kv_seq_len=%d, head_dim=%d)",
			key, value, call.layout, call.batch, call.kvSeqLen, call.headDim)
	}
	if call.numKVHeads == 0 || call.numHeads%call.numKVHeads != 0 {
		return errors.Errorf("number of query heads (%d) must be a multiple of the number of key/value heads (%d)",
			call.numHeads, call.numKVHeads)
	}
	return nil
}

// execCustomCall runs the emulated kernel.
func execCustomCall(run *replicaRun, node *Node, inputs []*Buffer) ([]*Buffer, error) {
	call := node.data.(*fmhaCall)
	customCallsTotal.WithLabelValues(call.target.String()).Inc()
	klog.V(3).Infof("simplego[%s]: replica %d running %s", run.execID, run.replica, call.target)
	var results []*Buffer
	if call.target.IsBackward() {
		results = call.backward(run.backend, inputs, node.multiOutputsShapes, run.device())
	} else {
		results = call.forward(run.backend, inputs, node.multiOutputsShapes, run.device())
	}
	return results, nil
}
