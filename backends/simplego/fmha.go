// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/cudnn"
	"github.com/gomlx/fmha/pkg/core/shapes"
)

// Emulation of the cuDNN flash attention kernels.
//
// It computes in float64 and rounds the results to their dtypes. The softmax statistics saved for the
// backward pass are the log-sum-exp of each row of the scaled logits. The dropout follows cudnn.DropoutKeep.
//
// Masking:
//   - CAUSAL and PADDING_CAUSAL mask keys after the query position.
//   - PADDING and PADDING_CAUSAL mask keys at positions >= kv_seqlen[b], and zero the output (and gradients)
//     of queries at positions >= q_seqlen[b].
//   - A sliding window w > 0 masks keys after the query position or w or more positions before it.
//   - ALIBI adds slope_h * (j - i) to the logits, with slope_h = 2^(-8(h+1)/num_heads).

// qkvIndex returns the flat index of (batch, head, seq, dim) in a query/key/value tensor in the call layout.
func (call *fmhaCall) qkvIndex(shape shapes.Shape, b, n, t, h int) int {
	if call.layout == backends.AxesLayoutBSHD {
		return ((b*shape.Dimensions[1]+t)*shape.Dimensions[2]+n)*shape.Dimensions[3] + h
	}
	return ((b*shape.Dimensions[1]+n)*shape.Dimensions[2]+t)*shape.Dimensions[3] + h
}

// bnthIndex returns the flat index in a (B, N, T, H) tensor.
func bnthIndex(dims []int, b, n, t, h int) int {
	return ((b*dims[1]+n)*dims[2]+t)*dims[3] + h
}

// biasIndex returns the flat index of (b, n, i, j) in the bias, broadcasting its batch and heads axes.
func biasIndex(dims []int, b, n, i, j int) int {
	if dims[0] == 1 {
		b = 0
	}
	if dims[1] == 1 {
		n = 0
	}
	return bnthIndex(dims, b, n, i, j)
}

// rowContext holds the values shared by all rows of one (batch, head) pair.
type rowContext struct {
	call                 *fmhaCall
	b, n, kvHead         int
	qLen, kvLen          int
	query, key           *Buffer
	bias                 *Buffer
	alibiSlope           float64
	isCausal, hasPadding bool
}

func (call *fmhaCall) newRowContext(inputs []*Buffer, b, n int) *rowContext {
	rc := &rowContext{
		call:       call,
		b:          b,
		n:          n,
		kvHead:     n / (call.numHeads / call.numKVHeads),
		qLen:       call.qSeqLen,
		kvLen:      call.kvSeqLen,
		query:      inputs[0],
		key:        inputs[1],
		isCausal:   call.maskType == cudnn.MaskCausal || call.maskType == cudnn.MaskPaddingCausal,
		hasPadding: cudnn.HasPadding(call.maskType),
	}
	if call.biasIdx >= 0 {
		rc.bias = inputs[call.biasIdx]
	}
	if rc.hasPadding {
		rc.qLen = min(max(int(inputs[call.qSeqLenIdx].flat[b]), 0), call.qSeqLen)
		rc.kvLen = min(max(int(inputs[call.kvSeqLenIdx].flat[b]), 0), call.kvSeqLen)
	}
	if call.maskType == cudnn.MaskALiBi {
		rc.alibiSlope = math.Exp2(-8 * float64(n+1) / float64(call.numHeads))
	}
	return rc
}

func (rc *rowContext) masked(i, j int) bool {
	if j >= rc.kvLen {
		return true
	}
	if rc.isCausal && j > i {
		return true
	}
	if w := rc.call.slidingWindow; w > 0 && (j > i || j <= i-w) {
		return true
	}
	return false
}

// logits computes the scaled logits of row i into s, and returns the max of the unmasked logits and whether
// any position is unmasked.
func (rc *rowContext) logits(i int, s []float64) (maxLogit float64, found bool) {
	call := rc.call
	maxLogit = math.Inf(-1)
	for j := range call.kvSeqLen {
		if rc.masked(i, j) {
			s[j] = math.Inf(-1)
			continue
		}
		var dot float64
		for h := range call.headDim {
			dot += rc.query.flat[call.qkvIndex(rc.query.shape, rc.b, rc.n, i, h)] *
				rc.key.flat[call.qkvIndex(rc.key.shape, rc.b, rc.kvHead, j, h)]
		}
		v := call.scale * dot
		if rc.bias != nil {
			v += rc.bias.flat[biasIndex(rc.bias.shape.Dimensions, rc.b, rc.n, i, j)]
		}
		if rc.alibiSlope != 0 {
			v += rc.alibiSlope * float64(j-i)
		}
		s[j] = v
		maxLogit = max(maxLogit, v)
		found = true
	}
	return
}

// dropoutScale returns the factor applied to the probability at (i, j): 0 if dropped, 1/(1-rate) if kept.
func (rc *rowContext) dropoutScale(i, j int) float64 {
	call := rc.call
	if call.dropoutRate <= 0 {
		return 1
	}
	if !cudnn.DropoutKeep(call.seed, rc.b, rc.n, i, j, call.dropoutRate) {
		return 0
	}
	return 1 / (1 - call.dropoutRate)
}

func (call *fmhaCall) forward(backend *Backend, inputs []*Buffer, resultShapes []shapes.Shape, device backends.DeviceNum) []*Buffer {
	value := inputs[2]
	output := backend.getZeroBuffer(resultShapes[0], device)
	var stats *Buffer
	if call.withStats {
		stats = backend.getZeroBuffer(resultShapes[1], device)
	}
	workspace := backend.getBuffer(resultShapes[len(resultShapes)-1], device)

	s := make([]float64, call.kvSeqLen)
	acc := make([]float64, call.headDim)
	for b := range call.batch {
		for n := range call.numHeads {
			rc := call.newRowContext(inputs, b, n)
			for i := range rc.qLen {
				maxLogit, found := rc.logits(i, s)
				if !found {
					continue
				}
				var sum float64
				for j, v := range s {
					if !math.IsInf(v, -1) {
						s[j] = math.Exp(v - maxLogit)
						sum += s[j]
					} else {
						s[j] = 0
					}
				}
				clear(acc)
				for j, p := range s {
					if p == 0 {
						continue
					}
					p = p / sum * rc.dropoutScale(i, j)
					for h := range call.headDim {
						acc[h] += p * value.flat[call.qkvIndex(value.shape, b, rc.kvHead, j, h)]
					}
				}
				for h, v := range acc {
					idx := bnthIndex(output.shape.Dimensions, b, n, i, h)
					output.flat[idx] = roundTo(call.dtype, v)
				}
				if stats != nil {
					stats.flat[(b*call.numHeads+n)*call.qSeqLen+i] = roundTo(stats.shape.DType, maxLogit+math.Log(sum))
				}
			}
		}
	}
	results := []*Buffer{output}
	if stats != nil {
		results = append(results, stats)
	}
	return append(results, workspace)
}

func (call *fmhaCall) backward(backend *Backend, inputs []*Buffer, resultShapes []shapes.Shape, device backends.DeviceNum) []*Buffer {
	query, key, value := inputs[0], inputs[1], inputs[2]
	stats, gradOutput, output := inputs[call.activationIdx], inputs[call.gradOutputIdx], inputs[call.outputIdx]

	// Accumulate in float64 and round at the end.
	gradQuery := make([]float64, resultShapes[0].Size())
	gradKey := make([]float64, resultShapes[1].Size())
	gradValue := make([]float64, resultShapes[2].Size())
	var gradBias []float64
	if call.withDBias {
		gradBias = make([]float64, resultShapes[3].Size())
	}

	s := make([]float64, call.kvSeqLen)
	for b := range call.batch {
		for n := range call.numHeads {
			rc := call.newRowContext(inputs, b, n)
			for i := range rc.qLen {
				_, found := rc.logits(i, s)
				if !found {
					continue
				}
				stat := stats.flat[(b*call.numHeads+n)*call.qSeqLen+i]
				var rowDot float64 // D_i = dO_i · O_i
				for h := range call.headDim {
					idx := call.qkvIndex(query.shape, b, n, i, h)
					rowDot += gradOutput.flat[idx] * output.flat[idx]
				}
				for j, logit := range s {
					if math.IsInf(logit, -1) {
						continue
					}
					p := math.Exp(logit - stat)
					dropScale := rc.dropoutScale(i, j)
					var dp float64 // dO_i · V_j
					for h := range call.headDim {
						dp += gradOutput.flat[call.qkvIndex(query.shape, b, n, i, h)] *
							value.flat[call.qkvIndex(value.shape, b, rc.kvHead, j, h)]
					}
					dp *= dropScale
					ds := p * (dp - rowDot)
					for h := range call.headDim {
						gradValue[bnthIndex(resultShapes[2].Dimensions, b, rc.kvHead, j, h)] +=
							p * dropScale * gradOutput.flat[call.qkvIndex(query.shape, b, n, i, h)]
						gradQuery[bnthIndex(resultShapes[0].Dimensions, b, n, i, h)] +=
							call.scale * ds * key.flat[call.qkvIndex(key.shape, b, rc.kvHead, j, h)]
						gradKey[bnthIndex(resultShapes[1].Dimensions, b, rc.kvHead, j, h)] +=
							call.scale * ds * query.flat[call.qkvIndex(query.shape, b, n, i, h)]
					}
					if gradBias != nil {
						gradBias[biasIndex(resultShapes[3].Dimensions, b, n, i, j)] += ds
					}
				}
			}
		}
	}

	results := make([]*Buffer, 0, len(resultShapes))
	for i, values := range [][]float64{gradQuery, gradKey, gradValue, gradBias} {
		if values == nil {
			continue
		}
		buf := backend.getBuffer(resultShapes[i], device)
		for j, v := range values {
			buf.flat[j] = roundTo(call.dtype, v)
		}
		results = append(results, buf)
	}
	return append(results, backend.getBuffer(resultShapes[len(resultShapes)-1], device))
}
