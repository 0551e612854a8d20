// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/pkg/errors"
)

// NotBatched marks, in BatchDims, an operand without the leading batch axes.
const NotBatched = -1

// BatchDims holds, for each operand, where its leading batch axes are: 0 if the operand has them, or NotBatched.
//
// Batched operands have the query's leading batch axes: these are all the query axes before its last 4.
// Not batched operands are broadcast along them, except for a bias with batch size 1, which is
// shared by all examples.
type BatchDims struct {
	Query, Key, Value, Bias, QSeqLen, KVSeqLen int
}

// AllBatched returns the BatchDims for a call where the query, key and value have the batch axes.
// The bias and sequence lengths have them if they have more than 4 or 1 axes respectively.
func AllBatched(in Inputs) BatchDims {
	dims := BatchDims{Bias: NotBatched, QSeqLen: NotBatched, KVSeqLen: NotBatched}
	if in.Bias != nil && in.Bias.Rank() > 4 {
		dims.Bias = 0
	}
	if in.QSeqLen != nil && in.QSeqLen.Rank() > 1 {
		dims.QSeqLen = 0
	}
	if in.KVSeqLen != nil && in.KVSeqLen.Rank() > 1 {
		dims.KVSeqLen = 0
	}
	return dims
}

// BatchedResiduals are the residuals of BatchForward, for BatchBackward.
type BatchedResiduals struct {
	Options Options
	Inputs  Inputs
	Dims    BatchDims

	// Activation and Output with the leading batch axes.
	Activation, Output *Node
}

// batcher folds the leading batch axes of the operands into their batch axis.
type batcher struct {
	dims       BatchDims
	batchDims  []int // Leading batch axes dimensions.
	innerBatch int   // Batch axis of the attention, after the leading batch axes.
	size       int   // Product of batchDims and innerBatch.
}

func newBatcher(query *Node, dims BatchDims) *batcher {
	for _, dim := range []int{dims.Query, dims.Key, dims.Value, dims.Bias, dims.QSeqLen, dims.KVSeqLen} {
		if dim != 0 && dim != NotBatched {
			panic(errors.Wrapf(ErrInvalidConfig, "batch axes must be leading (0) or NotBatched, got %+v", dims))
		}
	}
	if dims.Query != 0 {
		panic(errors.Wrapf(ErrInvalidConfig, "the query must have the batch axes, got %+v", dims))
	}
	if query.Rank() <= 4 {
		panic(errors.Wrapf(ErrShapeMismatch, "batched query must have rank > 4, got %s", query.Shape()))
	}
	numBatchAxes := query.Rank() - 4
	b := &batcher{
		dims:       dims,
		batchDims:  slices.Clone(query.Shape().Dimensions[:numBatchAxes]),
		innerBatch: query.Shape().Dimensions[numBatchAxes],
	}
	b.size = b.innerBatch
	for _, dim := range b.batchDims {
		b.size *= dim
	}
	return b
}

// flatten returns x with the batch axes folded into its first axis, and the function that reverts it for
// the gradient of x. shareable operands (the bias) with a batch size of 1 are broadcast by the kernel.
func (b *batcher) flatten(name string, x *Node, dim int, shareable bool) (flat *Node, unflattenGrad func(*Node) *Node) {
	numBatchAxes := len(b.batchDims)
	var broadcastBatchAxes, broadcastInnerBatch bool
	if dim == NotBatched {
		if shareable && x.Shape().Dimensions[0] == 1 {
			return x, func(grad *Node) *Node { return grad }
		}
		dims := x.Shape().Dimensions
		expanded := append(slices.Repeat([]int{1}, numBatchAxes), dims...)
		x = BroadcastToDims(Reshape(x, expanded...), append(slices.Clone(b.batchDims), dims...)...)
		broadcastBatchAxes = true
	} else if x.Rank() <= numBatchAxes || !slices.Equal(x.Shape().Dimensions[:numBatchAxes], b.batchDims) {
		panic(errors.Wrapf(ErrShapeMismatch, "batched %s %s must have the leading batch axes %v",
			name, x.Shape(), b.batchDims))
	}
	dims := slices.Clone(x.Shape().Dimensions)
	if dims[numBatchAxes] != b.innerBatch {
		if !shareable || dims[numBatchAxes] != 1 {
			panic(errors.Wrapf(ErrShapeMismatch, "%s %s must have a batch size of %d", name, x.Shape(), b.innerBatch))
		}
		dims[numBatchAxes] = b.innerBatch
		x = BroadcastToDims(x, dims...)
		broadcastInnerBatch = true
	}
	flat = Reshape(x, append([]int{b.size}, dims[numBatchAxes+1:]...)...)
	unflattenGrad = func(grad *Node) *Node {
		grad = Reshape(grad, dims...)
		if broadcastInnerBatch {
			grad = ReduceAndKeep(grad, ReduceSum, numBatchAxes)
		}
		if broadcastBatchAxes {
			axes := make([]int, numBatchAxes)
			for ii := range axes {
				axes[ii] = ii
			}
			grad = ReduceSum(grad, axes...)
		}
		return grad
	}
	return
}

// flatInputs holds the flattened inputs and how to revert the gradients.
type flatInputs struct {
	Inputs
	unflattenGrads [4]func(*Node) *Node // query, key, value, bias.
}

func (b *batcher) flattenInputs(in Inputs) *flatInputs {
	f := &flatInputs{}
	f.Query, f.unflattenGrads[0] = b.flatten("query", in.Query, b.dims.Query, false)
	f.Key, f.unflattenGrads[1] = b.flatten("key", in.Key, b.dims.Key, false)
	f.Value, f.unflattenGrads[2] = b.flatten("value", in.Value, b.dims.Value, false)
	if in.Bias != nil {
		f.Bias, f.unflattenGrads[3] = b.flatten("bias", in.Bias, b.dims.Bias, true)
	}
	if in.QSeqLen != nil {
		f.QSeqLen, _ = b.flatten("q_seqlen", in.QSeqLen, b.dims.QSeqLen, false)
	}
	if in.KVSeqLen != nil {
		f.KVSeqLen, _ = b.flatten("kv_seqlen", in.KVSeqLen, b.dims.KVSeqLen, false)
	}
	return f
}

// BatchForward emits the fused attention for operands with extra leading batch axes (see BatchDims), by
// folding them into the batch axis of a single call.
//
// The output has the leading batch axes of the query. If isTraining, the residuals for BatchBackward are
// also returned.
func BatchForward(opts Options, in Inputs, dims BatchDims, isTraining bool) (output *Node, residuals *BatchedResiduals, err error) {
	err = exceptions.TryCatch[error](func() {
		b := newBatcher(in.Query, dims)
		flat := b.flattenInputs(in)
		cfg, err := NewAttentionConfig(opts, flat.Shapes(), isTraining)
		if err != nil {
			panic(err)
		}
		var flatOutput *Node
		if !isTraining {
			flatOutput, err = Inference(cfg, flat.Inputs)
			if err != nil {
				panic(err)
			}
			output = Reshape(flatOutput, in.Query.Shape().Dimensions...)
			return
		}
		var flatResiduals *Residuals
		flatOutput, flatResiduals, err = Forward(cfg, flat.Inputs)
		if err != nil {
			panic(err)
		}
		output = Reshape(flatOutput, in.Query.Shape().Dimensions...)
		activationDims := append(slices.Clone(b.batchDims), b.innerBatch, cfg.NumHeads, cfg.QSeqLen)
		residuals = &BatchedResiduals{
			Options:    opts,
			Inputs:     in,
			Dims:       dims,
			Activation: Reshape(flatResiduals.Activation, activationDims...),
			Output:     output,
		}
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "batched fused attention")
	}
	return output, residuals, nil
}

// BatchBackward emits the gradients of BatchForward, given its residuals and the adjoint of its output.
// The gradients have the shapes of the corresponding inputs: the ones of not batched operands are
// summed over the batch axes.
func BatchBackward(residuals *BatchedResiduals, gradOutput *Node) (grads Gradients, err error) {
	err = exceptions.TryCatch[error](func() {
		b := newBatcher(residuals.Inputs.Query, residuals.Dims)
		flat := b.flattenInputs(residuals.Inputs)
		cfg, err := NewAttentionConfig(residuals.Options, flat.Shapes(), true)
		if err != nil {
			panic(err)
		}
		flatResiduals := &Residuals{
			Config:     cfg,
			Inputs:     flat.Inputs,
			Activation: Reshape(residuals.Activation, b.size, cfg.NumHeads, cfg.QSeqLen),
			Output:     Reshape(residuals.Output, flat.Query.Shape().Dimensions...),
		}
		flatGrads, err := Backward(flatResiduals, Reshape(gradOutput, flat.Query.Shape().Dimensions...))
		if err != nil {
			panic(err)
		}
		grads.Query = flat.unflattenGrads[0](flatGrads.Query)
		grads.Key = flat.unflattenGrads[1](flatGrads.Key)
		grads.Value = flat.unflattenGrads[2](flatGrads.Value)
		if flatGrads.Bias != nil {
			grads.Bias = flat.unflattenGrads[3](flatGrads.Bias)
		}
	})
	if err != nil {
		return Gradients{}, errors.WithMessage(err, "batched fused attention backward")
	}
	return grads, nil
}

// DifferentiableBatch is BatchForward in training mode with BatchBackward attached as its gradient.
func DifferentiableBatch(opts Options, in Inputs, dims BatchDims) (*Node, error) {
	output, residuals, err := BatchForward(opts, in, dims, true)
	if err != nil {
		return nil, err
	}
	return attachGradient(output, in, func(gradOutput *Node) (Gradients, error) {
		return BatchBackward(residuals, gradOutput)
	}), nil
}
