// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Residuals are the values saved by Forward and consumed by Backward.
type Residuals struct {
	Config AttentionConfig
	Inputs

	// Activation holds the softmax statistics, shaped [batch, heads, q_seq_len], in Float32.
	Activation *Node

	// Output of the forward call, in the layout of the query.
	Output *Node
}

// Gradients of the fused attention with respect to its inputs. Bias is nil when the bias gradient is not
// computed (see VariadicArgs.HasDBias).
type Gradients struct {
	Query, Key, Value, Bias *Node
}

// Padded returns the gradients aligned with all the inputs (query, key, value, bias, q_seqlen, kv_seqlen):
// the ones not computed, including the sequence lengths that take no gradient, are nil.
func (g Gradients) Padded() []*Node {
	return []*Node{g.Query, g.Key, g.Value, g.Bias, nil, nil}
}

// checkFlashAttention runs the capability and pattern checks common to all entry points, and returns the
// configuration with IsTraining set.
func checkFlashAttention(cfg AttentionConfig, in Inputs, isTraining bool) (AttentionConfig, error) {
	cudnnVersion, err := CheckCapability(in.Query.Graph().Backend())
	if err != nil {
		return cfg, err
	}
	cfg.IsTraining = isTraining
	err = CheckIsFlashAttention(in.Query.Shape(), in.Key.Shape(), cfg.Layout, cudnnVersion, cfg.Variadic.HasBias, isTraining)
	return cfg, err
}

// Forward emits the fused attention in training mode. It returns the output and the residuals to use
// with Backward.
//
// The output has no gradient by itself: use Differentiable, or attach Backward with graph.CustomGradient.
func Forward(cfg AttentionConfig, in Inputs) (output *Node, residuals *Residuals, err error) {
	cfg, err = checkFlashAttention(cfg, in, true)
	if err != nil {
		return nil, nil, err
	}
	output, activation, err := EmitForward(cfg, in)
	if err != nil {
		return nil, nil, err
	}
	return output, &Residuals{Config: cfg, Inputs: in, Activation: activation, Output: output}, nil
}

// Inference emits the fused attention without the softmax statistics. Its output is not differentiable:
// taking its gradient panics.
func Inference(cfg AttentionConfig, in Inputs) (*Node, error) {
	cfg, err := checkFlashAttention(cfg, in, false)
	if err != nil {
		return nil, err
	}
	output, _, err := EmitForward(cfg, in)
	return output, err
}

// Backward emits the gradients of the fused attention given the residuals of Forward and the adjoint of
// its output.
func Backward(residuals *Residuals, gradOutput *Node) (Gradients, error) {
	if _, err := checkFlashAttention(residuals.Config, residuals.Inputs, true); err != nil {
		return Gradients{}, err
	}
	if !gradOutput.Shape().Equal(residuals.Output.Shape()) {
		return Gradients{}, errors.Wrapf(ErrShapeMismatch, "gradient of the output must be shaped %s, got %s",
			residuals.Output.Shape(), gradOutput.Shape())
	}
	return EmitBackward(residuals, gradOutput)
}

// Differentiable emits the fused attention in training mode, with Backward attached as its gradient.
func Differentiable(cfg AttentionConfig, in Inputs) (*Node, error) {
	output, residuals, err := Forward(cfg, in)
	if err != nil {
		return nil, err
	}
	return attachGradient(output, in, func(gradOutput *Node) (Gradients, error) {
		return Backward(residuals, gradOutput)
	}), nil
}

// attachGradient returns output with backwardFn as its gradient with respect to query, key, value and bias.
func attachGradient(output *Node, in Inputs, backwardFn func(gradOutput *Node) (Gradients, error)) *Node {
	diffInputs := []*Node{in.Query, in.Key, in.Value}
	if in.Bias != nil {
		diffInputs = append(diffInputs, in.Bias)
	}
	return CustomGradient(diffInputs, []*Node{output}, func(vjpOutputs []*Node) []*Node {
		grads, err := backwardFn(vjpOutputs[0])
		if err != nil {
			panic(errors.WithMessage(err, "fused attention backward"))
		}
		klog.V(2).Infof("fmha: backward emitted, bias gradient computed: %v", grads.Bias != nil)
		return grads.Padded()[:len(diffInputs)]
	})[0]
}
