// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/fmha/backends/cudnn"
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Operand identifies the role of an operand of the fused attention custom calls.
type Operand int

const (
	OperandQuery Operand = iota
	OperandKey
	OperandValue
	OperandBias
	OperandQSeqLen
	OperandKVSeqLen
	OperandActivation
	OperandGradOutput
	OperandOutput
	numOperandRoles
)

var operandNames = [numOperandRoles]string{
	"query", "key", "value", "bias", "q_seqlen", "kv_seqlen", "activation", "grad_output", "output"}

// String implements fmt.Stringer.
func (o Operand) String() string {
	if o < 0 || o >= numOperandRoles {
		return "UnknownOperand"
	}
	return operandNames[o]
}

// Inputs are the nodes of one attention call. Bias, QSeqLen and KVSeqLen are optional (nil).
type Inputs struct {
	Query, Key, Value *Node
	Bias              *Node
	QSeqLen, KVSeqLen *Node
}

func nodeShape(node *Node) shapes.Shape {
	if node == nil {
		return shapes.Invalid()
	}
	return node.Shape()
}

// Shapes returns the shapes of the inputs.
func (in Inputs) Shapes() InputShapes {
	return InputShapes{
		Query:    nodeShape(in.Query),
		Key:      nodeShape(in.Key),
		Value:    nodeShape(in.Value),
		Bias:     nodeShape(in.Bias),
		QSeqLen:  nodeShape(in.QSeqLen),
		KVSeqLen: nodeShape(in.KVSeqLen),
	}
}

// CallPlan is the full description of one custom call: target, backend configuration, the ordered operands and
// results with their layouts. It's computed from shapes only, so it can be inspected without a graph.
type CallPlan struct {
	Target        cudnn.Target
	BackendConfig string

	Operands       []Operand
	OperandShapes  []shapes.Shape
	OperandLayouts [][]int

	// ResultShapes include the trailing workspace, a Uint8[0] placeholder that is dropped.
	ResultShapes  []shapes.Shape
	ResultLayouts [][]int

	// Transpose is applied to the first NumTransposed results, converting them from the kernel's
	// (batch, heads, seq, head_dim) to the layout of the call.
	Transpose     []int
	NumTransposed int
}

func (p *CallPlan) addOperand(role Operand, shape shapes.Shape) {
	p.Operands = append(p.Operands, role)
	p.OperandShapes = append(p.OperandShapes, shape)
	p.OperandLayouts = append(p.OperandLayouts, cudnn.DefaultLayout(shape.Rank()))
}

func (p *CallPlan) addResult(shape shapes.Shape, layout []int) {
	p.ResultShapes = append(p.ResultShapes, shape)
	p.ResultLayouts = append(p.ResultLayouts, layout)
}

// NumResults returns the number of results used, that is, excluding the workspace.
func (p *CallPlan) NumResults() int { return len(p.ResultShapes) - 1 }

// CustomCallConfig returns the configuration passed to graph.CustomCall.
func (p *CallPlan) CustomCallConfig() backends.CustomCallConfig {
	return backends.CustomCallConfig{
		Target:         p.Target.String(),
		BackendConfig:  p.BackendConfig,
		OperandLayouts: p.OperandLayouts,
		ResultShapes:   p.ResultShapes,
		ResultLayouts:  p.ResultLayouts,
	}
}

func marshalBackendConfig(cfg AttentionConfig, isBackward bool) (string, error) {
	backendConfig, err := cudnn.NewBackendConfig(cfg.backendParams(isBackward))
	if err != nil {
		return "", errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	return backendConfig.Marshal()
}

// PlanForward returns the plan of the forward call: operands (query, key, value, [bias], [q_seqlen, kv_seqlen]),
// results (output, [softmax statistics if training], workspace).
func PlanForward(cfg AttentionConfig, in InputShapes) (*CallPlan, error) {
	var err error
	plan := &CallPlan{
		Target:        cudnn.TargetFor(false, cfg.DropoutRate > 0, cfg.Variadic.HasBias),
		Transpose:     cudnn.OutputTranspose(cfg.Layout.AxesLayout()),
		NumTransposed: 1,
	}
	plan.BackendConfig, err = marshalBackendConfig(cfg, false)
	if err != nil {
		return nil, err
	}
	plan.addOperand(OperandQuery, in.Query)
	plan.addOperand(OperandKey, in.Key)
	plan.addOperand(OperandValue, in.Value)
	if cfg.Variadic.HasBias {
		plan.addOperand(OperandBias, in.Bias)
	}
	if cfg.MaskType.HasPadding() {
		plan.addOperand(OperandQSeqLen, in.QSeqLen)
		plan.addOperand(OperandKVSeqLen, in.KVSeqLen)
	}

	plan.addResult(shapes.Make(cfg.DType, cfg.Batch, cfg.NumHeads, cfg.QSeqLen, cfg.HeadDim),
		cudnn.NativeLayout(cfg.Layout.AxesLayout()))
	if cfg.IsTraining {
		plan.addResult(activationShape(cfg), cudnn.DefaultLayout(3))
	}
	plan.addResult(shapes.Make(dtypes.Uint8, 0), cudnn.DefaultLayout(1))
	return plan, nil
}

// activationShape is the shape of the softmax statistics saved by the forward call for the backward call.
func activationShape(cfg AttentionConfig) shapes.Shape {
	return shapes.Make(dtypes.Float32, cfg.Batch, cfg.NumHeads, cfg.QSeqLen)
}

// PlanBackward returns the plan of the backward call: operands (query, key, value, activation, grad_output,
// [bias], output, [q_seqlen, kv_seqlen]), results (dQuery, dKey, dValue, [dBias], workspace).
func PlanBackward(cfg AttentionConfig, in InputShapes) (*CallPlan, error) {
	var err error
	plan := &CallPlan{
		Target:        cudnn.TargetFor(true, cfg.DropoutRate > 0, cfg.Variadic.HasBias),
		Transpose:     cudnn.OutputTranspose(cfg.Layout.AxesLayout()),
		NumTransposed: 3,
	}
	plan.BackendConfig, err = marshalBackendConfig(cfg, true)
	if err != nil {
		return nil, err
	}
	plan.addOperand(OperandQuery, in.Query)
	plan.addOperand(OperandKey, in.Key)
	plan.addOperand(OperandValue, in.Value)
	plan.addOperand(OperandActivation, activationShape(cfg))
	plan.addOperand(OperandGradOutput, in.Query)
	if cfg.Variadic.HasBias {
		plan.addOperand(OperandBias, in.Bias)
	}
	plan.addOperand(OperandOutput, in.Query)
	if cfg.MaskType.HasPadding() {
		plan.addOperand(OperandQSeqLen, in.QSeqLen)
		plan.addOperand(OperandKVSeqLen, in.KVSeqLen)
	}

	nativeLayout := cudnn.NativeLayout(cfg.Layout.AxesLayout())
	plan.addResult(shapes.Make(cfg.DType, cfg.Batch, cfg.NumHeads, cfg.QSeqLen, cfg.HeadDim), nativeLayout)
	kvShape := shapes.Make(cfg.DType, cfg.Batch, cfg.NumKVHeads, cfg.KVSeqLen, cfg.HeadDim)
	plan.addResult(kvShape, nativeLayout)
	plan.addResult(kvShape.Clone(), nativeLayout)
	if cfg.Variadic.HasDBias {
		plan.addResult(in.Bias.Clone(), cudnn.DefaultLayout(4))
	}
	plan.addResult(shapes.Make(dtypes.Uint8, 0), cudnn.DefaultLayout(1))
	return plan, nil
}

// checkEmitter returns an error wrapping ErrUnsupported if the backend can't run the fused kernels.
func checkEmitter(g *Graph) error {
	if _, ok := backends.IsAccelerator(g.Backend()); !ok {
		return errors.Wrapf(ErrUnsupported, "fused attention requires a CUDA backend, %q is not", g.Backend().Name())
	}
	return nil
}

// emit builds the custom call of the plan with the given nodes, indexed by Operand, and returns the results
// used (without the workspace) with the transposition applied.
func emit(plan *CallPlan, nodes [numOperandRoles]*Node) (results []*Node, err error) {
	operands := make([]*Node, len(plan.Operands))
	for ii, role := range plan.Operands {
		node := nodes[role]
		if node == nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s call requires the %s operand", plan.Target, role)
		}
		if !node.Shape().Equal(plan.OperandShapes[ii]) {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s call: operand %s must be shaped %s, got %s",
				plan.Target, role, plan.OperandShapes[ii], node.Shape())
		}
		operands[ii] = node
	}
	klog.V(2).Infof("fmha: emitting %s with backend config %s", plan.Target, plan.BackendConfig)
	err = exceptions.TryCatch[error](func() {
		results = CustomCall(operands, plan.CustomCallConfig())[:plan.NumResults()]
		for ii := range plan.NumTransposed {
			results[ii] = TransposeAllAxes(results[ii], plan.Transpose...)
		}
	})
	if err != nil {
		if errors.Is(err, backends.ErrNotImplemented) {
			return nil, errors.Wrapf(ErrUnsupported, "%v", err)
		}
		return nil, errors.WithMessagef(err, "failed to emit %s", plan.Target)
	}
	return results, nil
}

// EmitForward emits the forward custom call. It returns the output, in the layout of the query, and the
// softmax statistics (activation) if cfg.IsTraining, or nil otherwise.
func EmitForward(cfg AttentionConfig, in Inputs) (output, activation *Node, err error) {
	if err = checkEmitter(in.Query.Graph()); err != nil {
		return nil, nil, err
	}
	plan, err := PlanForward(cfg, in.Shapes())
	if err != nil {
		return nil, nil, err
	}
	var nodes [numOperandRoles]*Node
	nodes[OperandQuery], nodes[OperandKey], nodes[OperandValue] = in.Query, in.Key, in.Value
	nodes[OperandBias], nodes[OperandQSeqLen], nodes[OperandKVSeqLen] = in.Bias, in.QSeqLen, in.KVSeqLen
	results, err := emit(plan, nodes)
	if err != nil {
		return nil, nil, err
	}
	output = results[0]
	if cfg.IsTraining {
		activation = results[1]
	}
	return output, activation, nil
}

// EmitBackward emits the backward custom call for the residuals of a forward call and the adjoint of its output.
func EmitBackward(res *Residuals, gradOutput *Node) (Gradients, error) {
	in := res.Inputs
	if err := checkEmitter(in.Query.Graph()); err != nil {
		return Gradients{}, err
	}
	plan, err := PlanBackward(res.Config, in.Shapes())
	if err != nil {
		return Gradients{}, err
	}
	var nodes [numOperandRoles]*Node
	nodes[OperandQuery], nodes[OperandKey], nodes[OperandValue] = in.Query, in.Key, in.Value
	nodes[OperandBias], nodes[OperandQSeqLen], nodes[OperandKVSeqLen] = in.Bias, in.QSeqLen, in.KVSeqLen
	nodes[OperandActivation], nodes[OperandGradOutput], nodes[OperandOutput] = res.Activation, gradOutput, res.Output
	results, err := emit(plan, nodes)
	if err != nil {
		return Gradients{}, err
	}
	grads := Gradients{Query: results[0], Key: results[1], Value: results[2]}
	if res.Config.Variadic.HasDBias {
		grads.Bias = results[3]
	}
	return grads, nil
}
