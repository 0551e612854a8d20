// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fmha/pkg/core/distributed"
	. "github.com/gomlx/fmha/pkg/core/graph"
	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Partitioning of the fused attention across a device mesh (SPMD).
//
// Only the batch axes and the heads axis can be sharded, and query, key and value must be sharded the same way.
// The bias, if sharded on its batch or heads axes, must be sharded as the query. Each device then runs the
// fused attention on its local shards. The only communication is in the backward pass: when the bias is
// shared by the examples of a sharded batch, its gradient is summed across the shards.

// ArgInfo describes a global (logical) operand of a partitioned call: its shape and sharding.
// A nil Sharding means replicated.
type ArgInfo struct {
	Shape    shapes.Shape
	Sharding *distributed.ShardingSpec
}

// PartitionArgs are the operands of a partitioned fused attention. Bias, QSeqLen and KVSeqLen are optional,
// with invalid shapes (shapes.Invalid()) when absent.
type PartitionArgs struct {
	Query, Key, Value ArgInfo
	Bias              ArgInfo
	QSeqLen, KVSeqLen ArgInfo
}

// Partitioned is a fused attention call split across the devices of Mesh.
type Partitioned struct {
	Mesh *distributed.DeviceMesh

	// ArgShardings are the padded shardings of the arguments of Impl, in order.
	ArgShardings []*distributed.ShardingSpec

	// OutShardings are the shardings of the outputs of Impl, in order.
	OutShardings []*distributed.ShardingSpec

	// Impl is the per-device computation: it takes the local shards of the arguments and returns the local
	// shards of the outputs. It can be used as the function of a graph.Exec configured with Mesh.
	Impl ExecGraphFn
}

// PaddedSpec returns spec with exactly rank axes, the missing ones replicated. A nil spec is fully replicated.
func PaddedSpec(mesh *distributed.DeviceMesh, spec *distributed.ShardingSpec, rank int) (*distributed.ShardingSpec, error) {
	if spec == nil {
		spec = distributed.NewReplicatedShardingSpec(mesh)
	} else if spec.Mesh != mesh {
		return nil, errors.Wrapf(ErrShardingPolicy, "sharding %s is not over the mesh %s", spec, mesh)
	}
	padded, err := spec.Padded(rank)
	if err != nil {
		return nil, errors.Wrapf(ErrShardingPolicy, "%v", err)
	}
	return padded, nil
}

// attentionAxes returns the batch axes, and the sequence and heads axes of a query, key or value of the given
// rank: all axes before the last 3 are batch axes.
func attentionAxes(rank int, layout Layout) (batchAxes []int, seqAxis, headsAxis int) {
	numBatchAxes := rank - 3
	for axis := range numBatchAxes {
		batchAxes = append(batchAxes, axis)
	}
	return batchAxes, numBatchAxes - 1 + layout.SeqAxis(), numBatchAxes - 1 + layout.HeadsAxis()
}

// isSharded returns whether any of the axes of spec is sharded.
func isSharded(spec *distributed.ShardingSpec, axes ...int) bool {
	for _, axis := range axes {
		if len(spec.Axis(axis)) > 0 {
			return true
		}
	}
	return false
}

// CheckQKVBiasSpec validates the padded shardings of query, key, value and, if not nil, bias.
//
// Query, key and value must be sharded the same way, and not on the sequence or head dimension axes.
// If the bias is sharded on its batch axes or heads axis, they must match the query's. Its sequence axes
// can't be sharded.
func CheckQKVBiasSpec(layout Layout, query, key, value, bias *distributed.ShardingSpec) error {
	if !query.Equal(key) || !query.Equal(value) {
		return errors.Wrapf(ErrShardingPolicy, "query, key and value must have the same sharding, got %s, %s and %s",
			query, key, value)
	}
	rank := len(query.Axes)
	batchAxes, seqAxis, headsAxis := attentionAxes(rank, layout)
	if isSharded(query, seqAxis) {
		return errors.Wrapf(ErrShardingPolicy, "sharding on the sequence axis is not allowed, got %s", query)
	}
	if isSharded(query, rank-1) {
		return errors.Wrapf(ErrShardingPolicy, "sharding on the head dimension axis is not allowed, got %s", query)
	}
	if bias == nil {
		return nil
	}
	biasRank := len(bias.Axes)
	biasBatchAxes := biasRank - 3
	if isSharded(bias, biasRank-2, biasRank-1) {
		return errors.Wrapf(ErrShardingPolicy, "sharding on the bias sequence axes is not allowed, got %s", bias)
	}
	biasHeads := bias.Axis(biasRank - 3)
	sameBatch := biasBatchAxes == len(batchAxes)
	for ii := 0; sameBatch && ii < biasBatchAxes; ii++ {
		sameBatch = slices.Equal(bias.Axis(ii), query.Axis(batchAxes[ii]))
	}
	if biasBatchAxes > 0 && isSharded(bias, rangeAxes(biasBatchAxes)...) && !sameBatch ||
		len(biasHeads) > 0 && !slices.Equal(biasHeads, query.Axis(headsAxis)) {
		return errors.Wrapf(ErrShardingPolicy, "query %s and bias %s must have the same sharding on the batch and heads axes",
			query, bias)
	}
	return nil
}

func rangeAxes(n int) []int {
	axes := make([]int, n)
	for ii := range axes {
		axes[ii] = ii
	}
	return axes
}

// partitionPlan holds the validated shardings of a partitioned call.
type partitionPlan struct {
	query, key, value, bias *distributed.ShardingSpec
	qSeqLen, kvSeqLen       *distributed.ShardingSpec
	activation              *distributed.ShardingSpec
	variadic                VariadicArgs
	hasPadding              bool

	// dbiasReplicaGroups is set if the bias gradient must be summed across shards.
	dbiasReplicaGroups [][]int
}

// trailingShape returns a shape with the last n axes of shape.
func trailingShape(shape shapes.Shape, n int) shapes.Shape {
	return shapes.Make(shape.DType, shape.Dimensions[shape.Rank()-n:]...)
}

func newPartitionPlan(mesh *distributed.DeviceMesh, opts Options, args PartitionArgs) (*partitionPlan, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if args.Query.Shape.Rank() < 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "query must have rank >= 4, got %s", args.Query.Shape)
	}
	p := &partitionPlan{hasPadding: opts.MaskType.HasPadding()}
	var err error
	if p.query, err = PaddedSpec(mesh, args.Query.Sharding, args.Query.Shape.Rank()); err != nil {
		return nil, err
	}
	if p.key, err = PaddedSpec(mesh, args.Key.Sharding, args.Key.Shape.Rank()); err != nil {
		return nil, err
	}
	if p.value, err = PaddedSpec(mesh, args.Value.Sharding, args.Value.Shape.Rank()); err != nil {
		return nil, err
	}
	if args.Bias.Shape.Ok() {
		if args.Bias.Shape.Rank() < 4 {
			return nil, errors.Wrapf(ErrShapeMismatch, "bias must have rank >= 4, got %s", args.Bias.Shape)
		}
		if p.bias, err = PaddedSpec(mesh, args.Bias.Sharding, args.Bias.Shape.Rank()); err != nil {
			return nil, err
		}
		p.variadic = NewVariadicArgs(trailingShape(args.Query.Shape, 4), trailingShape(args.Bias.Shape, 4), opts.Layout)
	}
	if err = CheckQKVBiasSpec(opts.Layout, p.query, p.key, p.value, p.bias); err != nil {
		return nil, err
	}

	rank := args.Query.Shape.Rank()
	batchAxes, seqAxis, headsAxis := attentionAxes(rank, opts.Layout)
	if p.hasPadding {
		for _, seqLen := range []struct {
			arg  ArgInfo
			spec **distributed.ShardingSpec
		}{{args.QSeqLen, &p.qSeqLen}, {args.KVSeqLen, &p.kvSeqLen}} {
			if !seqLen.arg.Shape.Ok() {
				return nil, errors.Wrapf(ErrInvalidConfig, "mask type %s requires the sequence lengths", opts.MaskType)
			}
			if *seqLen.spec, err = PaddedSpec(mesh, seqLen.arg.Sharding, seqLen.arg.Shape.Rank()); err != nil {
				return nil, err
			}
			// Sequence lengths axes are aligned with the last batch axes of the query.
			offset := len(batchAxes) - len((*seqLen.spec).Axes)
			for ii := range (*seqLen.spec).Axes {
				if offset < 0 || !slices.Equal((*seqLen.spec).Axis(ii), p.query.Axis(batchAxes[offset+ii])) {
					return nil, errors.Wrapf(ErrShardingPolicy, "sequence lengths %s must be sharded as the query batch axes %s",
						*seqLen.spec, p.query)
				}
			}
		}
	}

	// Activation: (*batch, heads, seq).
	activationAxes := make([]distributed.AxisSpec, 0, len(batchAxes)+2)
	var batchMeshAxes []string
	for _, axis := range batchAxes {
		activationAxes = append(activationAxes, slices.Clone(p.query.Axis(axis)))
		batchMeshAxes = append(batchMeshAxes, p.query.Axis(axis)...)
	}
	activationAxes = append(activationAxes, slices.Clone(p.query.Axis(headsAxis)), slices.Clone(p.query.Axis(seqAxis)))
	p.activation = &distributed.ShardingSpec{Mesh: mesh, Axes: activationAxes}

	if p.bias != nil {
		if err = p.checkBiasShards(args, batchAxes, headsAxis); err != nil {
			return nil, err
		}
		biasBatchAxes := rangeAxes(len(p.bias.Axes) - 3)
		if p.variadic.HasDBias && len(batchMeshAxes) > 0 && !isSharded(p.bias, biasBatchAxes...) {
			p.dbiasReplicaGroups, err = mesh.ComputeReplicaGroups(batchMeshAxes)
			if err != nil {
				return nil, errors.Wrapf(ErrShardingPolicy, "%v", err)
			}
		}
	}
	return p, nil
}

// checkBiasShards checks that the local shards of the bias are compatible with the local shards of the query:
// a bias replicated on an axis where the query is sharded must have dimension 1 on that axis.
func (p *partitionPlan) checkBiasShards(args PartitionArgs, batchAxes []int, headsAxis int) error {
	biasDims := args.Bias.Shape.Dimensions
	biasRank := len(biasDims)
	offset := len(batchAxes) - (biasRank - 3)
	for ii, queryAxis := range batchAxes {
		biasAxis := ii - offset
		if biasAxis < 0 || !isSharded(p.query, queryAxis) || isSharded(p.bias, biasAxis) {
			continue
		}
		if biasDims[biasAxis] != 1 {
			return errors.Wrapf(ErrShardingPolicy,
				"bias %s is replicated on batch axis #%d where the query is sharded (%s): it must have dimension 1",
				args.Bias.Shape, biasAxis, p.query)
		}
	}
	if isSharded(p.query, headsAxis) && !isSharded(p.bias, biasRank-3) && biasDims[biasRank-3] != 1 {
		return errors.Wrapf(ErrShardingPolicy,
			"bias %s is replicated on the heads axis where the query is sharded (%s): it must have 1 head",
			args.Bias.Shape, p.query)
	}
	return nil
}

// inputSpecs returns the shardings of the inputs present, in call order.
func (p *partitionPlan) inputSpecs() []*distributed.ShardingSpec {
	specs := []*distributed.ShardingSpec{p.query, p.key, p.value}
	if p.bias != nil {
		specs = append(specs, p.bias)
	}
	if p.hasPadding {
		specs = append(specs, p.qSeqLen, p.kvSeqLen)
	}
	return specs
}

// inputsFromArgs returns the Inputs from the local arguments, in the order of inputSpecs, and the number of
// arguments used.
func (p *partitionPlan) inputsFromArgs(args []*Node) (in Inputs, numArgs int) {
	in.Query, in.Key, in.Value = args[0], args[1], args[2]
	numArgs = 3
	if p.bias != nil {
		in.Bias = args[numArgs]
		numArgs++
	}
	if p.hasPadding {
		in.QSeqLen, in.KVSeqLen = args[numArgs], args[numArgs+1]
		numArgs += 2
	}
	return
}

// InferForwardShardings returns the shardings of the outputs of the forward call: the output is sharded as
// the query and, if isTraining, the activation (softmax statistics) as (*batch, heads, seq) of the query.
func InferForwardShardings(mesh *distributed.DeviceMesh, opts Options, args PartitionArgs, isTraining bool) ([]*distributed.ShardingSpec, error) {
	p, err := newPartitionPlan(mesh, opts, args)
	if err != nil {
		return nil, err
	}
	return p.forwardOutShardings(isTraining), nil
}

func (p *partitionPlan) forwardOutShardings(isTraining bool) []*distributed.ShardingSpec {
	if isTraining {
		return []*distributed.ShardingSpec{p.query, p.activation}
	}
	return []*distributed.ShardingSpec{p.query}
}

// InferBackwardShardings returns the shardings of the gradients: query, key and value gradients are sharded as
// the query and key, and the bias gradient, if computed, as the bias.
func InferBackwardShardings(mesh *distributed.DeviceMesh, opts Options, args PartitionArgs) ([]*distributed.ShardingSpec, error) {
	p, err := newPartitionPlan(mesh, opts, args)
	if err != nil {
		return nil, err
	}
	return p.backwardOutShardings(), nil
}

func (p *partitionPlan) backwardOutShardings() []*distributed.ShardingSpec {
	specs := []*distributed.ShardingSpec{p.query, p.key, p.key}
	if p.variadic.HasDBias {
		specs = append(specs, p.bias)
	}
	return specs
}

// forwardLocal runs the forward fused attention on local operands, with or without leading batch axes.
func forwardLocal(opts Options, in Inputs, isTraining bool) (output, activation *Node, err error) {
	if in.Query.Rank() > 4 {
		var residuals *BatchedResiduals
		output, residuals, err = BatchForward(opts, in, AllBatched(in), isTraining)
		if err == nil && residuals != nil {
			activation = residuals.Activation
		}
		return
	}
	cfg, err := NewAttentionConfig(opts, in.Shapes(), isTraining)
	if err != nil {
		return nil, nil, err
	}
	if !isTraining {
		output, err = Inference(cfg, in)
		return
	}
	var residuals *Residuals
	output, residuals, err = Forward(cfg, in)
	if err == nil {
		activation = residuals.Activation
	}
	return
}

// backwardLocal runs the backward fused attention on local operands, with or without leading batch axes.
func backwardLocal(opts Options, in Inputs, activation, output, gradOutput *Node) (Gradients, error) {
	if in.Query.Rank() > 4 {
		return BatchBackward(&BatchedResiduals{
			Options: opts, Inputs: in, Dims: AllBatched(in), Activation: activation, Output: output,
		}, gradOutput)
	}
	cfg, err := NewAttentionConfig(opts, in.Shapes(), true)
	if err != nil {
		return Gradients{}, err
	}
	return Backward(&Residuals{Config: cfg, Inputs: in, Activation: activation, Output: output}, gradOutput)
}

// PartitionForward partitions the forward call across mesh. The arguments of Impl are query, key, value, and
// the optional bias, q_seqlen and kv_seqlen if present. Its outputs are the output and, if isTraining,
// the activation.
//
// With dropout, each shard draws its dropout mask from its local batch and head indices: the result equals
// running the attention on each shard on its own, not the unpartitioned call.
func PartitionForward(mesh *distributed.DeviceMesh, opts Options, args PartitionArgs, isTraining bool) (*Partitioned, error) {
	p, err := newPartitionPlan(mesh, opts, args)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("fmha: forward partitioned over %s, query sharding %s", mesh, p.query)
	return &Partitioned{
		Mesh:         mesh,
		ArgShardings: p.inputSpecs(),
		OutShardings: p.forwardOutShardings(isTraining),
		Impl: func(g *Graph, localArgs []*Node) []*Node {
			in, _ := p.inputsFromArgs(localArgs)
			output, activation, err := forwardLocal(opts, in, isTraining)
			if err != nil {
				panic(errors.WithMessage(err, "partitioned fused attention"))
			}
			if isTraining {
				return []*Node{output, activation}
			}
			return []*Node{output}
		},
	}, nil
}

// PartitionBackward partitions the backward call across mesh. The arguments of Impl are the ones of the
// forward Impl followed by the activation, the forward output and the gradient of the output. Its outputs
// are the gradients of query, key, value and, if computed, bias.
//
// When the bias is shared by the examples of a sharded batch, its local gradients are summed across
// the batch shards.
func PartitionBackward(mesh *distributed.DeviceMesh, opts Options, args PartitionArgs) (*Partitioned, error) {
	p, err := newPartitionPlan(mesh, opts, args)
	if err != nil {
		return nil, err
	}
	argShardings := append(p.inputSpecs(), p.activation, p.query, p.query)
	klog.V(1).Infof("fmha: backward partitioned over %s, query sharding %s, bias gradient groups %v",
		mesh, p.query, p.dbiasReplicaGroups)
	return &Partitioned{
		Mesh:         mesh,
		ArgShardings: argShardings,
		OutShardings: p.backwardOutShardings(),
		Impl: func(g *Graph, localArgs []*Node) []*Node {
			in, numArgs := p.inputsFromArgs(localArgs)
			if len(localArgs) != numArgs+3 {
				exceptions.Panicf("partitioned fused attention backward takes %d arguments, got %d",
					numArgs+3, len(localArgs))
			}
			activation, output, gradOutput := localArgs[numArgs], localArgs[numArgs+1], localArgs[numArgs+2]
			grads, err := backwardLocal(opts, in, activation, output, gradOutput)
			if err != nil {
				panic(errors.WithMessage(err, "partitioned fused attention backward"))
			}
			results := []*Node{grads.Query, grads.Key, grads.Value}
			if p.variadic.HasDBias {
				dbias := grads.Bias
				if p.dbiasReplicaGroups != nil {
					dbias = AllReduceSum(dbias, p.dbiasReplicaGroups)
				}
				results = append(results, dbias)
			}
			return results
		},
	}, nil
}
