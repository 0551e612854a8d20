// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gomlx/fmha/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Mask types, as written in the backend configuration.
const (
	MaskNone          = "NO_MASK"
	MaskPadding       = "PADDING"
	MaskCausal        = "CAUSAL"
	MaskPaddingCausal = "PADDING_CAUSAL"
	MaskALiBi         = "ALIBI"
)

// HasPadding returns whether the mask type requires the sequence lengths operands.
func HasPadding(maskType string) bool {
	return maskType == MaskPadding || maskType == MaskPaddingCausal
}

func isValidMaskType(maskType string) bool {
	switch maskType {
	case MaskNone, MaskPadding, MaskCausal, MaskPaddingCausal, MaskALiBi:
		return true
	}
	return false
}

// ConfigParams are the parameters of one fused attention call.
type ConfigParams struct {
	Batch, NumHeads, QSeqLen, KVSeqLen int
	DType                              dtypes.DType
	Scale, DropoutRate                 float64
	Seed                               int64
	MaskType                           string
	Layout                             backends.AxesLayout

	// SlidingWindowLength of 0 disables the sliding window.
	SlidingWindowLength int
	IsBackward          bool
}

// BackendConfig is the configuration document passed along to the custom call.
//
// The names and nesting of its fields are fixed by the kernel: changes are a compatibility break.
type BackendConfig struct {
	OperationQueueID      string     `json:"operation_queue_id"`
	WaitOnOperationQueues []string   `json:"wait_on_operation_queues"`
	FMHA                  FMHAConfig `json:"cudnn_fmha_backend_config"`
}

// FMHAConfig is the attention specific part of the BackendConfig.
type FMHAConfig struct {
	Algorithm               Algorithm   `json:"algorithm"`
	FMHAScale               float64     `json:"fmha_scale"`
	DropoutRate             float64     `json:"dropout_rate"`
	IntermediateTensorShape TensorShape `json:"intermediate_tensor_shape"`
	Seed                    int64       `json:"seed"`
	IsFlashAttention        bool        `json:"is_flash_attention"`
	MaskType                string      `json:"mask_type"`
	SlidingWindowLength     int         `json:"sliding_window_length"`

	// Forward only.
	BMM1 *DotDimensionNumbers `json:"bmm1_dot_dimension_numbers,omitempty"`
	BMM2 *DotDimensionNumbers `json:"bmm2_dot_dimension_numbers,omitempty"`

	// Backward only.
	BMM1GradGemm1 *DotDimensionNumbers `json:"bmm1_grad_gemm1_dot_dimension_numbers,omitempty"`
	BMM1GradGemm2 *DotDimensionNumbers `json:"bmm1_grad_gemm2_dot_dimension_numbers,omitempty"`
	BMM2GradGemm1 *DotDimensionNumbers `json:"bmm2_grad_gemm1_dot_dimension_numbers,omitempty"`
	BMM2GradGemm2 *DotDimensionNumbers `json:"bmm2_grad_gemm2_dot_dimension_numbers,omitempty"`
}

// Algorithm selects the kernel implementation. It is fixed for flash attention.
type Algorithm struct {
	AlgoID          string            `json:"algo_id"`
	MathType        string            `json:"math_type"`
	TuningKnobs     map[string]string `json:"tuning_knobs"`
	IsCuDNNFrontend bool              `json:"is_cudnn_frontend"`
	WorkspaceSize   string            `json:"workspace_size"`
}

// TensorShape describes the intermediate (B, N, T, S) attention matrix.
type TensorShape struct {
	ElementType        string      `json:"element_type"`
	Dimensions         []string    `json:"dimensions"`
	TupleShapes        []any       `json:"tuple_shapes"`
	Layout             ShapeLayout `json:"layout"`
	IsDynamicDimension []bool      `json:"is_dynamic_dimension"`
}

// ShapeLayout is the layout of TensorShape.
type ShapeLayout struct {
	DimLevelTypes                   []string `json:"dim_level_types"`
	DimUnique                       []bool   `json:"dim_unique"`
	DimOrdered                      []bool   `json:"dim_ordered"`
	MinorToMajor                    []string `json:"minor_to_major"`
	Tiles                           []any    `json:"tiles"`
	ElementSizeInBits               string   `json:"element_size_in_bits"`
	MemorySpace                     string   `json:"memory_space"`
	IndexPrimitiveType              string   `json:"index_primitive_type"`
	PointerPrimitiveType            string   `json:"pointer_primitive_type"`
	DynamicShapeMetadataPrefixBytes string   `json:"dynamic_shape_metadata_prefix_bytes"`
}

// DotDimensionNumbers is the wire form of DotDims: axes are written as strings.
type DotDimensionNumbers struct {
	LhsContractingDimensions []string `json:"lhs_contracting_dimensions"`
	RhsContractingDimensions []string `json:"rhs_contracting_dimensions"`
	LhsBatchDimensions       []string `json:"lhs_batch_dimensions"`
	RhsBatchDimensions       []string `json:"rhs_batch_dimensions"`
}

// ElementType returns the name of the dtype in the backend configuration.
func ElementType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float16:
		return "F16", nil
	case dtypes.BFloat16:
		return "BF16", nil
	}
	return "", errors.Errorf("dtype %s not supported by cuDNN fused attention, only Float16 and BFloat16", dtype)
}

// ParseElementType is the reverse of ElementType.
func ParseElementType(elementType string) (dtypes.DType, error) {
	switch elementType {
	case "F16":
		return dtypes.Float16, nil
	case "BF16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown element type %q in backend config", elementType)
}

func itoas(values ...int) []string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = strconv.Itoa(v)
	}
	return s
}

func atois(values []string) ([]int, error) {
	ints := make([]int, len(values))
	for i, s := range values {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q in backend config", s)
		}
		ints[i] = v
	}
	return ints, nil
}

func (d DotDims) wire() *DotDimensionNumbers {
	return &DotDimensionNumbers{
		LhsContractingDimensions: itoas(d.LhsContracting),
		RhsContractingDimensions: itoas(d.RhsContracting),
		LhsBatchDimensions:       itoas(d.LhsBatch[:]...),
		RhsBatchDimensions:       itoas(d.RhsBatch[:]...),
	}
}

// NewBackendConfig validates the parameters and creates the corresponding BackendConfig.
func NewBackendConfig(params ConfigParams) (*BackendConfig, error) {
	if params.Batch <= 0 || params.NumHeads <= 0 || params.QSeqLen <= 0 || params.KVSeqLen <= 0 {
		return nil, errors.Errorf("invalid attention dimensions batch=%d, heads=%d, q_seq_len=%d, kv_seq_len=%d: they must be positive",
			params.Batch, params.NumHeads, params.QSeqLen, params.KVSeqLen)
	}
	elementType, err := ElementType(params.DType)
	if err != nil {
		return nil, err
	}
	if params.DropoutRate < 0 || params.DropoutRate >= 1 {
		return nil, errors.Errorf("dropout rate must be in [0, 1), got %g", params.DropoutRate)
	}
	if params.SlidingWindowLength < 0 {
		return nil, errors.Errorf("sliding window length must be >= 0 (0 disables it), got %d", params.SlidingWindowLength)
	}
	if !isValidMaskType(params.MaskType) {
		return nil, errors.Errorf("unknown mask type %q", params.MaskType)
	}

	cfg := &BackendConfig{
		OperationQueueID:      "0",
		WaitOnOperationQueues: []string{},
		FMHA: FMHAConfig{
			Algorithm: Algorithm{
				AlgoID:          "0",
				MathType:        "TENSOR_OP_MATH",
				TuningKnobs:     map[string]string{"17": "1", "24": "0"},
				IsCuDNNFrontend: true,
				WorkspaceSize:   "0",
			},
			FMHAScale:   params.Scale,
			DropoutRate: params.DropoutRate,
			IntermediateTensorShape: TensorShape{
				ElementType: elementType,
				Dimensions:  itoas(params.Batch, params.NumHeads, params.QSeqLen, params.KVSeqLen),
				TupleShapes: []any{},
				Layout: ShapeLayout{
					DimLevelTypes:                   []string{},
					DimUnique:                       []bool{},
					DimOrdered:                      []bool{},
					MinorToMajor:                    itoas(DefaultLayout(4)...),
					Tiles:                           []any{},
					ElementSizeInBits:               "0",
					MemorySpace:                     "0",
					IndexPrimitiveType:              "PRIMITIVE_TYPE_INVALID",
					PointerPrimitiveType:            "PRIMITIVE_TYPE_INVALID",
					DynamicShapeMetadataPrefixBytes: "0",
				},
				IsDynamicDimension: []bool{false, false, false, false},
			},
			Seed:                params.Seed,
			IsFlashAttention:    true,
			MaskType:            params.MaskType,
			SlidingWindowLength: params.SlidingWindowLength,
		},
	}

	// All six are computed, only the ones of the direction of the call are written.
	table := DotDimensionTable(params.Layout)
	if params.IsBackward {
		cfg.FMHA.BMM1GradGemm1 = table[RoleBMM1GradGemm1].wire()
		cfg.FMHA.BMM1GradGemm2 = table[RoleBMM1GradGemm2].wire()
		cfg.FMHA.BMM2GradGemm1 = table[RoleBMM2GradGemm1].wire()
		cfg.FMHA.BMM2GradGemm2 = table[RoleBMM2GradGemm2].wire()
	} else {
		cfg.FMHA.BMM1 = table[RoleBMM1].wire()
		cfg.FMHA.BMM2 = table[RoleBMM2].wire()
	}
	return cfg, nil
}

// Marshal serializes the configuration to the JSON document passed to the custom call.
func (c *BackendConfig) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize cuDNN fused attention backend config")
	}
	return string(data), nil
}

// ParseBackendConfig decodes a backend configuration document.
func ParseBackendConfig(document string) (*BackendConfig, error) {
	cfg := &BackendConfig{}
	if err := json.Unmarshal([]byte(document), cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse cuDNN fused attention backend config")
	}
	if !cfg.FMHA.IsFlashAttention {
		return nil, errors.New("backend config is missing cudnn_fmha_backend_config or is_flash_attention is not set")
	}
	if len(cfg.FMHA.IntermediateTensorShape.Dimensions) != 4 {
		return nil, errors.Errorf("backend config intermediate_tensor_shape must have 4 dimensions, got %v",
			cfg.FMHA.IntermediateTensorShape.Dimensions)
	}
	if cfg.IsBackward() == (cfg.FMHA.BMM1 != nil) {
		return nil, errors.New("backend config must have either the forward or the backward dot dimension numbers")
	}
	return cfg, nil
}

// IsBackward returns whether the configuration is for the backward (gradient) call.
func (c *BackendConfig) IsBackward() bool {
	return c.FMHA.BMM1GradGemm1 != nil
}

// Dims returns the batch size, the number of heads and the sequence lengths of queries and keys.
func (c *BackendConfig) Dims() (batch, numHeads, qSeqLen, kvSeqLen int, err error) {
	var dims []int
	dims, err = atois(c.FMHA.IntermediateTensorShape.Dimensions)
	if err != nil {
		return
	}
	if len(dims) != 4 {
		err = errors.Errorf("intermediate tensor must have 4 dimensions, got %v", dims)
		return
	}
	return dims[0], dims[1], dims[2], dims[3], nil
}

// DType returns the dtype of the inputs of the call.
func (c *BackendConfig) DType() (dtypes.DType, error) {
	return ParseElementType(c.FMHA.IntermediateTensorShape.ElementType)
}

// Layout returns the axes layout of query, key and value, recovered from the first dot dimension numbers.
func (c *BackendConfig) Layout() (backends.AxesLayout, error) {
	dims := c.FMHA.BMM1
	if dims == nil {
		dims = c.FMHA.BMM2GradGemm2
	}
	if dims == nil {
		return 0, errors.New("backend config has no dot dimension numbers")
	}
	batchAxes, err := atois(dims.LhsBatchDimensions)
	if err != nil {
		return 0, err
	}
	for _, layout := range []backends.AxesLayout{backends.AxesLayoutBHSD, backends.AxesLayoutBSHD} {
		table := DotDimensionTable(layout)
		if len(batchAxes) == 2 && batchAxes[0] == table[RoleBMM1].LhsBatch[0] && batchAxes[1] == table[RoleBMM1].LhsBatch[1] {
			return layout, nil
		}
	}
	return 0, errors.Errorf("backend config dot dimension numbers %+v don't match any known layout", *dims)
}
