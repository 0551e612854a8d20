// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strings"

	"github.com/gomlx/fmha/pkg/core/shapes"
	"github.com/gomlx/fmha/pkg/ml/layers/attention/fmha"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Case is one attention configuration to inspect, as read from the YAML configuration file.
type Case struct {
	Name       string  `yaml:"name"`
	DType      string  `yaml:"dtype"`
	Layout     string  `yaml:"layout"`
	Batch      int     `yaml:"batch"`
	QSeqLen    int     `yaml:"q_seq_len"`
	KVSeqLen   int     `yaml:"kv_seq_len"`
	NumHeads   int     `yaml:"num_heads"`
	NumKVHeads int     `yaml:"num_kv_heads"`
	HeadDim    int     `yaml:"head_dim"`
	Mask       string  `yaml:"mask"`
	Scale      float64 `yaml:"scale"`
	Dropout    float64 `yaml:"dropout"`
	Seed       *int64  `yaml:"seed"`
	Window     int     `yaml:"sliding_window"`
	Training   bool    `yaml:"training"`

	// Bias dimensions, if any: [1 or batch, 1 or num_heads, q_seq_len, kv_seq_len].
	Bias []int `yaml:"bias"`
}

// Config is the content of the configuration file.
type Config struct {
	Cases []Case `yaml:"cases"`
}

// DefaultCases are used if no configuration file is given.
var DefaultCases = []Case{
	{Name: "causal-lm", DType: "float16", Layout: "BTNH", Batch: 4, QSeqLen: 512, KVSeqLen: 512, NumHeads: 16,
		NumKVHeads: 16, HeadDim: 64, Mask: "CAUSAL", Training: true},
	{Name: "gqa-bias", DType: "bfloat16", Layout: "BNTH", Batch: 2, QSeqLen: 256, KVSeqLen: 1024, NumHeads: 32,
		NumKVHeads: 8, HeadDim: 128, Bias: []int{1, 32, 256, 1024}, Dropout: 0.1, Training: true},
	{Name: "padded-inference", DType: "float16", Layout: "BTNH", Batch: 8, QSeqLen: 128, KVSeqLen: 128, NumHeads: 8,
		NumKVHeads: 8, HeadDim: 64, Mask: "PADDING_CAUSAL"},
}

// LoadConfig reads the configuration file.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	return ParseConfig(contents)
}

// ParseConfig parses the YAML configuration.
func ParseConfig(contents []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if len(config.Cases) == 0 {
		return nil, errors.New("configuration has no cases")
	}
	return config, nil
}

// Options returns the attention options of the case.
func (c *Case) Options() (fmha.Options, error) {
	opts := fmha.DefaultOptions()
	var err error
	if c.Layout != "" {
		if opts.Layout, err = fmha.ParseLayout(c.Layout); err != nil {
			return opts, err
		}
	}
	if c.Mask != "" {
		if opts.MaskType, err = fmha.ParseMaskType(c.Mask); err != nil {
			return opts, err
		}
	}
	if c.Scale != 0 {
		opts.Scale = c.Scale
	}
	if c.Seed != nil {
		opts.Seed = *c.Seed
	}
	opts.DropoutRate = c.Dropout
	opts.SlidingWindowLength = c.Window
	return opts, opts.Validate()
}

// Shapes returns the shapes of the operands of the case.
func (c *Case) Shapes(layout fmha.Layout) (fmha.InputShapes, error) {
	var dtype dtypes.DType
	switch strings.ToLower(c.DType) {
	case "", "float16", "f16":
		dtype = dtypes.Float16
	case "bfloat16", "bf16":
		dtype = dtypes.BFloat16
	default:
		return fmha.InputShapes{}, errors.Errorf("case %q: unsupported dtype %q", c.Name, c.DType)
	}
	numKVHeads := c.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = c.NumHeads
	}
	qkv := func(seqLen, numHeads int) shapes.Shape {
		if layout == fmha.LayoutBNTH {
			return shapes.Make(dtype, c.Batch, numHeads, seqLen, c.HeadDim)
		}
		return shapes.Make(dtype, c.Batch, seqLen, numHeads, c.HeadDim)
	}
	in := fmha.InputShapes{
		Query:    qkv(c.QSeqLen, c.NumHeads),
		Key:      qkv(c.KVSeqLen, numKVHeads),
		Value:    qkv(c.KVSeqLen, numKVHeads),
		Bias:     shapes.Invalid(),
		QSeqLen:  shapes.Invalid(),
		KVSeqLen: shapes.Invalid(),
	}
	if len(c.Bias) > 0 {
		in.Bias = shapes.Make(dtype, c.Bias...)
	}
	return in, nil
}

// AttentionConfig returns the validated configuration of the case.
func (c *Case) AttentionConfig() (fmha.AttentionConfig, fmha.InputShapes, error) {
	opts, err := c.Options()
	if err != nil {
		return fmha.AttentionConfig{}, fmha.InputShapes{}, errors.WithMessagef(err, "case %q", c.Name)
	}
	in, err := c.Shapes(opts.Layout)
	if err != nil {
		return fmha.AttentionConfig{}, fmha.InputShapes{}, err
	}
	if opts.MaskType.HasPadding() {
		in.QSeqLen = shapes.Make(dtypes.Int32, c.Batch)
		in.KVSeqLen = shapes.Make(dtypes.Int32, c.Batch)
	}
	cfg, err := fmha.NewAttentionConfig(opts, in, c.Training)
	if err != nil {
		return fmha.AttentionConfig{}, fmha.InputShapes{}, errors.WithMessagef(err, "case %q", c.Name)
	}
	return cfg, in, nil
}
