// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend.
//
// It only implements the dtypes and operations needed by the fused attention operator and its decomposed
// reference, plus:
//
//   - SPMD execution: replicas run concurrently, one per (virtual) device, and exchange values with AllReduce.
//   - An emulation of the cuDNN fused attention custom calls (see package backends/cudnn), so the whole
//     lowering protocol can be exercised without a GPU.
//
// The configuration string is a comma-separated list of key=value pairs:
//
//   - platform: the reported platform, by default "cuda (emulated)". Use "cpu" to disable the accelerator emulation.
//   - cc: the compute capability reported, by default "8.0".
//   - cudnn: the cuDNN version reported, by default 90100 (9.1.0). 0 means cuDNN is not available.
//   - devices: the number of devices, by default 1.
//
// E.g.: GOMLX_BACKEND="go:cudnn=90100,cc=8.0,devices=4".
package simplego

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/fmha/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOMLX_BACKEND to specify this backend.
const BackendName = "go"

// Default values of the emulated accelerator.
const (
	DefaultPlatform     = "cuda (emulated)"
	DefaultCuDNNVersion = 90100
)

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
// See the package documentation for the configuration format.
func New(config string) (backends.Backend, error) {
	return newBackend(config)
}

func newBackend(config string) (*Backend, error) {
	b := &Backend{
		numDevices:   1,
		platform:     DefaultPlatform,
		ccMajor:      8,
		cudnnVersion: DefaultCuDNNVersion,
	}
	if err := b.parseConfig(config); err != nil {
		return nil, err
	}
	klog.V(1).Infof("simplego backend created: platform=%q, cc=%d.%d, cudnn=%d, devices=%d",
		b.platform, b.ccMajor, b.ccMinor, b.cudnnVersion, b.numDevices)
	return b, nil
}

func (b *Backend) parseConfig(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return errors.Errorf("invalid %q backend configuration %q: parts must be formatted as key=value, got %q",
				BackendName, config, part)
		}
		var err error
		switch key {
		case "platform":
			b.platform = value
		case "cudnn":
			b.cudnnVersion, err = strconv.Atoi(value)
		case "devices":
			b.numDevices, err = strconv.Atoi(value)
			if err == nil && b.numDevices < 1 {
				err = errors.Errorf("number of devices must be >= 1, got %d", b.numDevices)
			}
		case "cc":
			major, minor, _ := strings.Cut(value, ".")
			b.ccMajor, err = strconv.Atoi(major)
			b.ccMinor = 0
			if err == nil && minor != "" {
				b.ccMinor, err = strconv.Atoi(minor)
			}
		default:
			err = errors.Errorf("unknown key %q", key)
		}
		if err != nil {
			return errors.WithMessagef(err, "invalid %q backend configuration %q", BackendName, config)
		}
	}
	return nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[int]*sync.Pool, keyed by the length of the buffers.
	bufferPools sync.Map

	numDevices       int
	platform         string
	ccMajor, ccMinor int
	cudnnVersion     int
}

// Compile-time checks.
var (
	_ backends.Backend     = &Backend{}
	_ backends.Accelerator = &Backend{}
)

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	if b.isAccelerator() {
		return "Simple Go Portable Backend (emulating " + b.platform + ")"
	}
	return "Simple Go Portable Backend"
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() int {
	return b.numDevices
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	if b.isAccelerator() && b.cudnnVersion > 0 {
		return AcceleratorCapabilities
	}
	return Capabilities
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return &Builder{
		backend:     b,
		name:        name,
		numReplicas: 1,
	}
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.bufferPools.Clear()
}

// Platform implements backends.Accelerator.
func (b *Backend) Platform() string { return b.platform }

// ComputeCapability implements backends.Accelerator.
func (b *Backend) ComputeCapability() (major, minor int) { return b.ccMajor, b.ccMinor }

// CuDNNVersion implements backends.Accelerator.
func (b *Backend) CuDNNVersion() int { return b.cudnnVersion }

func (b *Backend) isAccelerator() bool {
	return strings.Contains(b.platform, "cuda")
}
