// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"github.com/gomlx/fmha/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinComputeCapability is the minimum GPU compute capability (Ampere) of the fused attention kernels.
var MinComputeCapability = [2]int{8, 0}

// CheckCapability checks that backend runs on a CUDA device with the required compute capability and
// that cuDNN is available. It returns the cuDNN version.
//
// Errors wrap ErrUnsupported: use the Reference implementation instead.
func CheckCapability(backend backends.Backend) (cudnnVersion int, err error) {
	accel, ok := backends.IsAccelerator(backend)
	if !ok {
		return 0, errors.Wrapf(ErrUnsupported, "backend %q is not a CUDA accelerator, use fmha.Reference instead",
			backend.Name())
	}
	cudnnVersion = accel.CuDNNVersion()
	if cudnnVersion <= 0 {
		return 0, errors.Wrapf(ErrUnsupported, "cuDNN is not detected on backend %q (%s)", backend.Name(), accel.Platform())
	}
	major, minor := accel.ComputeCapability()
	if major < MinComputeCapability[0] || (major == MinComputeCapability[0] && minor < MinComputeCapability[1]) {
		return 0, errors.Wrapf(ErrUnsupported, "compute capability >= %d.%d is required, backend %q has %d.%d",
			MinComputeCapability[0], MinComputeCapability[1], backend.Name(), major, minor)
	}
	klog.V(1).Infof("fmha: backend %q, platform %q, compute capability %d.%d, cuDNN %d",
		backend.Name(), accel.Platform(), major, minor, cudnnVersion)
	return cudnnVersion, nil
}
