// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a computation building and execution system needs to implement to
// host the fused attention operator.
//
// It follows OpenXLA's API: a Builder creates a computation out of Op values, which is compiled into an
// Executable and executed on Buffer values.
//
// A backend that doesn't implement every operation can simply return an error wrapping ErrNotImplemented for
// any op, and it would still work for computations that don't require those operations. Accelerator specific
// features, like custom calls to vendor kernels, are optional interfaces (see CustomCallOps and Accelerator)
// that callers discover with a type assertion.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute a computation.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the SimpleGo backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() int

	// Capabilities returns information about what is supported by this backend.
	Capabilities() Capabilities

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from accelerators for the backend.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Accelerator is implemented by backends that run on (or emulate) a GPU and can report the properties
// needed to decide whether vendor kernels can be used.
type Accelerator interface {
	// Platform returns the platform version string, e.g. "cuda 12030". An empty string means no accelerator.
	Platform() string

	// ComputeCapability returns the compute capability of the first local device, e.g. (8, 0) for Ampere.
	ComputeCapability() (major, minor int)

	// CuDNNVersion returns the version of the cuDNN library linked, encoded as major*10000+minor*100+patch
	// for versions >= 9 or major*1000+minor*100+patch for versions < 9 (e.g. 8904 for 8.9.4).
	// It returns 0 if cuDNN is not available.
	CuDNNVersion() int
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of the configuration string is described in the NewWithConfig function.
const ConfigEnvVar = "GOMLX_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment $GOMLX_BACKEND (ConfigEnvVar) is used as a configuration if defined.
// 2. Next, it uses the variable DefaultConfig as the configuration.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if not backend was registered.
func New() Backend {
	config, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		config = DefaultConfig
	}
	backend, err := NewWithConfig(config)
	if err != nil {
		exceptions.Panicf("backends.New(): %+v", err)
	}
	return backend
}

// NewWithConfig creates a backend from a configuration string.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the "go" backend, "cudnn=90100,cc=8.0").
//
// If config is empty, the first registered backend is used with an empty configuration.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered backends -- maybe import the default one with import _ "github.com/gomlx/fmha/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

// IsAccelerator returns the Accelerator interface of the backend, if it reports a CUDA platform.
func IsAccelerator(backend Backend) (Accelerator, bool) {
	accel, ok := backend.(Accelerator)
	if !ok || !strings.Contains(accel.Platform(), "cuda") {
		return nil, false
	}
	return accel, true
}
