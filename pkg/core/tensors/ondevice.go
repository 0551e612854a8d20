// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/fmha/backends"
	"github.com/pkg/errors"
)

// onDevice holds internal information about on-device storage of a Tensor.
type onDevice struct {
	backend   backends.Backend
	buffer    backends.Buffer
	deviceNum backends.DeviceNum
}

func (d *onDevice) finalize() error {
	if d.buffer == nil {
		return nil
	}
	err := d.backend.BufferFinalize(d.buffer)
	d.buffer = nil
	return err
}

// FromBuffer creates a Tensor from a backend's buffer.
// The ownership of the buffer is transferred to the new Tensor.
func FromBuffer(backend backends.Backend, buffer backends.Buffer) (*Tensor, error) {
	shape, err := backend.BufferShape(buffer)
	if err != nil {
		return nil, err
	}
	deviceNum, err := backend.BufferDeviceNum(buffer)
	if err != nil {
		return nil, err
	}
	t := newEmptyTensor(shape)
	t.backend = backend
	t.onDevice = &onDevice{backend: backend, buffer: buffer, deviceNum: deviceNum}
	return t, nil
}

// Buffer returns the backend buffer for the tensor on the given device.
// It triggers the transfer from local to the device if the tensor is not already stored there.
//
// The buffer is owned by the tensor: don't finalize the tensor while the buffer is in use.
func (t *Tensor) Buffer(backend backends.Backend, deviceNum backends.DeviceNum) (backends.Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.onDevice != nil && t.backend == backend && t.onDevice.deviceNum == deviceNum {
		return t.onDevice.buffer, nil
	}
	if err := t.lockedMaterializeLocal(); err != nil {
		return nil, err
	}
	buffer, err := backend.BufferFromFlatData(deviceNum, t.local, t.shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "transferring tensor %s to device %d", t.shape, deviceNum)
	}
	if t.onDevice != nil {
		if err := t.onDevice.finalize(); err != nil {
			return nil, err
		}
	}
	t.backend = backend
	t.onDevice = &onDevice{backend: backend, buffer: buffer, deviceNum: deviceNum}
	return buffer, nil
}

// lockedMaterializeLocal makes sure the local copy is available.
func (t *Tensor) lockedMaterializeLocal() error {
	if t.local != nil {
		return nil
	}
	if t.onDevice == nil {
		return errors.Errorf("tensor with shape %s has no storage", t.shape)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.shape.Size(), t.shape.Size()).Interface()
	if err := t.backend.BufferToFlatData(t.onDevice.buffer, flat); err != nil {
		return errors.WithMessagef(err, "transferring tensor %s from device %d", t.shape, t.onDevice.deviceNum)
	}
	t.local = flat
	return nil
}

// Device returns the device where the on-device copy of the tensor is stored.
func (t *Tensor) Device() (backends.DeviceNum, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onDevice == nil {
		return 0, errors.New("tensor is not stored on any device")
	}
	return t.onDevice.deviceNum, nil
}

// IsOnDevice returns whether the tensor has a copy on the given device.
func (t *Tensor) IsOnDevice(deviceNum backends.DeviceNum) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onDevice != nil && t.onDevice.deviceNum == deviceNum
}

// ToLocal copies the data to local and releases the on-device buffer, detaching the tensor from the backend.
func (t *Tensor) ToLocal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	if err := t.lockedMaterializeLocal(); err != nil {
		return err
	}
	if t.onDevice == nil {
		return nil
	}
	err := t.onDevice.finalize()
	t.onDevice = nil
	t.backend = nil
	return err
}
