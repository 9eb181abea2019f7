// Copyright 2026 Lattice ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for the dense buffers and
// shape arithmetic the spatial operators consume.
//
// The package re-exports the core types:
//   - RawTensor: dense buffer with a shape, dtype and device
//   - Shape: dimension vector with channel-major stride arithmetic
//   - ImageLayout, ImageDims: rank-3 image axis-order plumbing
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
//	data := raw.AsFloat32()
package tensor

import (
	"github.com/lattice-ml/lattice/internal/tensor"
)

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Float16 DataType = tensor.Float16
	Int32   DataType = tensor.Int32
)

// Device represents the device where tensor data resides.
type Device = tensor.Device

// Device constants.
const (
	CPU    Device = tensor.CPU
	CUDA   Device = tensor.CUDA
	WebGPU Device = tensor.WebGPU
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// RawTensor is the dense buffer type consumed by the spatial
// operators: a shape, a dtype and typed views over flat storage.
type RawTensor = tensor.RawTensor

// NewRaw creates a zero-filled tensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// MustNew creates a tensor and panics on an invalid shape.
func MustNew(shape Shape, dtype DataType, device Device) *RawTensor {
	return tensor.MustNew(shape, dtype, device)
}

// ImageLayout selects how a rank-3 image sample orders its axes.
type ImageLayout = tensor.ImageLayout

// Image layout constants.
const (
	LayoutCHW ImageLayout = tensor.LayoutCHW
	LayoutHWC ImageLayout = tensor.LayoutHWC
)

// ImageDims is the width/height/channel interpretation of a rank-3
// sample shape under some layout.
type ImageDims = tensor.ImageDims

// ImageDimsOf interprets a rank-3 sample shape under the given layout.
func ImageDimsOf(sample Shape, layout ImageLayout) (ImageDims, error) {
	return tensor.ImageDimsOf(sample, layout)
}
