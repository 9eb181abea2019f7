// Copyright 2026 Lattice ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package conv provides the public API for convolution shape
// arithmetic: deriving output extents from an input shape, kernel,
// stride and padding policy, and inverting that derivation for
// transposed convolutions.
//
// Example:
//
//	g, err := conv.NewGeometry(
//	    tensor.Shape{28, 28, 3},  // input, channel-major
//	    tensor.Shape{5, 5, 3},    // kernel
//	    tensor.Shape{16},         // feature maps
//	    tensor.Shape{1, 1, 3},    // stride
//	    nil,                      // sharing: all axes
//	    []bool{true, true, false},
//	    nil, nil,                 // explicit pads
//	)
package conv

import (
	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Geometry holds a resolved convolution configuration together with
// its derived output shape.
type Geometry = conv.Geometry

// ShapeError reports a shape derivation failure with the offending
// axis, or -1 when no single axis is at fault.
type ShapeError = conv.ShapeError

// NewGeometry derives the output shape and returns the resolved
// geometry.
func NewGeometry(input, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (*Geometry, error) {
	return conv.NewGeometry(input, kernel, mapCount, stride, sharing, autoPad, lowerPad, upperPad)
}

// ComputeOutputShape derives the output shape alone.
func ComputeOutputShape(input, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (tensor.Shape, error) {
	return conv.ComputeOutputShape(input, kernel, mapCount, stride, sharing, autoPad, lowerPad, upperPad)
}

// ComputeInputShape inverts the output derivation: given an output
// shape, it recovers the input shape that produces it.
func ComputeInputShape(output, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (tensor.Shape, error) {
	return conv.ComputeInputShape(output, kernel, mapCount, stride, sharing, autoPad, lowerPad, upperPad)
}
