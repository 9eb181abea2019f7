// Copyright 2026 Lattice ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph provides the public API for the spatial operator
// nodes: convolution, transposed convolution, pooling, unpooling and
// region-of-interest pooling, with shape validation, engine binding
// and forward/backward execution.
//
// Example:
//
//	weights := graph.NewSource("W", nil, tensor.Float32)
//	input := graph.NewSource("x", tensor.Shape{28, 28, 3}, tensor.Float32)
//	n := graph.NewConvolution2D("conv1", weights, input,
//	    5, 5, 16, 1, 1, true, tensor.LayoutCHW, 0)
//	if err := n.Validate(false); err != nil { ... }
//	if err := n.Validate(true); err != nil { ... }
package graph

import (
	"github.com/lattice-ml/lattice/internal/graph"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// SpatialNode is one spatial operator instance.
type SpatialNode = graph.SpatialNode

// Config is the declarative operator configuration.
type Config = graph.Config

// Operand is an upstream edge a node reads.
type Operand = graph.Operand

// Source is a leaf operand: a named input or parameter.
type Source = graph.Source

// FrameRange selects the samples an execution call touches.
type FrameRange = graph.FrameRange

// OpKind tags the operator variant a node executes.
type OpKind = graph.OpKind

// Operator kinds.
const (
	Convolution           OpKind = graph.Convolution
	TransposedConvolution OpKind = graph.TransposedConvolution
	MaxPooling            OpKind = graph.MaxPooling
	AveragePooling        OpKind = graph.AveragePooling
	MaxUnpooling          OpKind = graph.MaxUnpooling
	ROIPooling            OpKind = graph.ROIPooling
)

// State tracks the node life cycle.
type State = graph.State

// Node states.
const (
	Unconfigured   State = graph.Unconfigured
	ShapeValidated State = graph.ShapeValidated
	EngineBound    State = graph.EngineBound
	Executable     State = graph.Executable
)

// NewSource creates a CPU-resident leaf operand. Shape extents of 0
// are inference slots to be filled by a consumer.
func NewSource(name string, shape tensor.Shape, dtype tensor.DataType) *Source {
	return graph.NewSource(name, shape, dtype)
}

// AllFrames selects every sample in the minibatch.
func AllFrames() FrameRange {
	return graph.AllFrames()
}

// Frames selects the samples in [begin, end).
func Frames(begin, end int) FrameRange {
	return graph.Frames(begin, end)
}

// NewConvolution builds an ND convolution node.
func NewConvolution(name string, weights, features Operand, cfg Config) *SpatialNode {
	return graph.NewConvolution(name, weights, features, cfg)
}

// NewTransposedConvolution builds a transposed convolution node.
func NewTransposedConvolution(name string, weights, features Operand, cfg Config) *SpatialNode {
	return graph.NewTransposedConvolution(name, weights, features, cfg)
}

// NewConvolution2D is the flat convenience constructor for a 2-D
// convolution over rank-3 image samples.
func NewConvolution2D(name string, weights, features Operand,
	kernelW, kernelH, mapCount, strideW, strideH int, pad bool,
	layout tensor.ImageLayout, maxScratchSamples int,
) *SpatialNode {
	return graph.NewConvolution2D(name, weights, features,
		kernelW, kernelH, mapCount, strideW, strideH, pad, layout, maxScratchSamples)
}

// NewPooling builds an ND max or average pooling node.
func NewPooling(name string, input Operand, kind OpKind, cfg Config) *SpatialNode {
	return graph.NewPooling(name, input, kind, cfg)
}

// NewMaxPooling2D builds a max pooling node with an explicit window
// and stride on the two spatial axes.
func NewMaxPooling2D(name string, input Operand, windowW, windowH, strideW, strideH int,
	layout tensor.ImageLayout,
) *SpatialNode {
	return graph.NewMaxPooling2D(name, input, windowW, windowH, strideW, strideH, layout)
}

// NewAveragePooling2D is the average-pooling counterpart of
// NewMaxPooling2D.
func NewAveragePooling2D(name string, input Operand, windowW, windowH, strideW, strideH int,
	layout tensor.ImageLayout,
) *SpatialNode {
	return graph.NewAveragePooling2D(name, input, windowW, windowH, strideW, strideH, layout)
}

// NewMaxUnpooling builds the inverse of a max pooling.
func NewMaxUnpooling(name string, unpoolInput, poolInput Operand, cfg Config) *SpatialNode {
	return graph.NewMaxUnpooling(name, unpoolInput, poolInput, cfg)
}

// NewROIPooling builds a region-of-interest pooling node.
func NewROIPooling(name string, rois, features Operand, pooledW, pooledH int, cfg Config) *SpatialNode {
	return graph.NewROIPooling(name, rois, features, pooledW, pooledH, cfg)
}
