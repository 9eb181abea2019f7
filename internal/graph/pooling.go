package graph

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// NewPooling builds an ND max or average pooling node over a single
// feature-map operand.
func NewPooling(name string, input Operand, kind OpKind, cfg Config) *SpatialNode {
	if kind != MaxPooling && kind != AveragePooling {
		panic(fmt.Sprintf("node %q: pooling kind must be MaxPooling or AveragePooling, got %s", name, kind))
	}
	return newSpatialNode(name, kind, cfg, input)
}

// NewMaxPooling2D is the legacy flat constructor: an explicit window
// and stride on the two spatial axes, channels untouched.
func NewMaxPooling2D(name string, input Operand, windowW, windowH, strideW, strideH int,
	layout tensor.ImageLayout,
) *SpatialNode {
	return newSpatialNode(name, MaxPooling, pooling2DConfig(windowW, windowH, strideW, strideH, layout), input)
}

// NewAveragePooling2D is the average-pooling counterpart of
// NewMaxPooling2D.
func NewAveragePooling2D(name string, input Operand, windowW, windowH, strideW, strideH int,
	layout tensor.ImageLayout,
) *SpatialNode {
	return newSpatialNode(name, AveragePooling, pooling2DConfig(windowW, windowH, strideW, strideH, layout), input)
}

func pooling2DConfig(windowW, windowH, strideW, strideH int, layout tensor.ImageLayout) Config {
	return Config{
		KernelShape: tensor.Shape{windowW, windowH, 1},
		Stride:      tensor.Shape{strideW, strideH, 1},
		Layout:      layout,
	}
}

// poolingGeometry derives the window geometry shared by pooling and
// unpooling validation. Kernel and stride shorter than the input rank
// extend with unit extents, leaving trailing axes untouched.
func (n *SpatialNode) poolingGeometry(inCHW tensor.Shape) (*conv.Geometry, error) {
	rank := inCHW.Rank()
	kernel := n.cfg.KernelShape.Clone()
	for kernel.Rank() < rank {
		kernel = append(kernel, 1)
	}
	stride := n.cfg.Stride.Clone()
	for stride.Rank() < rank {
		stride = append(stride, 1)
	}
	return conv.NewGeometry(inCHW, kernel, tensor.Shape{1}, stride,
		n.cfg.Sharing, n.cfg.AutoPad, n.cfg.LowerPad, n.cfg.UpperPad)
}

func (n *SpatialNode) validatePooling(bool) (bool, error) {
	shape := n.inputs[0].SampleShape()
	if !shapeResolved(shape) {
		return false, nil
	}
	inCHW, err := tensor.ShapeAsChannelMajor(shape, n.cfg.Layout)
	if err != nil {
		return true, err
	}
	g, err := n.poolingGeometry(inCHW)
	if err != nil {
		return true, err
	}
	outSample, err := tensor.ShapeFromChannelMajor(g.OutputShape, n.cfg.Layout)
	if err != nil {
		return true, err
	}
	n.geom = g
	n.outShape = outSample
	return true, nil
}
