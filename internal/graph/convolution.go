package graph

import (
	"github.com/pkg/errors"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// NewConvolution builds an ND convolution node. Operand 0 is the
// kernel weight matrix {kernelCount, kernelElems}, operand 1 the
// feature map.
func NewConvolution(name string, weights, features Operand, cfg Config) *SpatialNode {
	return newSpatialNode(name, Convolution, cfg, weights, features)
}

// NewTransposedConvolution builds a transposed (fractionally strided)
// convolution node: the configured geometry describes the forward
// direction from the node's OUTPUT to its input, so the output shape
// is recovered by inverting the shape arithmetic.
func NewTransposedConvolution(name string, weights, features Operand, cfg Config) *SpatialNode {
	return newSpatialNode(name, TransposedConvolution, cfg, weights, features)
}

// NewConvolution2D is the flat convenience constructor: width/height
// scalars and a single pad flag, expanded into the ND configuration
// during validation once the input channel count is known. A map
// count of 0 is inferred from the weight operand's leading extent.
func NewConvolution2D(name string, weights, features Operand,
	kernelW, kernelH, mapCount, strideW, strideH int, pad bool,
	layout tensor.ImageLayout, maxScratchSamples int,
) *SpatialNode {
	cfg := Config{
		KernelShape:       tensor.Shape{kernelW, kernelH, 0},
		MapCount:          tensor.Shape{mapCount},
		Stride:            tensor.Shape{strideW, strideH, 0},
		Sharing:           []bool{true, true, true},
		AutoPad:           []bool{pad, pad, false},
		Layout:            layout,
		MaxScratchSamples: maxScratchSamples,
		Convolution2D:     true,
	}
	return newSpatialNode(name, Convolution, cfg, weights, features)
}

func (n *SpatialNode) validateConvolution(isFinalPass bool) (bool, error) {
	weights, features := n.inputs[0], n.inputs[1]
	fshape := features.SampleShape()
	if !shapeResolved(fshape) {
		return false, nil
	}
	inCHW, err := tensor.ShapeAsChannelMajor(fshape, n.cfg.Layout)
	if err != nil {
		return true, err
	}
	rank := inCHW.Rank()

	kernel := n.cfg.KernelShape.Clone()
	stride := n.cfg.Stride.Clone()
	if n.cfg.Convolution2D {
		if rank != 3 {
			return true, &conv.ShapeError{Axis: -1,
				Reason: "2-D convolution requires a rank-3 input sample"}
		}
		// The flat constructor leaves the channel slots open: the
		// kernel spans all input channels in one step.
		channels := inCHW[2]
		if kernel[2] == 0 {
			kernel[2] = channels
		}
		if stride[2] == 0 {
			stride[2] = channels
		}
	}

	mapCount := n.cfg.MapCount.Clone()
	if mapCount.NumElements() == 0 {
		wshape := weights.SampleShape()
		if wshape.Rank() < 1 || wshape[0] <= 0 {
			return false, nil // map count waits for the weight shape
		}
		mapCount = tensor.Shape{wshape[0]}
	}

	var g *conv.Geometry
	var outCHW tensor.Shape
	if n.kind == TransposedConvolution {
		outCHW, err = conv.ComputeInputShape(inCHW, kernel, mapCount, stride,
			n.cfg.Sharing, n.cfg.AutoPad, n.cfg.LowerPad, n.cfg.UpperPad)
		if err != nil {
			return true, err
		}
		g, err = conv.NewGeometry(outCHW, kernel, mapCount, stride,
			n.cfg.Sharing, n.cfg.AutoPad, n.cfg.LowerPad, n.cfg.UpperPad)
		if err != nil {
			return true, err
		}
		if !g.OutputShape.Equal(inCHW) {
			return true, &conv.ShapeError{Axis: -1,
				Reason: "transposed geometry does not reproduce the operand shape; " +
					"the configured stride and padding admit no valid output extent"}
		}
	} else {
		g, err = conv.NewGeometry(inCHW, kernel, mapCount, stride,
			n.cfg.Sharing, n.cfg.AutoPad, n.cfg.LowerPad, n.cfg.UpperPad)
		if err != nil {
			return true, err
		}
		outCHW = g.OutputShape
	}

	outSample, err := tensor.ShapeFromChannelMajor(outCHW, n.cfg.Layout)
	if err != nil {
		return true, err
	}
	n.geom = g
	n.outShape = outSample

	return n.checkWeightShape(weights, g, isFinalPass)
}

// checkWeightShape infers or verifies the weight operand against the
// derived kernel geometry: {kernelCount, kernelElems}.
func (n *SpatialNode) checkWeightShape(weights Operand, g *conv.Geometry, isFinalPass bool) (bool, error) {
	kernelElems := 1
	for i := 0; i < g.Rank(); i++ {
		kernelElems *= g.KernelDim(i)
	}
	expected := tensor.Shape{g.KernelCount(), kernelElems}

	wshape := weights.SampleShape()
	if !shapeResolved(wshape) {
		recv, ok := weights.(ShapeReceiver)
		if !ok {
			return false, nil
		}
		if err := recv.InferSampleShape(expected); err != nil {
			return true, errors.Wrap(err, "weight shape inference")
		}
		wshape = weights.SampleShape()
		if !shapeResolved(wshape) {
			return false, nil
		}
	}
	if wshape.NumElements() != expected.NumElements() {
		return true, &conv.ShapeError{Axis: -1,
			Reason: errors.Errorf("weight operand %q holds %d elements, geometry wants %s (%d)",
				weights.Name(), wshape.NumElements(), expected, expected.NumElements()).Error()}
	}
	return true, nil
}

func (n *SpatialNode) forwardConvolution(fr FrameRange) {
	weights, features := n.inputs[0], n.inputs[1]
	in := fr.slice(features.Value())
	out := fr.slice(n.value)
	if n.kind == TransposedConvolution {
		// Transposed forward is the data-gradient pass of the forward
		// geometry; it accumulates, so clear the destination first.
		out.ZeroFill()
		n.eng.BackwardData(in, weights.Value(), out)
		return
	}
	n.eng.Forward(in, weights.Value(), out)
}

func (n *SpatialNode) backpropConvolution(i int, fr FrameRange) {
	weights, features := n.inputs[0], n.inputs[1]
	if n.kind == TransposedConvolution {
		switch i {
		case 0:
			// Kernel gradient with the data operands swapped: the node
			// input plays the small side, the output gradient the
			// large side.
			n.eng.BackwardKernel(fr.slice(features.Value()), fr.slice(n.Gradient()), weights.Gradient(), fr.IsAllFrames())
		case 1:
			// Data gradient is the forward pass applied to the output
			// gradient; Forward overwrites, so stage and accumulate.
			samples := fr.samples(n.batchSize())
			tmp := n.workspace("convolution/transpose-data-grad",
				tensor.Shape{samples, features.SampleShape().NumElements()}, n.temp)
			n.temp = tmp
			n.eng.Forward(fr.slice(n.Gradient()), weights.Value(), tmp)
			addInto(fr.slice(features.Gradient()), tmp)
		}
		return
	}

	switch i {
	case 0:
		n.eng.BackwardKernel(fr.slice(n.Gradient()), fr.slice(features.Value()), weights.Gradient(), fr.IsAllFrames())
	case 1:
		n.eng.BackwardData(fr.slice(n.Gradient()), weights.Value(), fr.slice(features.Gradient()))
	}
}
