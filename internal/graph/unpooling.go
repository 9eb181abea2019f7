package graph

import (
	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// NewMaxUnpooling builds the inverse of a max pooling: operand 0 is
// the pooled tensor whose values are to be placed, operand 1 the
// original pooling input used to locate the historical maxima. The
// configuration mirrors the pooling being undone.
func NewMaxUnpooling(name string, unpoolInput, poolInput Operand, cfg Config) *SpatialNode {
	return newSpatialNode(name, MaxUnpooling, cfg, unpoolInput, poolInput)
}

func (n *SpatialNode) validateUnpooling(bool) (bool, error) {
	small := n.inputs[0].SampleShape()
	big := n.inputs[1].SampleShape()
	if !shapeResolved(small) || !shapeResolved(big) {
		return false, nil
	}
	if n.cfg.Layout != tensor.LayoutCHW {
		return true, &conv.ShapeError{Axis: -1,
			Reason: "max unpooling supports channel-major layout only"}
	}

	g, err := n.poolingGeometry(big)
	if err != nil {
		return true, err
	}
	if !g.OutputShape.Equal(small) {
		return true, &conv.ShapeError{Axis: -1,
			Reason: "pooling the reference operand " + big.String() +
				" yields " + g.OutputShape.String() +
				", which does not match the unpooling operand " + small.String()}
	}
	n.geom = g
	n.outShape = big.Clone()
	return true, nil
}

func (n *SpatialNode) backpropUnpooling(i int, fr FrameRange) {
	if i != 0 {
		// The reference pooling input only routes placement; no
		// gradient flows to it.
		return
	}
	samples := fr.samples(n.batchSize())
	smallElems := n.inputs[0].SampleShape().NumElements()
	tmp := n.workspace("unpooling/grad-pool", tensor.Shape{samples, smallElems}, n.temp)
	n.temp = tmp

	// Re-pool the output gradient to recover the pooled-operand
	// gradient, then accumulate.
	n.eng.ForwardPooling(fr.slice(n.Gradient()), tmp)
	addInto(fr.slice(n.inputs[0].Gradient()), tmp)
}
