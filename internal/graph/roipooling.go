package graph

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// NewROIPooling builds a region-of-interest pooling node: operand 0
// holds per-sample region lists {4, roisPerSample} in image-relative
// coordinates, operand 1 the feature map. Each region yields one
// pooled {pooledW, pooledH} map per channel, so the node's output
// sample shape is {pooledW, pooledH, channels, roisPerSample} —
// region-major along the last axis.
func NewROIPooling(name string, rois, features Operand, pooledW, pooledH int, cfg Config) *SpatialNode {
	cfg.ROIOutput = tensor.Shape{pooledW, pooledH}
	return newSpatialNode(name, ROIPooling, cfg, rois, features)
}

func (n *SpatialNode) validateROIPooling(bool) (bool, error) {
	rshape := n.inputs[0].SampleShape()
	fshape := n.inputs[1].SampleShape()
	if !shapeResolved(rshape) || !shapeResolved(fshape) {
		return false, nil
	}
	if n.cfg.Layout != tensor.LayoutCHW {
		return true, &conv.ShapeError{Axis: -1,
			Reason: "ROI pooling supports channel-major layout only"}
	}
	if fshape.Rank() != 3 {
		return true, &conv.ShapeError{Axis: -1,
			Reason: fmt.Sprintf("ROI pooling needs a rank-3 feature map, got %s", fshape)}
	}
	if rshape.Rank() != 2 || rshape[0] != 4 {
		return true, &conv.ShapeError{Axis: -1,
			Reason: fmt.Sprintf("region operand must be {4, roisPerSample}, got %s", rshape)}
	}
	if n.cfg.ROIOutput.Rank() != 2 || n.cfg.ROIOutput.ValidatePositive() != nil {
		return true, &conv.ShapeError{Axis: -1,
			Reason: fmt.Sprintf("pooled target %s must be two positive extents", n.cfg.ROIOutput)}
	}
	pooledW, pooledH := n.cfg.ROIOutput[0], n.cfg.ROIOutput[1]
	if pooledW > fshape[0] || pooledH > fshape[1] {
		return true, &conv.ShapeError{Axis: -1,
			Reason: fmt.Sprintf("pooled target %s exceeds feature map %s", n.cfg.ROIOutput, fshape)}
	}

	n.roiDims = tensor.ImageDims{Width: fshape[0], Height: fshape[1], Channels: fshape[2]}
	n.roisPerSample = rshape[1]
	n.outShape = tensor.Shape{pooledW, pooledH, fshape[2], rshape[1]}
	return true, nil
}

func (n *SpatialNode) forwardROIPooling(fr FrameRange) {
	rois, features := n.inputs[0], n.inputs[1]
	samples := fr.samples(n.batchSize())

	am := n.workspace("roipooling/argmax", n.value.Shape().Clone(), n.argmax)
	n.argmax = am

	tensor.ROIPoolingForward(n.roisPerSample, samples,
		n.roiDims.Channels, n.roiDims.Height, n.roiDims.Width,
		n.cfg.ROIOutput[1], n.cfg.ROIOutput[0],
		fr.slice(rois.Value()), fr.slice(features.Value()), fr.slice(n.value), fr.slice(am))
}

func (n *SpatialNode) backpropROIPooling(i int, fr FrameRange) {
	if i != 1 {
		// Region coordinates receive no gradient.
		return
	}
	if n.argmax == nil {
		panic(fmt.Sprintf("node %q: ROI backward before forward, argmax not retained", n.name))
	}
	rois, features := n.inputs[0], n.inputs[1]
	samples := fr.samples(n.batchSize())

	tensor.ROIPoolingBackward(n.roisPerSample, samples,
		n.roiDims.Channels, n.roiDims.Height, n.roiDims.Width,
		n.cfg.ROIOutput[1], n.cfg.ROIOutput[0],
		fr.slice(rois.Value()), fr.slice(n.Gradient()), fr.slice(features.Gradient()), fr.slice(n.argmax))
}
