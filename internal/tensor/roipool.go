package tensor

import (
	"fmt"
	"math"
)

// ROI pooling operates directly on raw buffers rather than through the
// engine interface: regions arrive as a per-sample operand, so the window
// geometry is data-dependent and cannot be bound to a fixed descriptor.
//
// Regions are 4 scalars (x, y, w, h) in image-relative coordinates in
// [0, 1]. Each region of each sample is max-pooled through an adaptive
// window onto a fixed {pooledW, pooledH} grid per channel. Output samples
// are region-major: the pooled maps of one input sample's regions are
// stored consecutively, region index varying slowest within the sample.

// ROIPoolingForward pools each region of each sample onto a fixed grid.
//
// Buffer shapes ({rows, rowElements}):
//
//	rois:   {samples, 4 * roisPerSample}
//	input:  {samples, width * height * channels}   (channel-major samples)
//	output: {samples, pooledW * pooledH * channels * roisPerSample}
//	argmax: same shape as output; records the sample-relative input index
//	        of each pooled maximum (-1 for empty windows) for the
//	        backward pass.
func ROIPoolingForward(roisPerSample, samples, channels, height, width, pooledH, pooledW int,
	rois, input, output, argmax *RawTensor,
) {
	checkROIShapes(roisPerSample, samples, channels, height, width, pooledH, pooledW, rois, input, output, argmax)

	switch input.DType() {
	case Float32:
		roiPoolForward(roisPerSample, samples, channels, height, width, pooledH, pooledW,
			rois.AsFloat32(), input.AsFloat32(), output.AsFloat32(), argmax.AsFloat32())
	case Float64:
		roiPoolForward(roisPerSample, samples, channels, height, width, pooledH, pooledW,
			rois.AsFloat64(), input.AsFloat64(), output.AsFloat64(), argmax.AsFloat64())
	default:
		panic(fmt.Sprintf("roipooling: unsupported dtype %s", input.DType()))
	}
}

// ROIPoolingBackward scatters pooled gradients back to the argmax source
// positions recorded by the forward pass. Gradients accumulate into
// inputGrad; callers zero it first when accumulation is not wanted.
func ROIPoolingBackward(roisPerSample, samples, channels, height, width, pooledH, pooledW int,
	rois, pooledGrad, inputGrad, argmax *RawTensor,
) {
	checkROIShapes(roisPerSample, samples, channels, height, width, pooledH, pooledW, rois, inputGrad, pooledGrad, argmax)

	switch pooledGrad.DType() {
	case Float32:
		roiPoolBackward(roisPerSample, samples, channels, pooledH, pooledW,
			pooledGrad.AsFloat32(), inputGrad.AsFloat32(), argmax.AsFloat32())
	case Float64:
		roiPoolBackward(roisPerSample, samples, channels, pooledH, pooledW,
			pooledGrad.AsFloat64(), inputGrad.AsFloat64(), argmax.AsFloat64())
	default:
		panic(fmt.Sprintf("roipooling: unsupported dtype %s", pooledGrad.DType()))
	}
}

func checkROIShapes(roisPerSample, samples, channels, height, width, pooledH, pooledW int,
	rois, image, pooled, argmax *RawTensor,
) {
	wantROIs := Shape{samples, 4 * roisPerSample}
	wantImage := Shape{samples, width * height * channels}
	wantPooled := Shape{samples, pooledW * pooledH * channels * roisPerSample}
	if !rois.Shape().Equal(wantROIs) {
		panic(fmt.Sprintf("roipooling: region buffer shape %s, want %s", rois.Shape(), wantROIs))
	}
	if !image.Shape().Equal(wantImage) {
		panic(fmt.Sprintf("roipooling: feature buffer shape %s, want %s", image.Shape(), wantImage))
	}
	if !pooled.Shape().Equal(wantPooled) {
		panic(fmt.Sprintf("roipooling: pooled buffer shape %s, want %s", pooled.Shape(), wantPooled))
	}
	if !argmax.Shape().Equal(wantPooled) {
		panic(fmt.Sprintf("roipooling: argmax buffer shape %s, want %s", argmax.Shape(), wantPooled))
	}
}

func roiPoolForward[T float32 | float64](roisPerSample, samples, channels, height, width, pooledH, pooledW int,
	rois, input, output, argmax []T,
) {
	imageElems := width * height * channels
	pooledElems := pooledW * pooledH * channels * roisPerSample

	for n := 0; n < samples; n++ {
		inSample := input[n*imageElems : (n+1)*imageElems]
		outSample := output[n*pooledElems : (n+1)*pooledElems]
		argSample := argmax[n*pooledElems : (n+1)*pooledElems]

		for r := 0; r < roisPerSample; r++ {
			base := n*4*roisPerSample + r*4
			startW := roundToInt(float64(rois[base]) * float64(width))
			startH := roundToInt(float64(rois[base+1]) * float64(height))
			roiW := maxInt(roundToInt(float64(rois[base+2])*float64(width)), 1)
			roiH := maxInt(roundToInt(float64(rois[base+3])*float64(height)), 1)

			// Adaptive window: each pooled cell covers roi/pooled
			// fractional extents, rounded outward.
			winW := float64(roiW) / float64(pooledW)
			winH := float64(roiH) / float64(pooledH)

			for c := 0; c < channels; c++ {
				plane := inSample[c*width*height : (c+1)*width*height]
				for ph := 0; ph < pooledH; ph++ {
					hBegin := clampInt(int(math.Floor(float64(ph)*winH))+startH, 0, height)
					hEnd := clampInt(int(math.Ceil(float64(ph+1)*winH))+startH, 0, height)
					for pw := 0; pw < pooledW; pw++ {
						wBegin := clampInt(int(math.Floor(float64(pw)*winW))+startW, 0, width)
						wEnd := clampInt(int(math.Ceil(float64(pw+1)*winW))+startW, 0, width)

						var maxVal T
						maxIdx := -1
						for y := hBegin; y < hEnd; y++ {
							for x := wBegin; x < wEnd; x++ {
								v := plane[x+y*width]
								if maxIdx < 0 || v > maxVal {
									maxVal = v
									maxIdx = x + width*(y+height*c)
								}
							}
						}

						outIdx := pw + pooledW*(ph+pooledH*(c+channels*r))
						if maxIdx < 0 {
							outSample[outIdx] = 0
						} else {
							outSample[outIdx] = maxVal
						}
						argSample[outIdx] = T(maxIdx)
					}
				}
			}
		}
	}
}

func roiPoolBackward[T float32 | float64](roisPerSample, samples, channels, pooledH, pooledW int,
	pooledGrad, inputGrad []T, argmax []T,
) {
	pooledElems := pooledW * pooledH * channels * roisPerSample
	imageElems := len(inputGrad) / samples

	for n := 0; n < samples; n++ {
		gradSample := inputGrad[n*imageElems : (n+1)*imageElems]
		pooledSample := pooledGrad[n*pooledElems : (n+1)*pooledElems]
		argSample := argmax[n*pooledElems : (n+1)*pooledElems]

		for i := 0; i < pooledElems; i++ {
			idx := int(argSample[i])
			if idx >= 0 {
				gradSample[idx] += pooledSample[i]
			}
		}
	}
}

func roundToInt(v float64) int {
	return int(math.Round(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
