package tensor

import "testing"

// buildROIFixture returns a 4x4 single-channel feature map with values
// 1..16 (width fastest) plus zeroed output/argmax buffers.
func buildROIFixture(t *testing.T, roisPerSample, pooledH, pooledW int) (input, output, argmax *RawTensor) {
	t.Helper()
	input = MustNew(Shape{1, 16}, Float32, CPU)
	for i := range input.AsFloat32() {
		input.AsFloat32()[i] = float32(i + 1)
	}
	pooled := Shape{1, pooledW * pooledH * roisPerSample}
	output = MustNew(pooled, Float32, CPU)
	argmax = MustNew(pooled, Float32, CPU)
	return input, output, argmax
}

func TestROIPoolingForward_FullImageMatchesPlainPooling(t *testing.T) {
	input, output, argmax := buildROIFixture(t, 1, 2, 2)

	rois := MustNew(Shape{1, 4}, Float32, CPU)
	copy(rois.AsFloat32(), []float32{0, 0, 1, 1}) // whole image

	ROIPoolingForward(1, 1, 1, 4, 4, 2, 2, rois, input, output, argmax)

	// A region covering the full map with a 2x2 target is ordinary
	// 2x2 max pooling with stride 2.
	want := []float32{6, 8, 14, 16}
	for i, w := range want {
		if output.AsFloat32()[i] != w {
			t.Errorf("output[%d] = %f, want %f", i, output.AsFloat32()[i], w)
		}
	}
	// Argmax indices are sample-relative.
	wantIdx := []float32{5, 7, 13, 15}
	for i, w := range wantIdx {
		if argmax.AsFloat32()[i] != w {
			t.Errorf("argmax[%d] = %f, want %f", i, argmax.AsFloat32()[i], w)
		}
	}
}

func TestROIPoolingForward_QuarterRegion(t *testing.T) {
	input, output, argmax := buildROIFixture(t, 1, 1, 1)

	// Bottom-right quadrant pooled to a single cell.
	rois := MustNew(Shape{1, 4}, Float32, CPU)
	copy(rois.AsFloat32(), []float32{0.5, 0.5, 0.5, 0.5})

	ROIPoolingForward(1, 1, 1, 4, 4, 1, 1, rois, input, output, argmax)

	if got := output.AsFloat32()[0]; got != 16 {
		t.Errorf("quadrant max = %f, want 16", got)
	}
}

func TestROIPoolingBackward_ScattersToArgmax(t *testing.T) {
	input, output, argmax := buildROIFixture(t, 1, 2, 2)
	rois := MustNew(Shape{1, 4}, Float32, CPU)
	copy(rois.AsFloat32(), []float32{0, 0, 1, 1})
	ROIPoolingForward(1, 1, 1, 4, 4, 2, 2, rois, input, output, argmax)

	pooledGrad := MustNew(Shape{1, 4}, Float32, CPU)
	copy(pooledGrad.AsFloat32(), []float32{1, 2, 3, 4})
	inputGrad := MustNew(Shape{1, 16}, Float32, CPU)

	ROIPoolingBackward(1, 1, 1, 4, 4, 2, 2, rois, pooledGrad, inputGrad, argmax)

	grad := inputGrad.AsFloat32()
	if grad[5] != 1 || grad[7] != 2 || grad[13] != 3 || grad[15] != 4 {
		t.Errorf("gradient scatter wrong: %v", grad)
	}
	var sum float32
	for _, v := range grad {
		sum += v
	}
	if sum != 10 {
		t.Errorf("gradient mass = %f, want 10", sum)
	}

	// Backward accumulates: a second call doubles the mass.
	ROIPoolingBackward(1, 1, 1, 4, 4, 2, 2, rois, pooledGrad, inputGrad, argmax)
	if grad[5] != 2 {
		t.Errorf("backward should accumulate, got %f", grad[5])
	}
}

func TestROIPooling_TwoRegionsPerSample(t *testing.T) {
	input, output, argmax := buildROIFixture(t, 2, 1, 1)

	rois := MustNew(Shape{1, 8}, Float32, CPU)
	// Region 0: left half. Region 1: right half.
	copy(rois.AsFloat32(), []float32{
		0, 0, 0.5, 1,
		0.5, 0, 0.5, 1,
	})

	ROIPoolingForward(2, 1, 1, 4, 4, 1, 1, rois, input, output, argmax)

	// Region-major output: region 0's map precedes region 1's.
	if output.AsFloat32()[0] != 14 {
		t.Errorf("region 0 max = %f, want 14", output.AsFloat32()[0])
	}
	if output.AsFloat32()[1] != 16 {
		t.Errorf("region 1 max = %f, want 16", output.AsFloat32()[1])
	}
}
