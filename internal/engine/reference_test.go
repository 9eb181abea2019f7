package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// mustGeometry builds a geometry or fails the test.
func mustGeometry(t *testing.T, input, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) *conv.Geometry {
	t.Helper()
	g, err := conv.NewGeometry(input, kernel, mapCount, stride, sharing, autoPad, lowerPad, upperPad)
	require.NoError(t, err)
	return g
}

// newF32 builds a {1, len(values)} float32 tensor.
func newF32(t *testing.T, values []float32) *tensor.RawTensor {
	t.Helper()
	r := tensor.MustNew(tensor.Shape{1, len(values)}, tensor.Float32, tensor.CPU)
	copy(r.AsFloat32(), values)
	return r
}

func seq(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i + 1)
	}
	return s
}

func convEngine(t *testing.T, g *conv.Geometry, kind Kind) Engine {
	t.Helper()
	e, err := Create(Config{
		Geometry: g,
		Device:   tensor.CPU,
		DType:    tensor.Float32,
		Layout:   tensor.LayoutCHW,
		PoolKind: PoolNone,
		Allowed:  kind,
		NodeName: "test",
	})
	require.NoError(t, err)
	return e
}

func poolEngine(t *testing.T, g *conv.Geometry, kind PoolKind) Engine {
	t.Helper()
	e, err := Create(Config{
		Geometry: g,
		Device:   tensor.CPU,
		DType:    tensor.Float32,
		Layout:   tensor.LayoutCHW,
		PoolKind: kind,
		Allowed:  KindAll,
		NodeName: "test",
	})
	require.NoError(t, err)
	return e
}

// geom3x3 is a 3x3 single-channel image under a 2x2 kernel, stride 1,
// no padding, one feature map: output 2x2.
func geom3x3(t *testing.T) *conv.Geometry {
	return mustGeometry(t,
		tensor.Shape{3, 3, 1},
		tensor.Shape{2, 2, 1},
		tensor.Shape{1},
		tensor.Shape{1, 1, 1},
		nil, nil, nil, nil)
}

func TestReferenceForward_KnownValues(t *testing.T) {
	e := convEngine(t, geom3x3(t), KindReference)

	in := newF32(t, seq(9))
	// Identity on the main diagonal: out = in(x,y) + in(x+1,y+1).
	kernel := newF32(t, []float32{1, 0, 0, 1})
	out := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)

	e.Forward(in, kernel, out)
	assert.Equal(t, []float32{6, 8, 12, 14}, out.AsFloat32())
}

func TestReferenceForward_TwoMaps(t *testing.T) {
	g := mustGeometry(t,
		tensor.Shape{3, 3, 1},
		tensor.Shape{2, 2, 1},
		tensor.Shape{2},
		tensor.Shape{1, 1, 1},
		nil, nil, nil, nil)
	e := convEngine(t, g, KindReference)

	in := newF32(t, seq(9))
	kernel := newF32(t, []float32{
		1, 0, 0, 1, // map 0: diagonal sum
		0.25, 0.25, 0.25, 0.25, // map 1: window mean
	})
	out := tensor.MustNew(tensor.Shape{1, 8}, tensor.Float32, tensor.CPU)

	e.Forward(in, kernel, out)
	// Map planes are contiguous: map 0's 2x2 grid, then map 1's.
	assert.Equal(t, []float32{6, 8, 12, 14, 3, 4, 6, 7}, out.AsFloat32())
}

func TestReferenceBackwardData_Accumulates(t *testing.T) {
	e := convEngine(t, geom3x3(t), KindReference)

	kernel := newF32(t, []float32{1, 0, 0, 1})
	srcGrad := newF32(t, []float32{1, 1, 1, 1})
	grad := tensor.MustNew(tensor.Shape{1, 9}, tensor.Float32, tensor.CPU)

	e.BackwardData(srcGrad, kernel, grad)
	g := grad.AsFloat32()
	assert.Equal(t, float32(1), g[0], "corner touched by one window tap")
	assert.Equal(t, float32(2), g[4], "center touched by both kernel taps")
	assert.Equal(t, float32(1), g[8])
	var mass float32
	for _, v := range g {
		mass += v
	}
	assert.Equal(t, float32(8), mass, "each output position spreads its kernel weight sum")

	// Backward accumulates into the existing gradient.
	e.BackwardData(srcGrad, kernel, grad)
	assert.Equal(t, float32(4), grad.AsFloat32()[4])
}

func TestReferenceBackwardKernel_KnownValues(t *testing.T) {
	e := convEngine(t, geom3x3(t), KindReference)

	in := newF32(t, seq(9))
	srcGrad := newF32(t, []float32{1, 1, 1, 1})
	kernelGrad := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)

	e.BackwardKernel(srcGrad, in, kernelGrad, true)
	// Each tap's gradient is the sum of the inputs it saw.
	assert.Equal(t, []float32{12, 16, 24, 28}, kernelGrad.AsFloat32())

	e.BackwardKernel(srcGrad, in, kernelGrad, true)
	assert.Equal(t, float32(24), kernelGrad.AsFloat32()[0], "kernel gradient accumulates")
}

// geomPool4x4 pools a 4x4 single-channel image with a 2x2 window and
// stride 2: output 2x2.
func geomPool4x4(t *testing.T) *conv.Geometry {
	return mustGeometry(t,
		tensor.Shape{4, 4, 1},
		tensor.Shape{2, 2, 1},
		tensor.Shape{},
		tensor.Shape{2, 2, 1},
		nil, nil, nil, nil)
}

func TestReferenceMaxPooling_ForwardBackward(t *testing.T) {
	e := poolEngine(t, geomPool4x4(t), PoolMax)

	in := newF32(t, seq(16))
	out := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)
	e.ForwardPooling(in, out)
	assert.Equal(t, []float32{6, 8, 14, 16}, out.AsFloat32())

	srcGrad := newF32(t, []float32{1, 2, 3, 4})
	grad := tensor.MustNew(tensor.Shape{1, 16}, tensor.Float32, tensor.CPU)
	e.BackwardPooling(out, srcGrad, in, grad)

	g := grad.AsFloat32()
	assert.Equal(t, float32(1), g[5])
	assert.Equal(t, float32(2), g[7])
	assert.Equal(t, float32(3), g[13])
	assert.Equal(t, float32(4), g[15])
	var mass float32
	for _, v := range g {
		mass += v
	}
	assert.Equal(t, float32(10), mass, "max pooling routes each gradient exactly once")
}

func TestReferenceAveragePooling(t *testing.T) {
	e := poolEngine(t, geomPool4x4(t), PoolAverage)

	in := newF32(t, seq(16))
	out := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)
	e.ForwardPooling(in, out)
	assert.Equal(t, []float32{3.5, 5.5, 11.5, 13.5}, out.AsFloat32())

	srcGrad := newF32(t, []float32{4, 4, 4, 4})
	grad := tensor.MustNew(tensor.Shape{1, 16}, tensor.Float32, tensor.CPU)
	e.BackwardPooling(out, srcGrad, in, grad)
	for i, v := range grad.AsFloat32() {
		assert.Equal(t, float32(1), v, "index %d", i)
	}
}

func TestReferenceAveragePooling_PaddedWindowDividesByFullSize(t *testing.T) {
	// ceil(3/2) = 2 positions with one padded column and row; the
	// bottom-right window sees a single element but still divides by 4.
	g := mustGeometry(t,
		tensor.Shape{3, 3, 1},
		tensor.Shape{2, 2, 1},
		tensor.Shape{},
		tensor.Shape{2, 2, 1},
		nil,
		[]bool{true, true, false},
		nil, nil)
	e := poolEngine(t, g, PoolAverage)

	in := newF32(t, seq(9))
	out := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)
	e.ForwardPooling(in, out)
	assert.Equal(t, float32(9.0/4.0), out.AsFloat32()[3])
}

func TestReferenceMaxUnpooling(t *testing.T) {
	e := poolEngine(t, geomPool4x4(t), PoolMax)

	poolIn := newF32(t, seq(16))
	unpoolIn := newF32(t, []float32{10, 20, 30, 40})
	out := tensor.MustNew(tensor.Shape{1, 16}, tensor.Float32, tensor.CPU)
	// Pre-fill to prove the engine zeroes before placing.
	for i := range out.AsFloat32() {
		out.AsFloat32()[i] = -1
	}

	e.MaxUnpooling(unpoolIn, poolIn, out)
	want := make([]float32, 16)
	want[5], want[7], want[13], want[15] = 10, 20, 30, 40
	assert.Equal(t, want, out.AsFloat32())
}

func TestReferenceForward_MultipleSamples(t *testing.T) {
	e := convEngine(t, geom3x3(t), KindReference)

	in := tensor.MustNew(tensor.Shape{2, 9}, tensor.Float32, tensor.CPU)
	copy(in.AsFloat32()[:9], seq(9))
	for i := 0; i < 9; i++ {
		in.AsFloat32()[9+i] = float32(i+1) * 10
	}
	kernel := newF32(t, []float32{1, 0, 0, 1})
	out := tensor.MustNew(tensor.Shape{2, 4}, tensor.Float32, tensor.CPU)

	e.Forward(in, kernel, out)
	assert.Equal(t, []float32{6, 8, 12, 14}, out.AsFloat32()[:4])
	assert.Equal(t, []float32{60, 80, 120, 140}, out.AsFloat32()[4:])
}

func TestReferenceForward_ShapeMismatchPanics(t *testing.T) {
	e := convEngine(t, geom3x3(t), KindReference)
	in := newF32(t, seq(8)) // one element short
	kernel := newF32(t, []float32{1, 0, 0, 1})
	out := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float32, tensor.CPU)

	assert.Panics(t, func() { e.Forward(in, kernel, out) })
}

// TestReferenceGradients_FiniteDifference checks the analytic gradients
// of sum(conv(x, w)) against central differences in float64.
func TestReferenceGradients_FiniteDifference(t *testing.T) {
	g := mustGeometry(t,
		tensor.Shape{4, 4, 1},
		tensor.Shape{2, 2, 1},
		tensor.Shape{1},
		tensor.Shape{1, 1, 1},
		nil, nil, nil, nil)
	e, err := Create(Config{
		Geometry: g, Device: tensor.CPU, DType: tensor.Float64,
		Layout: tensor.LayoutCHW, Allowed: KindReference, NodeName: "fd",
	})
	require.NoError(t, err)

	in := tensor.MustNew(tensor.Shape{1, 16}, tensor.Float64, tensor.CPU)
	kernel := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float64, tensor.CPU)
	for i := range in.AsFloat64() {
		in.AsFloat64()[i] = 0.1*float64(i) - 0.7
	}
	copy(kernel.AsFloat64(), []float64{0.5, -0.25, 0.75, -1.5})

	out := tensor.MustNew(tensor.Shape{1, 9}, tensor.Float64, tensor.CPU)
	loss := func() float64 {
		e.Forward(in, kernel, out)
		var s float64
		for _, v := range out.AsFloat64() {
			s += v
		}
		return s
	}

	srcGrad := tensor.MustNew(tensor.Shape{1, 9}, tensor.Float64, tensor.CPU)
	for i := range srcGrad.AsFloat64() {
		srcGrad.AsFloat64()[i] = 1
	}
	inGrad := tensor.MustNew(tensor.Shape{1, 16}, tensor.Float64, tensor.CPU)
	kGrad := tensor.MustNew(tensor.Shape{1, 4}, tensor.Float64, tensor.CPU)
	e.BackwardData(srcGrad, kernel, inGrad)
	e.BackwardKernel(srcGrad, in, kGrad, true)

	const h = 1e-6
	for i := range in.AsFloat64() {
		orig := in.AsFloat64()[i]
		in.AsFloat64()[i] = orig + h
		plus := loss()
		in.AsFloat64()[i] = orig - h
		minus := loss()
		in.AsFloat64()[i] = orig
		assert.InDelta(t, (plus-minus)/(2*h), inGrad.AsFloat64()[i], 1e-6, "input grad %d", i)
	}
	for i := range kernel.AsFloat64() {
		orig := kernel.AsFloat64()[i]
		kernel.AsFloat64()[i] = orig + h
		plus := loss()
		kernel.AsFloat64()[i] = orig - h
		minus := loss()
		kernel.AsFloat64()[i] = orig
		assert.InDelta(t, (plus-minus)/(2*h), kGrad.AsFloat64()[i], 1e-5, "kernel grad %d", i)
	}
}
