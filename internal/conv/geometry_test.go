package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice/internal/tensor"
)

func TestComputeOutputShape_ConvolutionSamePadding(t *testing.T) {
	// 28x28x3 image, 5x5 kernel over all channels, 16 feature maps.
	out, err := ComputeOutputShape(
		tensor.Shape{28, 28, 3},
		tensor.Shape{5, 5, 3},
		tensor.Shape{16},
		tensor.Shape{1, 1, 3},
		nil,
		[]bool{true, true, false},
		nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{28, 28, 16}, out)
}

func TestComputeOutputShape_AutoPadCeilLaw(t *testing.T) {
	// With SAME padding the spatial extent is always ceil(input/stride),
	// independent of the kernel size.
	for _, k := range []int{1, 3, 5, 7} {
		out, err := ComputeOutputShape(
			tensor.Shape{28, 28, 3},
			tensor.Shape{k, k, 3},
			tensor.Shape{10},
			tensor.Shape{2, 2, 3},
			nil,
			[]bool{true, true, false},
			nil, nil,
		)
		require.NoError(t, err, "kernel %d", k)
		assert.Equal(t, tensor.Shape{14, 14, 10}, out, "kernel %d", k)
	}
}

func TestComputeOutputShape_Pooling(t *testing.T) {
	// Pooling keeps the channel axis: unit kernel and stride there, no
	// map count.
	out, err := ComputeOutputShape(
		tensor.Shape{4, 4, 3},
		tensor.Shape{2, 2, 1},
		tensor.Shape{},
		tensor.Shape{2, 2, 1},
		nil, nil, nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2, 3}, out)
}

func TestComputeOutputShape_StrideSentinelMeansKernel(t *testing.T) {
	// Stride 0 resolves to the kernel extent: non-overlapping windows.
	out, err := ComputeOutputShape(
		tensor.Shape{4, 4, 3},
		tensor.Shape{2, 2, 1},
		tensor.Shape{},
		tensor.Shape{0, 0, 1},
		nil, nil, nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2, 3}, out)
}

func TestComputeOutputShape_KernelSentinelMeansFullExtent(t *testing.T) {
	// Kernel extent 0 covers the whole axis; with stride 0 on top this
	// is global pooling.
	out, err := ComputeOutputShape(
		tensor.Shape{4, 6, 3},
		tensor.Shape{0, 0, 1},
		tensor.Shape{},
		tensor.Shape{0, 0, 1},
		nil, nil, nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 3}, out)
}

func TestComputeOutputShape_MapCountSentinel(t *testing.T) {
	// A zero map count resolves to the kernel's channel extent.
	out, err := ComputeOutputShape(
		tensor.Shape{4, 4, 3},
		tensor.Shape{2, 2, 3},
		tensor.Shape{0},
		tensor.Shape{1, 1, 3},
		nil,
		[]bool{true, true, false},
		nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 4, 3}, out)
}

func TestComputeOutputShape_KernelLargerThanInput(t *testing.T) {
	_, err := ComputeOutputShape(
		tensor.Shape{4, 4, 3},
		tensor.Shape{5, 5, 3},
		tensor.Shape{8},
		tensor.Shape{1, 1, 3},
		nil, nil, nil, nil,
	)
	require.Error(t, err)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 0, shapeErr.Axis)
}

func TestComputeInputShape_InvertsExplicitPadding(t *testing.T) {
	input := tensor.Shape{7, 9, 3}
	kernel := tensor.Shape{3, 3, 3}
	mapCount := tensor.Shape{8}
	stride := tensor.Shape{2, 2, 3}
	lower := tensor.Shape{1, 1, 0}
	upper := tensor.Shape{1, 1, 0}

	out, err := ComputeOutputShape(input, kernel, mapCount, stride, nil, nil, lower, upper)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 5, 8}, out)

	back, err := ComputeInputShape(out, kernel, mapCount, stride, nil, nil, lower, upper)
	require.NoError(t, err)
	assert.Equal(t, input, back)
}

func TestComputeInputShape_InvertsAutoPadding(t *testing.T) {
	// SAME padding loses nothing when the input extent is a stride
	// multiple, so the round trip is exact.
	input := tensor.Shape{28, 28, 3}
	kernel := tensor.Shape{3, 3, 3}
	mapCount := tensor.Shape{10}
	stride := tensor.Shape{2, 2, 3}
	autoPad := []bool{true, true, false}

	out, err := ComputeOutputShape(input, kernel, mapCount, stride, nil, autoPad, nil, nil)
	require.NoError(t, err)

	back, err := ComputeInputShape(out, kernel, mapCount, stride, nil, autoPad, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, input, back)
}

func TestComputeInputShape_RejectsIndivisibleMapCount(t *testing.T) {
	_, err := ComputeInputShape(
		tensor.Shape{4, 4, 7},
		tensor.Shape{2, 2, 3},
		tensor.Shape{2},
		tensor.Shape{2, 2, 3},
		nil, nil, nil, nil,
	)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 2, shapeErr.Axis)
}

func TestNewGeometry_StartPadSplitsRemainderUpward(t *testing.T) {
	// 28 wide, stride 2, kernel 3: one pad element total, and the odd
	// element goes to the upper side, so the lower pad is 0.
	g, err := NewGeometry(
		tensor.Shape{28, 28, 3},
		tensor.Shape{3, 3, 3},
		tensor.Shape{10},
		tensor.Shape{2, 2, 3},
		nil,
		[]bool{true, true, false},
		nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 0, g.StartPad(0))

	// Stride 1 needs two pad elements, split evenly.
	g, err = NewGeometry(
		tensor.Shape{28, 28, 3},
		tensor.Shape{3, 3, 3},
		tensor.Shape{10},
		tensor.Shape{1, 1, 3},
		nil,
		[]bool{true, true, false},
		nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 1, g.StartPad(0))
}

func TestNewGeometry_KernelCountWithUnsharedAxis(t *testing.T) {
	g, err := NewGeometry(
		tensor.Shape{4, 4, 3},
		tensor.Shape{2, 2, 3},
		tensor.Shape{5},
		tensor.Shape{2, 2, 3},
		[]bool{false, true, true},
		nil, nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2, 5}, g.OutputShape)
	assert.Equal(t, tensor.Shape{2, 2, 1}, g.OutputBaseShape())

	// Five maps, and one kernel slice per output column on the
	// unshared first axis.
	assert.Equal(t, 10, g.KernelCount())
}

func TestNewGeometry_FullSharingKernelCountIsMapCount(t *testing.T) {
	g, err := NewGeometry(
		tensor.Shape{28, 28, 3},
		tensor.Shape{5, 5, 3},
		tensor.Shape{16},
		tensor.Shape{1, 1, 3},
		nil,
		[]bool{true, true, false},
		nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 16, g.KernelCount())
	assert.Equal(t, 16, g.MapCountTotal())
}

func TestNewGeometry_RejectsUnresolvedInput(t *testing.T) {
	_, err := NewGeometry(
		tensor.Shape{28, 0, 3},
		tensor.Shape{5, 5, 3},
		tensor.Shape{16},
		tensor.Shape{1, 1, 3},
		nil, nil, nil, nil,
	)
	require.Error(t, err)
}

func TestGeometry_Equal(t *testing.T) {
	build := func(kernel, stride tensor.Shape) *Geometry {
		g, err := NewGeometry(tensor.Shape{4, 4, 1}, kernel, tensor.Shape{}, stride,
			nil, nil, nil, nil)
		require.NoError(t, err)
		return g
	}

	a := build(tensor.Shape{2, 2, 1}, tensor.Shape{2, 2, 1})
	same := build(tensor.Shape{2, 2, 1}, tensor.Shape{2, 2, 1})
	assert.True(t, a.Equal(same))

	// A 3x3 window at stride 1 produces the same 2x2 output but is a
	// different configuration.
	other := build(tensor.Shape{3, 3, 1}, tensor.Shape{1, 1, 1})
	assert.True(t, a.OutputShape.Equal(other.OutputShape))
	assert.False(t, a.Equal(other))

	// Stride sentinels resolve before comparison.
	sentinel := build(tensor.Shape{2, 2, 1}, tensor.Shape{0, 0, 1})
	assert.True(t, a.Equal(sentinel))
}

func TestGeometry_SentinelAccessors(t *testing.T) {
	g, err := NewGeometry(
		tensor.Shape{4, 4, 3},
		tensor.Shape{2, 2, 1},
		tensor.Shape{},
		tensor.Shape{0, 0, 1},
		nil, nil, nil, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, g.KernelDim(0))
	assert.Equal(t, 2, g.StrideDim(0), "stride 0 resolves to kernel extent")
	assert.Equal(t, 1, g.StrideDim(2))
	assert.True(t, g.SharingDim(0), "sharing defaults to true")
	assert.False(t, g.AutoPadDim(1), "auto padding defaults to false")
}
