// Package graph implements the spatial node family: shape validation,
// engine binding and forward/backward dispatch for convolution,
// pooling, unpooling and ROI pooling inside a computation graph.
package graph

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// FrameRange selects the minibatch samples one ForwardProp or
// BackpropTo call covers. The zero value covers the whole minibatch.
type FrameRange struct {
	begin, end int
	all        bool
}

// AllFrames covers every sample of the minibatch.
func AllFrames() FrameRange {
	return FrameRange{all: true}
}

// Frames covers samples [begin, end).
func Frames(begin, end int) FrameRange {
	if begin < 0 || end < begin {
		panic(fmt.Sprintf("frame range [%d, %d) is invalid", begin, end))
	}
	return FrameRange{begin: begin, end: end}
}

// IsAllFrames reports whether the range covers the whole minibatch.
func (fr FrameRange) IsAllFrames() bool { return fr.all }

func (fr FrameRange) String() string {
	if fr.all {
		return "[*]"
	}
	return fmt.Sprintf("[%d, %d)", fr.begin, fr.end)
}

// slice returns the view of t the range covers. The whole-batch range
// returns t itself; partial ranges alias the underlying rows.
func (fr FrameRange) slice(t *tensor.RawTensor) *tensor.RawTensor {
	if fr.all {
		return t
	}
	if fr.end > t.Shape()[0] {
		panic(fmt.Sprintf("frame range %s exceeds %d samples", fr, t.Shape()[0]))
	}
	return t.Rows(fr.begin, fr.end)
}

// samples returns how many samples the range covers out of total.
func (fr FrameRange) samples(total int) int {
	if fr.all {
		return total
	}
	return fr.end - fr.begin
}
