// Package conv implements the shape arithmetic shared by every spatial
// operator: deriving an output tensor shape from an input shape plus
// kernel, stride, padding and sharing configuration, and the algebraic
// inverse used by transposed operators.
package conv

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// ShapeError reports an invalid tensor extent discovered while deriving
// a spatial operator's geometry. It is always fatal: a shape error means
// the model graph is misconfigured and cannot self-correct.
type ShapeError struct {
	Axis   int // axis the error refers to, -1 when not axis-specific
	Reason string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	if e.Axis >= 0 {
		return fmt.Sprintf("shape error on axis %d: %s", e.Axis, e.Reason)
	}
	return "shape error: " + e.Reason
}

func shapeErrf(axis int, format string, args ...any) error {
	return &ShapeError{Axis: axis, Reason: fmt.Sprintf(format, args...)}
}

// Geometry binds one operator's complete spatial configuration to a
// concrete input shape. It is derived once, on the final validation
// pass, and is immutable afterward; each node owns its geometry
// exclusively even when two nodes are numerically identical, because
// each binds its own engine to it.
type Geometry struct {
	InputShape  tensor.Shape
	KernelShape tensor.Shape
	MapCount    tensor.Shape
	Stride      tensor.Shape
	Sharing     []bool
	AutoPad     []bool
	LowerPad    tensor.Shape
	UpperPad    tensor.Shape

	OutputShape tensor.Shape

	// startPad[i] is the realized lower padding on axis i: the given
	// lower pad on explicit axes, the computed SAME-style lower half
	// on auto-pad axes.
	startPad []int
}

// NewGeometry derives and validates the full geometry for the given
// configuration. The input shape must be finalized (all extents >= 1).
func NewGeometry(input, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (*Geometry, error) {
	if err := input.ValidatePositive(); err != nil {
		return nil, errors.Wrap(&ShapeError{Axis: -1, Reason: err.Error()}, "input shape")
	}
	output, err := ComputeOutputShape(input, kernel, mapCount, stride, sharing, autoPad, lowerPad, upperPad)
	if err != nil {
		return nil, err
	}

	g := &Geometry{
		InputShape:  input.Clone(),
		KernelShape: kernel.Clone(),
		MapCount:    resolveMapCount(mapCount, kernel, input.Rank()),
		Stride:      stride.Clone(),
		Sharing:     append([]bool(nil), sharing...),
		AutoPad:     append([]bool(nil), autoPad...),
		LowerPad:    lowerPad.Clone(),
		UpperPad:    upperPad.Clone(),
		OutputShape: output,
		startPad:    make([]int, input.Rank()),
	}
	for i := range g.startPad {
		g.startPad[i] = g.realizedLowerPad(i)
	}
	return g, nil
}

// Rank returns the number of axes the geometry spans.
func (g *Geometry) Rank() int {
	return g.InputShape.Rank()
}

// KernelDim returns the kernel extent on axis i; a zero extent is the
// sentinel for "full input extent" and resolves accordingly.
func (g *Geometry) KernelDim(i int) int {
	return kernelDim(g.InputShape, g.KernelShape, i)
}

// StrideDim returns the stride on axis i; a zero stride is the sentinel
// for "stride equal to the kernel extent" (non-overlapping windows).
func (g *Geometry) StrideDim(i int) int {
	return strideDim(g.InputShape, g.KernelShape, g.Stride, i)
}

// SharingDim reports whether one kernel is reused at every position
// along axis i. The flag vector broadcasts its last entry.
func (g *Geometry) SharingDim(i int) bool {
	return boolDim(g.Sharing, i, true)
}

// AutoPadDim reports whether SAME-style padding applies on axis i.
func (g *Geometry) AutoPadDim(i int) bool {
	return boolDim(g.AutoPad, i, false)
}

// StartPad returns the realized lower padding on axis i.
func (g *Geometry) StartPad(i int) int {
	return g.startPad[i]
}

// MapCountTotal returns the total number of output feature maps.
func (g *Geometry) MapCountTotal() int {
	return g.MapCount.NumElements()
}

// OutputBaseShape returns the per-axis output extents before the
// map-count multiplication: the grid of sliding-window positions.
func (g *Geometry) OutputBaseShape() tensor.Shape {
	base := g.OutputShape.Clone()
	if g.MapCount.Rank() == g.Rank() {
		for i := range base {
			if m := g.MapCount[i]; m > 1 {
				base[i] /= m
			}
		}
	} else if m := g.MapCountTotal(); m > 1 {
		base[len(base)-1] /= m
	}
	return base
}

// KernelCount returns the number of independent kernel slices the
// engine must hold: the map count times one slice per output position
// along every non-shared axis.
func (g *Geometry) KernelCount() int {
	count := g.MapCountTotal()
	base := g.OutputBaseShape()
	for i := 0; i < g.Rank(); i++ {
		if !g.SharingDim(i) {
			count *= base[i]
		}
	}
	return count
}

// Equal reports whether two geometries resolve to the same execution
// configuration: identical input and output extents and identical
// per-axis kernel, stride, sharing and realized padding. Sentinels are
// resolved before comparison, so {0} and an explicit kernel extent
// describing the same window compare equal.
func (g *Geometry) Equal(o *Geometry) bool {
	if g == o {
		return true
	}
	if g == nil || o == nil {
		return false
	}
	if !g.InputShape.Equal(o.InputShape) || !g.OutputShape.Equal(o.OutputShape) {
		return false
	}
	if !g.OutputBaseShape().Equal(o.OutputBaseShape()) || g.KernelCount() != o.KernelCount() {
		return false
	}
	for i := 0; i < g.Rank(); i++ {
		if g.KernelDim(i) != o.KernelDim(i) ||
			g.StrideDim(i) != o.StrideDim(i) ||
			g.SharingDim(i) != o.SharingDim(i) ||
			g.StartPad(i) != o.StartPad(i) {
			return false
		}
	}
	return true
}

// String summarizes the geometry for diagnostics.
func (g *Geometry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input %s, kernel %s, map count %s, stride %s, output %s",
		g.InputShape, g.KernelShape, g.MapCount, g.Stride, g.OutputShape)
	return b.String()
}

// realizedLowerPad computes the effective lower padding on one axis.
// SAME-style padding places any odd remainder on the upper side, so the
// lower half rounds down.
func (g *Geometry) realizedLowerPad(i int) int {
	if !g.AutoPadDim(i) {
		return padDim(g.LowerPad, i)
	}
	n := g.InputShape[i]
	k := g.KernelDim(i)
	s := g.StrideDim(i)
	out := ceilDiv(n, s)
	total := (out-1)*s + k - n
	if total < 0 {
		total = 0
	}
	return total / 2
}

// ComputeOutputShape derives the output shape for a forward spatial
// operation. Every axis runs through the same arithmetic: auto-pad axes
// produce ceil(input/stride) positions (SAME padding, odd remainder on
// the upper side); explicit-pad axes produce
// floor((input + lower + upper - kernel) / stride) + 1. The per-axis
// position count is then multiplied by the map count, which lands on
// the channel (last) axis when the map-count shape has lower rank than
// the input.
//
// Sharing flags do not enter the extent arithmetic; they only change
// how many kernel slices the engine must allocate (see KernelCount).
func ComputeOutputShape(input, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (tensor.Shape, error) {
	_ = sharing // recorded by the geometry, irrelevant to extents

	rank := input.Rank()
	mapCount = resolveMapCount(mapCount, kernel, rank)
	output := make(tensor.Shape, rank)
	for i := 0; i < rank; i++ {
		n := input[i]
		k := kernelDim(input, kernel, i)
		s := strideDim(input, kernel, stride, i)
		if k <= 0 {
			return nil, shapeErrf(i, "kernel extent %d must be positive", k)
		}
		if s <= 0 {
			return nil, shapeErrf(i, "stride %d must be positive", s)
		}

		var positions int
		if boolDim(autoPad, i, false) {
			positions = ceilDiv(n, s)
		} else {
			lo := padDim(lowerPad, i)
			hi := padDim(upperPad, i)
			if n+lo+hi < k {
				return nil, shapeErrf(i, "kernel extent %d exceeds input extent %d plus padding %d+%d",
					k, n, lo, hi)
			}
			positions = (n+lo+hi-k)/s + 1
		}
		if positions <= 0 {
			return nil, shapeErrf(i, "output extent %d is not positive", positions)
		}

		output[i] = positions * mapDim(mapCount, i, rank)
		if output[i] <= 0 {
			return nil, shapeErrf(i, "output extent %d is not positive", output[i])
		}
	}
	return output, nil
}

// ComputeInputShape is the algebraic inverse of ComputeOutputShape,
// used by transposed operators whose node input is really the forward
// operation's output. The inverse is exact because kernel, stride and
// padding are fixed configuration, not derived quantities: the
// transform is a deterministic reshaping.
func ComputeInputShape(output, kernel, mapCount, stride tensor.Shape, sharing, autoPad []bool,
	lowerPad, upperPad tensor.Shape,
) (tensor.Shape, error) {
	_ = sharing

	rank := output.Rank()
	mapCount = resolveMapCount(mapCount, kernel, rank)
	input := make(tensor.Shape, rank)
	for i := 0; i < rank; i++ {
		m := mapDim(mapCount, i, rank)
		if m <= 0 || output[i]%m != 0 {
			return nil, shapeErrf(i, "output extent %d is not divisible by map count %d", output[i], m)
		}
		positions := output[i] / m

		// Kernel and stride sentinels cannot be resolved against an
		// unknown input, so the inverse requires explicit values.
		k := kernel.Dim(i)
		if k <= 0 {
			return nil, shapeErrf(i, "transposed operator requires an explicit kernel extent, got %d", k)
		}
		s := stride.Dim(i)
		if s <= 0 {
			s = k
		}

		if boolDim(autoPad, i, false) {
			input[i] = positions * s
		} else {
			input[i] = (positions-1)*s + k - padDim(lowerPad, i) - padDim(upperPad, i)
		}
		if input[i] <= 0 {
			return nil, shapeErrf(i, "recovered input extent %d is not positive", input[i])
		}
	}
	return input, nil
}

// kernelDim resolves the kernel extent on axis i; the 0 sentinel means
// "cover the whole input extent".
func kernelDim(input, kernel tensor.Shape, i int) int {
	k := kernel.Dim(i)
	if k == 0 {
		return input[i]
	}
	return k
}

// strideDim resolves the stride on axis i; the 0 sentinel means
// "stride equal to the kernel extent" (non-overlapping windows).
func strideDim(input, kernel, stride tensor.Shape, i int) int {
	s := stride.Dim(i)
	if s == 0 {
		return kernelDim(input, kernel, i)
	}
	return s
}

// padDim resolves explicit padding on axis i, defaulting to 0.
func padDim(pad tensor.Shape, i int) int {
	if pad.Rank() == 0 {
		return 0
	}
	return pad.Dim(i)
}

// resolveMapCount replaces the 0 sentinel ("infer from the kernel")
// with the kernel's channel extent. Geometry always carries a resolved
// map count so the output arithmetic and KernelCount agree.
func resolveMapCount(mapCount, kernel tensor.Shape, rank int) tensor.Shape {
	if mapCount.NumElements() != 0 {
		return mapCount.Clone()
	}
	return tensor.Shape{kernel.Dim(rank - 1)}
}

// mapDim resolves the map-count factor applied to axis i. A map-count
// shape of matching rank multiplies per axis; a lower-rank shape
// multiplies the channel (last) axis by its element total.
func mapDim(mapCount tensor.Shape, i, rank int) int {
	if mapCount.Rank() == rank {
		return mapCount[i]
	}
	if i != rank-1 {
		return 1
	}
	return mapCount.NumElements()
}

// boolDim indexes a flag vector with last-entry broadcast.
func boolDim(flags []bool, i int, def bool) bool {
	if len(flags) == 0 {
		return def
	}
	if i < len(flags) {
		return flags[i]
	}
	return flags[len(flags)-1]
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
