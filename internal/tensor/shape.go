package tensor

import (
	"fmt"
	"strings"
)

// Shape is an ordered sequence of dimension extents.
//
// Sample shapes follow the channel-major convention: entry 0 is the
// fastest-varying spatial axis and the channel axis comes last, e.g.
// {width, height, channels} for image data. A zero extent in map-count
// and stride shapes is a sentinel meaning "infer from the peer operand";
// a finalized shape has every extent >= 1.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that no extent is negative. Zero extents are allowed:
// they are the "infer" sentinel during shape negotiation.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid extent at axis %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// ValidatePositive checks that every extent is at least 1. Finalized
// shapes (anything handed to an engine) must pass this.
func (s Shape) ValidatePositive() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid extent at axis %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes have identical rank and extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// SubShape returns the extents in [begin, end).
func (s Shape) SubShape(begin, end int) Shape {
	if begin < 0 || end > len(s) || begin > end {
		panic(fmt.Sprintf("subshape [%d, %d) out of range for rank %d", begin, end, len(s)))
	}
	sub := make(Shape, end-begin)
	copy(sub, s[begin:end])
	return sub
}

// Dim returns the extent at axis i, broadcasting the last extent for
// axes beyond the rank. Kernel, stride and pad shapes of lower rank
// than the operand apply their last entry to the remaining axes.
func (s Shape) Dim(i int) int {
	if len(s) == 0 {
		return 1
	}
	if i < len(s) {
		return s[i]
	}
	return s[len(s)-1]
}

// ComputeStrides returns channel-major strides: stride[0] = 1 and each
// axis varies faster than the next. Flat offsets are sum(idx[i]*stride[i]).
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[0] = 1
	for i := 1; i < len(s); i++ {
		strides[i] = strides[i-1] * s[i-1]
	}
	return strides
}

// String formats the shape as e.g. "[28 x 28 x 3]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}
