// Package tensor provides the dense buffer type, shape arithmetic and
// layout plumbing shared by the spatial operators.
package tensor

import "github.com/x448/float16"

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Float64
	Float16
	Int32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64:
		return 8
	case Float16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// Float16ToFloat32 widens IEEE 754 half-precision bit patterns.
func Float16ToFloat32(src []uint16, dst []float32) {
	for i, bits := range src {
		dst[i] = float16.Frombits(bits).Float32()
	}
}

// Float32ToFloat16 narrows to IEEE 754 half-precision bit patterns,
// rounding to nearest even.
func Float32ToFloat16(src []float32, dst []uint16) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}
