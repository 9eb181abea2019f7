package tensor

import (
	"fmt"
	"unsafe"
)

// Device identifies the compute device a buffer lives on.
type Device int

// Supported compute devices. Only CPU engines ship with this module;
// the enum leaves room for accelerator backends behind the same factory.
const (
	CPU Device = iota
	CUDA
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// RawTensor is the dense buffer type consumed by the spatial operators.
//
// Engine-facing buffers use the shape {samples, sampleElements}: one row
// per minibatch sample, rows laid out consecutively. Sample interiors are
// linearized with channel-major strides (Shape.ComputeStrides).
type RawTensor struct {
	data   []byte
	shape  Shape
	dtype  DataType
	device Device
}

// NewRaw creates a zero-filled tensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &RawTensor{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}, nil
}

// MustNew creates a tensor and panics on an invalid shape. Intended for
// shapes already validated by the geometry layer.
func MustNew(shape Shape, dtype DataType, device Device) *RawTensor {
	t, err := NewRaw(shape, dtype, device)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	return t
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the tensor's compute device.
func (r *RawTensor) Device() Device {
	return r.device
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Capacity returns the allocated storage in bytes, which may exceed
// ByteSize after a shrinking Resize.
func (r *RawTensor) Capacity() int {
	return cap(r.data)
}

// Data returns the raw byte slice backing the current shape.
func (r *RawTensor) Data() []byte {
	return r.data[:r.ByteSize()]
}

// Resize changes the tensor's shape in place, reallocating only when the
// new shape needs more storage than is already held. Element values are
// unspecified after a growing resize; callers that need zeros must call
// ZeroFill.
func (r *RawTensor) Resize(shape Shape) {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("resize: %v", err))
	}
	need := shape.NumElements() * r.dtype.Size()
	if need > cap(r.data) {
		grown := make([]byte, need)
		copy(grown, r.data)
		r.data = grown
	} else {
		r.data = r.data[:need]
	}
	r.shape = shape.Clone()
}

// ZeroFill sets every element to zero.
func (r *RawTensor) ZeroFill() {
	clear(r.data[:r.ByteSize()])
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	if r.NumElements() == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	if r.NumElements() == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsFloat16 interprets the data as half-precision bit patterns.
// Panics if the tensor's dtype is not Float16.
func (r *RawTensor) AsFloat16() []uint16 {
	if r.dtype != Float16 {
		panic(fmt.Sprintf("tensor dtype is %s, not float16", r.dtype))
	}
	if r.NumElements() == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsInt32 interprets the data as []int32.
// Panics if the tensor's dtype is not Int32.
func (r *RawTensor) AsInt32() []int32 {
	if r.dtype != Int32 {
		panic(fmt.Sprintf("tensor dtype is %s, not int32", r.dtype))
	}
	if r.NumElements() == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// At returns element i widened to float64, for any float dtype.
func (r *RawTensor) At(i int) float64 {
	switch r.dtype {
	case Float32:
		return float64(r.AsFloat32()[i])
	case Float64:
		return r.AsFloat64()[i]
	default:
		panic(fmt.Sprintf("At: unsupported dtype %s", r.dtype))
	}
}

// SetAt stores v into element i, narrowing as needed.
func (r *RawTensor) SetAt(i int, v float64) {
	switch r.dtype {
	case Float32:
		r.AsFloat32()[i] = float32(v)
	case Float64:
		r.AsFloat64()[i] = v
	default:
		panic(fmt.Sprintf("SetAt: unsupported dtype %s", r.dtype))
	}
}

// Clone returns a deep copy.
func (r *RawTensor) Clone() *RawTensor {
	clone := MustNew(r.shape, r.dtype, r.device)
	copy(clone.data, r.Data())
	return clone
}

// CopyFrom copies element data from src, which must match in shape,
// dtype and device.
func (r *RawTensor) CopyFrom(src *RawTensor) {
	if !r.shape.Equal(src.shape) || r.dtype != src.dtype {
		panic(fmt.Sprintf("copy: incompatible tensors %s/%s vs %s/%s",
			r.shape, r.dtype, src.shape, src.dtype))
	}
	copy(r.Data(), src.Data())
}

// Rows returns a view of rows [begin, end) of a {rows, rowElements}
// tensor. The view shares storage with the parent.
func (r *RawTensor) Rows(begin, end int) *RawTensor {
	if r.shape.Rank() != 2 {
		panic(fmt.Sprintf("rows: tensor must be rank 2, got %s", r.shape))
	}
	rows := r.shape[0]
	if begin < 0 || end > rows || begin > end {
		panic(fmt.Sprintf("rows: range [%d, %d) out of bounds for %d rows", begin, end, rows))
	}
	rowBytes := r.shape[1] * r.dtype.Size()
	return &RawTensor{
		data:   r.data[begin*rowBytes : end*rowBytes],
		shape:  Shape{end - begin, r.shape[1]},
		dtype:  r.dtype,
		device: r.device,
	}
}
