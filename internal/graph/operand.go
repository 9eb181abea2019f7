package graph

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Operand is an upstream edge a node reads: a sample shape for
// validation and value/gradient buffers for execution. SpatialNode
// implements Operand itself, so nodes chain.
type Operand interface {
	Name() string

	// SampleShape is the per-sample shape, without the batch axis.
	// Extents may be 0 before shape inference completes.
	SampleShape() tensor.Shape

	// Value returns the {samples, sampleElems} forward buffer.
	Value() *tensor.RawTensor

	// Gradient returns the {samples, sampleElems} gradient buffer,
	// allocated zeroed on first use.
	Gradient() *tensor.RawTensor
}

// ShapeReceiver is implemented by operands whose sample shape may be
// completed by a downstream consumer, such as a weight parameter whose
// extents follow from the derived geometry.
type ShapeReceiver interface {
	InferSampleShape(tensor.Shape) error
}

// Source is a leaf operand: a named input or parameter with an owned
// value and gradient. It is the graph-entry operand used by callers
// and tests.
type Source struct {
	name   string
	shape  tensor.Shape
	dtype  tensor.DataType
	device tensor.Device

	value *tensor.RawTensor
	grad  *tensor.RawTensor
}

// NewSource creates a CPU-resident leaf operand. Shape extents of 0
// are inference slots to be filled by a consumer.
func NewSource(name string, shape tensor.Shape, dtype tensor.DataType) *Source {
	return &Source{name: name, shape: shape.Clone(), dtype: dtype, device: tensor.CPU}
}

func (s *Source) Name() string              { return s.name }
func (s *Source) SampleShape() tensor.Shape { return s.shape }

// InferSampleShape fills unresolved extents from the proposal; extents
// already set must agree.
func (s *Source) InferSampleShape(shape tensor.Shape) error {
	if s.shape.Rank() == 0 {
		s.shape = shape.Clone()
		return nil
	}
	if s.shape.Rank() != shape.Rank() {
		return errors.Errorf("operand %q: cannot infer rank-%d shape over declared rank-%d shape",
			s.name, shape.Rank(), s.shape.Rank())
	}
	for i, d := range shape {
		switch {
		case s.shape[i] == 0:
			s.shape[i] = d
		case d != 0 && s.shape[i] != d:
			return errors.Errorf("operand %q: axis %d is %d, inference wants %d",
				s.name, i, s.shape[i], d)
		}
	}
	return nil
}

// SetBatchSize allocates (or reallocates) the value buffer for the
// given sample count. The shape must be fully resolved.
func (s *Source) SetBatchSize(samples int) {
	if err := s.shape.ValidatePositive(); err != nil {
		panic(fmt.Sprintf("operand %q: batch allocation with unresolved shape %s", s.name, s.shape))
	}
	elems := s.shape.NumElements()
	if s.value == nil {
		s.value = tensor.MustNew(tensor.Shape{samples, elems}, s.dtype, s.device)
	} else {
		s.value.Resize(tensor.Shape{samples, elems})
	}
	s.grad = nil
}

func (s *Source) Value() *tensor.RawTensor {
	if s.value == nil {
		panic(fmt.Sprintf("operand %q: Value before SetBatchSize", s.name))
	}
	return s.value
}

func (s *Source) Gradient() *tensor.RawTensor {
	if s.grad == nil {
		v := s.Value()
		s.grad = tensor.MustNew(v.Shape(), s.dtype, s.device)
	}
	return s.grad
}
