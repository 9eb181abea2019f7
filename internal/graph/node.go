package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/engine"
	"github.com/lattice-ml/lattice/internal/scratch"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// OpKind tags the operator variant a SpatialNode executes.
type OpKind int

const (
	Convolution OpKind = iota
	TransposedConvolution
	MaxPooling
	AveragePooling
	MaxUnpooling
	ROIPooling
)

func (k OpKind) String() string {
	switch k {
	case Convolution:
		return "Convolution"
	case TransposedConvolution:
		return "TransposedConvolution"
	case MaxPooling:
		return "MaxPooling"
	case AveragePooling:
		return "AveragePooling"
	case MaxUnpooling:
		return "MaxUnpooling"
	case ROIPooling:
		return "ROIPooling"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// State tracks the node life cycle. Transitions are one-way except
// that validation may rerun while shapes settle.
type State int

const (
	Unconfigured State = iota
	ShapeValidated
	EngineBound
	Executable
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "Unconfigured"
	case ShapeValidated:
		return "ShapeValidated"
	case EngineBound:
		return "EngineBound"
	case Executable:
		return "Executable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the declarative operator configuration a constructor
// captures. Extent 0 anywhere means "infer during validation".
type Config struct {
	KernelShape tensor.Shape
	MapCount    tensor.Shape
	Stride      tensor.Shape
	Sharing     []bool
	AutoPad     []bool
	LowerPad    tensor.Shape
	UpperPad    tensor.Shape

	Layout            tensor.ImageLayout
	DType             tensor.DataType
	MaxScratchSamples int

	// Convolution2D records that the node was built through the flat
	// 2-D constructor, so serialization can round-trip that form.
	Convolution2D bool

	// ROIOutput holds the pooled {width, height} target for ROIPooling.
	ROIOutput tensor.Shape
}

func (c Config) clone() Config {
	d := c
	d.KernelShape = c.KernelShape.Clone()
	d.MapCount = c.MapCount.Clone()
	d.Stride = c.Stride.Clone()
	d.Sharing = append([]bool(nil), c.Sharing...)
	d.AutoPad = append([]bool(nil), c.AutoPad...)
	d.LowerPad = c.LowerPad.Clone()
	d.UpperPad = c.UpperPad.Clone()
	d.ROIOutput = c.ROIOutput.Clone()
	return d
}

// SpatialNode is one tagged-variant spatial operator instance. A node
// owns its geometry and engine exclusively; two numerically identical
// nodes still bind separate engines.
type SpatialNode struct {
	name   string
	kind   OpKind
	cfg    Config
	inputs []Operand
	device tensor.Device

	state    State
	geom     *conv.Geometry
	eng      engine.Engine
	outShape tensor.Shape // sample shape in cfg.Layout axis order

	// ROI execution state fixed at validation.
	roiDims       tensor.ImageDims
	roisPerSample int

	value *tensor.RawTensor
	grad  *tensor.RawTensor

	pool    *scratch.Pool
	handles []*scratch.Handle
	argmax  *tensor.RawTensor
	temp    *tensor.RawTensor
}

func newSpatialNode(name string, kind OpKind, cfg Config, inputs ...Operand) *SpatialNode {
	return &SpatialNode{
		name:   name,
		kind:   kind,
		cfg:    cfg.clone(),
		inputs: inputs,
		device: tensor.CPU,
	}
}

func (n *SpatialNode) Name() string    { return n.name }
func (n *SpatialNode) Kind() OpKind    { return n.kind }
func (n *SpatialNode) State() State    { return n.state }
func (n *SpatialNode) Config() Config  { return n.cfg.clone() }
func (n *SpatialNode) Inputs() []Operand {
	return append([]Operand(nil), n.inputs...)
}

// Geometry returns the bound geometry, nil before shape validation.
func (n *SpatialNode) Geometry() *conv.Geometry { return n.geom }

// SampleShape returns the node's output sample shape in the node's
// layout order; nil until validation has run.
func (n *SpatialNode) SampleShape() tensor.Shape { return n.outShape }

// OutputUsedInComputingInputNodesGradients reports whether BackpropTo
// reads the retained forward output. Only max pooling does: its
// backward pass locates window maxima by value.
func (n *SpatialNode) OutputUsedInComputingInputNodesGradients() bool {
	return n.kind == MaxPooling
}

// SetMaxScratchSizeInSamples adjusts the engine workspace cap. Takes
// effect immediately on a bound engine.
func (n *SpatialNode) SetMaxScratchSizeInSamples(samples int) {
	n.cfg.MaxScratchSamples = samples
	if n.eng != nil {
		n.eng.SetMaxScratchSizeInSamples(samples)
	}
}

// Clone copies the node's declarative configuration into a fresh
// unconfigured node reading the given operands.
func (n *SpatialNode) Clone(name string, inputs ...Operand) *SpatialNode {
	if len(inputs) == 0 {
		inputs = n.inputs
	}
	return newSpatialNode(name, n.kind, n.cfg, inputs...)
}

func (n *SpatialNode) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q (%s", n.kind, n.name, n.state)
	if n.geom != nil {
		fmt.Fprintf(&b, "; %s", n.geom)
	}
	if n.outShape != nil {
		fmt.Fprintf(&b, "; sample %s", n.outShape)
	}
	b.WriteString(")")
	return b.String()
}

// Validate derives the node's geometry and output shape from the
// current operand shapes. Non-final passes tolerate unresolved
// operands and may run any number of times; the final pass requires
// complete shapes and binds the engine exactly once.
func (n *SpatialNode) Validate(isFinalPass bool) error {
	for i, in := range n.inputs {
		if in == nil {
			return errors.Errorf("node %q: operand %d is nil", n.name, i)
		}
	}

	var err error
	var complete bool
	switch n.kind {
	case Convolution, TransposedConvolution:
		complete, err = n.validateConvolution(isFinalPass)
	case MaxPooling, AveragePooling:
		complete, err = n.validatePooling(isFinalPass)
	case MaxUnpooling:
		complete, err = n.validateUnpooling(isFinalPass)
	case ROIPooling:
		complete, err = n.validateROIPooling(isFinalPass)
	default:
		return errors.Errorf("node %q: unknown operator kind %d", n.name, int(n.kind))
	}
	if err != nil {
		return errors.Wrapf(err, "node %q", n.name)
	}
	if !complete {
		if isFinalPass {
			return errors.Errorf("node %q: operand shapes still unresolved on final pass", n.name)
		}
		return nil
	}

	if n.state < ShapeValidated {
		n.state = ShapeValidated
	}
	klog.V(2).Infof("node %q: validated, output sample %s", n.name, n.outShape)

	if !isFinalPass {
		return nil
	}
	return n.bindEngine()
}

// bindEngine constructs the engine on the final validation pass.
// Binding is permanent; a repeated final pass with an unchanged
// geometry is a no-op, a changed geometry is a programming error.
func (n *SpatialNode) bindEngine() error {
	if n.eng != nil {
		if !n.eng.Geometry().Equal(n.geom) {
			panic(fmt.Sprintf("node %q: engine rebind attempted with a different geometry: bound %s, revalidated %s",
				n.name, n.eng.Geometry(), n.geom))
		}
		n.geom = n.eng.Geometry()
		return nil
	}
	if n.kind == ROIPooling {
		// ROI pooling executes on raw buffers, bypassing the engine
		// interface.
		n.state = EngineBound
		return nil
	}

	poolKind := engine.PoolNone
	allowed := engine.KindAll
	switch n.kind {
	case MaxPooling:
		poolKind = engine.PoolMax
	case AveragePooling:
		poolKind = engine.PoolAverage
	case MaxUnpooling:
		// Unpooling exists only on the reference engine; request that
		// capability explicitly rather than rely on fallback.
		poolKind = engine.PoolMax
		allowed = engine.KindReference
	}

	eng, err := engine.Create(engine.Config{
		Geometry:          n.geom,
		Device:            n.device,
		DType:             n.cfg.DType,
		Layout:            n.cfg.Layout,
		PoolKind:          poolKind,
		Allowed:           allowed,
		MaxScratchSamples: n.cfg.MaxScratchSamples,
		NodeName:          n.name,
	})
	if err != nil {
		return errors.Wrapf(err, "node %q", n.name)
	}
	n.eng = eng
	n.state = EngineBound
	return nil
}

// ForwardProp computes the node's output for the given frame range.
// The node must have passed its final validation.
func (n *SpatialNode) ForwardProp(fr FrameRange) {
	if n.state < EngineBound {
		panic(fmt.Sprintf("node %q: ForwardProp in state %s, engine not bound", n.name, n.state))
	}
	n.ensureValue()

	switch n.kind {
	case Convolution, TransposedConvolution:
		n.forwardConvolution(fr)
	case MaxPooling, AveragePooling:
		n.eng.ForwardPooling(fr.slice(n.inputs[0].Value()), fr.slice(n.value))
	case MaxUnpooling:
		n.eng.MaxUnpooling(fr.slice(n.inputs[0].Value()), fr.slice(n.inputs[1].Value()), fr.slice(n.value))
	case ROIPooling:
		n.forwardROIPooling(fr)
	}
	n.state = Executable
}

// BackpropTo accumulates this node's output gradient into operand i's
// gradient for the given frame range.
func (n *SpatialNode) BackpropTo(i int, fr FrameRange) {
	if n.state < EngineBound {
		panic(fmt.Sprintf("node %q: BackpropTo in state %s, engine not bound", n.name, n.state))
	}
	if i < 0 || i >= len(n.inputs) {
		panic(fmt.Sprintf("node %q: BackpropTo operand %d of %d", n.name, i, len(n.inputs)))
	}

	switch n.kind {
	case Convolution, TransposedConvolution:
		n.backpropConvolution(i, fr)
	case MaxPooling, AveragePooling:
		n.eng.BackwardPooling(
			fr.slice(n.value),
			fr.slice(n.Gradient()),
			fr.slice(n.inputs[0].Value()),
			fr.slice(n.inputs[0].Gradient()))
	case MaxUnpooling:
		n.backpropUnpooling(i, fr)
	case ROIPooling:
		n.backpropROIPooling(i, fr)
	}
}

// batchSize returns the minibatch sample count, taken from the primary
// data operand.
func (n *SpatialNode) batchSize() int {
	return n.inputs[n.dataOperand()].Value().Shape()[0]
}

// dataOperand returns the index of the feature-map operand.
func (n *SpatialNode) dataOperand() int {
	switch n.kind {
	case Convolution, TransposedConvolution, ROIPooling:
		return 1
	default:
		return 0
	}
}

// ensureValue sizes the output buffer to the current minibatch.
func (n *SpatialNode) ensureValue() {
	elems := n.outShape.NumElements()
	batch := n.batchSize()
	if n.value == nil {
		n.value = tensor.MustNew(tensor.Shape{batch, elems}, n.cfg.DType, n.device)
	} else {
		n.value.Resize(tensor.Shape{batch, elems})
	}
	if n.grad != nil && !n.grad.Shape().Equal(n.value.Shape()) {
		n.grad = nil
	}
}

// Value returns the node's output buffer. It exists after the first
// ForwardProp.
func (n *SpatialNode) Value() *tensor.RawTensor {
	if n.value == nil {
		panic(fmt.Sprintf("node %q: Value before ForwardProp", n.name))
	}
	return n.value
}

// Gradient returns the node's output-gradient buffer, allocated zeroed
// on first use.
func (n *SpatialNode) Gradient() *tensor.RawTensor {
	if n.grad == nil {
		n.grad = tensor.MustNew(n.Value().Shape(), n.cfg.DType, n.device)
	}
	return n.grad
}

// RequestScratchBeforeForward points the node at a shared workspace
// pool. Buffers needed across the forward/backward pair (the ROI
// argmax map, gradient re-pooling temporaries) are drawn from it and
// held until ReleaseScratchAfterBackward.
func (n *SpatialNode) RequestScratchBeforeForward(pool *scratch.Pool) {
	n.pool = pool
}

// ReleaseScratchAfterBackward returns every held workspace buffer.
func (n *SpatialNode) ReleaseScratchAfterBackward(pool *scratch.Pool) {
	for _, h := range n.handles {
		pool.Release(h)
	}
	n.handles = nil
	n.argmax = nil
	n.temp = nil
	n.pool = nil
}

// workspace returns a held buffer of the requested shape, from the
// scratch pool when one was requested, otherwise owned by the node.
func (n *SpatialNode) workspace(owner string, shape tensor.Shape, existing *tensor.RawTensor) *tensor.RawTensor {
	if existing != nil && existing.Shape().Equal(shape) {
		return existing
	}
	if n.pool != nil {
		h := n.pool.Acquire(owner, shape.NumElements())
		h.Tensor.Resize(shape)
		n.handles = append(n.handles, h)
		return h.Tensor
	}
	return tensor.MustNew(shape, n.cfg.DType, n.device)
}

// addInto accumulates src into dst elementwise.
func addInto(dst, src *tensor.RawTensor) {
	switch dst.DType() {
	case tensor.Float32:
		d, s := dst.AsFloat32(), src.AsFloat32()
		for i := range d {
			d[i] += s[i]
		}
	case tensor.Float64:
		d, s := dst.AsFloat64(), src.AsFloat64()
		for i := range d {
			d[i] += s[i]
		}
	default:
		panic(fmt.Sprintf("gradient accumulation: unsupported data type %s", dst.DType()))
	}
}

// shapeResolved reports whether every extent of s is known.
func shapeResolved(s tensor.Shape) bool {
	return s.Rank() > 0 && s.ValidatePositive() == nil
}
