package serialization

import (
	"time"

	"github.com/pkg/errors"

	"github.com/lattice-ml/lattice/internal/graph"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "LTSP"
	HeaderAlignment = 64 // tensor data aligned to 64 bytes

	// FormatV1 is the pre-ND format: flat 2-D scalar fields only.
	FormatV1 = 1
	// FormatV2 is the ND format before the transpose flag existed.
	FormatV2 = 2
	// FormatV3 is the current format.
	FormatV3 = 3
	// CurrentVersion is what writers emit.
	CurrentVersion = FormatV3
)

// Flags for the .ltsp format.
const (
	FlagHalfPrecision uint32 = 1 << 0 // bit 0: float32 tensors stored as IEEE half
	FlagHasChecksum   uint32 = 1 << 1 // bit 1: header carries a SHA-256 of the data section
)

// Tensor payload encodings.
const (
	EncodingRaw     = "raw"
	EncodingFloat16 = "float16" // float32 values narrowed to half on disk
)

// Data type string constants for serialization.
const (
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
	DTypeFloat16 = "float16"
	DTypeInt32   = "int32"
)

// Header represents the JSON header in a .ltsp file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Checksum      string            `json:"checksum,omitempty"` // hex SHA-256 of the data section
	Nodes         []NodeMeta        `json:"nodes"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NodeMeta is the persisted form of one spatial node. The ND fields
// are the current format; Legacy appears only in version-1 files and
// is expanded by the upgrade function at load time.
type NodeMeta struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	Kernel            []int  `json:"kernel,omitempty"`
	MapCount          []int  `json:"map_count,omitempty"`
	Stride            []int  `json:"stride,omitempty"`
	Sharing           []bool `json:"sharing,omitempty"`
	AutoPad           []bool `json:"auto_pad,omitempty"`
	LowerPad          []int  `json:"lower_pad,omitempty"`
	UpperPad          []int  `json:"upper_pad,omitempty"`
	Layout            string `json:"layout"`
	MaxScratchSamples int    `json:"max_scratch_samples,omitempty"`
	Transpose         bool   `json:"transpose,omitempty"`
	Convolution2D     bool   `json:"convolution_2d,omitempty"`
	ROIOutput         []int  `json:"roi_output,omitempty"`

	Legacy *LegacyMeta `json:"legacy,omitempty"`
}

// LegacyMeta carries the version-1 flat fields in their historical
// order: convolution stored (kernelW, kernelH, strideW, strideH,
// mapCount, layout, pad, maxTempMemSamples); pooling stored
// (windowW, layout, windowH, strideW, strideH).
type LegacyMeta struct {
	KernelW           int    `json:"kernel_w,omitempty"`
	KernelH           int    `json:"kernel_h,omitempty"`
	StrideW           int    `json:"stride_w,omitempty"`
	StrideH           int    `json:"stride_h,omitempty"`
	MapCount          int    `json:"map_count,omitempty"`
	Layout            string `json:"layout"`
	Pad               bool   `json:"pad,omitempty"`
	MaxTempMemSamples int    `json:"max_temp_mem_samples,omitempty"`

	WindowW int `json:"window_w,omitempty"`
	WindowH int `json:"window_h,omitempty"`
}

// TensorMeta describes a tensor in the .ltsp file.
type TensorMeta struct {
	Name     string `json:"name"`               // Tensor name (e.g., "conv1.weight")
	DType    string `json:"dtype"`              // Logical data type (e.g., "float32")
	Shape    []int  `json:"shape"`              // Tensor shape
	Offset   int64  `json:"offset"`             // Offset in the data section (bytes)
	Size     int64  `json:"size"`               // On-disk size in bytes
	Encoding string `json:"encoding,omitempty"` // Payload encoding; empty means raw
}

// NodeRecord is the canonical in-memory form of a persisted node: a
// name, an operator kind and the full declarative configuration, ready
// to hand back to a graph constructor.
type NodeRecord struct {
	Name   string
	Kind   graph.OpKind
	Config graph.Config
}

// RecordNode captures a node's persistable state.
func RecordNode(n *graph.SpatialNode) NodeRecord {
	return NodeRecord{Name: n.Name(), Kind: n.Kind(), Config: n.Config()}
}

// Instantiate rebuilds the graph node from the record, attaching the
// given operands in the kind's expected order.
func (rec NodeRecord) Instantiate(inputs ...graph.Operand) (*graph.SpatialNode, error) {
	need := 2
	if rec.Kind == graph.MaxPooling || rec.Kind == graph.AveragePooling {
		need = 1
	}
	if len(inputs) != need {
		return nil, errors.Errorf("node %q (%s): got %d operands, need %d",
			rec.Name, rec.Kind, len(inputs), need)
	}
	switch rec.Kind {
	case graph.Convolution:
		return graph.NewConvolution(rec.Name, inputs[0], inputs[1], rec.Config), nil
	case graph.TransposedConvolution:
		return graph.NewTransposedConvolution(rec.Name, inputs[0], inputs[1], rec.Config), nil
	case graph.MaxPooling, graph.AveragePooling:
		return graph.NewPooling(rec.Name, inputs[0], rec.Kind, rec.Config), nil
	case graph.MaxUnpooling:
		return graph.NewMaxUnpooling(rec.Name, inputs[0], inputs[1], rec.Config), nil
	case graph.ROIPooling:
		if rec.Config.ROIOutput.Rank() != 2 {
			return nil, errors.Errorf("node %q: ROI record lacks a pooled target", rec.Name)
		}
		return graph.NewROIPooling(rec.Name, inputs[0], inputs[1],
			rec.Config.ROIOutput[0], rec.Config.ROIOutput[1], rec.Config), nil
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "node %q kind %d", rec.Name, int(rec.Kind))
	}
}

// Model is the result of reading a .ltsp file.
type Model struct {
	Header  Header
	Nodes   []NodeRecord
	Tensors map[string]*tensor.RawTensor
}

// Node returns the record with the given name.
func (m *Model) Node(name string) (NodeRecord, bool) {
	for _, rec := range m.Nodes {
		if rec.Name == name {
			return rec, true
		}
	}
	return NodeRecord{}, false
}

var opKinds = []graph.OpKind{
	graph.Convolution, graph.TransposedConvolution,
	graph.MaxPooling, graph.AveragePooling,
	graph.MaxUnpooling, graph.ROIPooling,
}

// stringToKind converts a persisted kind tag back to graph.OpKind.
func stringToKind(s string) (graph.OpKind, bool) {
	for _, k := range opKinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// dtypeToString converts tensor.DataType to string representation.
func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Float64:
		return DTypeFloat64
	case tensor.Float16:
		return DTypeFloat16
	case tensor.Int32:
		return DTypeInt32
	default:
		return "unknown"
	}
}

// stringToDtype converts string representation to tensor.DataType.
func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeFloat64:
		return tensor.Float64, true
	case DTypeFloat16:
		return tensor.Float16, true
	case DTypeInt32:
		return tensor.Int32, true
	default:
		return 0, false
	}
}

// nodeToMeta converts a record to its persisted current-format form.
func nodeToMeta(rec NodeRecord) NodeMeta {
	cfg := rec.Config
	kind := rec.Kind
	if kind == graph.TransposedConvolution {
		// The wire kind stays "Convolution" with the transpose flag
		// set, matching how the flag was introduced in version 3.
		kind = graph.Convolution
	}
	return NodeMeta{
		Name:              rec.Name,
		Kind:              kind.String(),
		Kernel:            cfg.KernelShape,
		MapCount:          cfg.MapCount,
		Stride:            cfg.Stride,
		Sharing:           cfg.Sharing,
		AutoPad:           cfg.AutoPad,
		LowerPad:          cfg.LowerPad,
		UpperPad:          cfg.UpperPad,
		Layout:            cfg.Layout.String(),
		MaxScratchSamples: cfg.MaxScratchSamples,
		Transpose:         rec.Kind == graph.TransposedConvolution,
		Convolution2D:     cfg.Convolution2D,
		ROIOutput:         cfg.ROIOutput,
	}
}

// metaToNode converts a current-format NodeMeta back to a record.
func metaToNode(meta NodeMeta) (NodeRecord, error) {
	kind, ok := stringToKind(meta.Kind)
	if !ok {
		return NodeRecord{}, errors.Wrapf(ErrUnknownKind, "node %q kind %q", meta.Name, meta.Kind)
	}
	if kind == graph.Convolution && meta.Transpose {
		kind = graph.TransposedConvolution
	}
	layout, err := tensor.ParseImageLayout(meta.Layout)
	if err != nil {
		return NodeRecord{}, errors.Wrapf(err, "node %q", meta.Name)
	}
	return NodeRecord{
		Name: meta.Name,
		Kind: kind,
		Config: graph.Config{
			KernelShape:       tensor.Shape(meta.Kernel),
			MapCount:          tensor.Shape(meta.MapCount),
			Stride:            tensor.Shape(meta.Stride),
			Sharing:           meta.Sharing,
			AutoPad:           meta.AutoPad,
			LowerPad:          tensor.Shape(meta.LowerPad),
			UpperPad:          tensor.Shape(meta.UpperPad),
			Layout:            layout,
			MaxScratchSamples: meta.MaxScratchSamples,
			Convolution2D:     meta.Convolution2D,
			ROIOutput:         tensor.Shape(meta.ROIOutput),
		},
	}, nil
}
