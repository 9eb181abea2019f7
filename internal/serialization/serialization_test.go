package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice/internal/graph"
	"github.com/lattice-ml/lattice/internal/tensor"
)

func float32Tensor(t *testing.T, shape tensor.Shape, values []float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	require.Equal(t, len(values), raw.NumElements(), "fixture size")
	copy(raw.AsFloat32(), values)
	return raw
}

// writeContainer assembles a raw .ltsp byte stream with an arbitrary
// version, for exercising the legacy read paths.
func writeContainer(t *testing.T, version, flags uint32, header Header) []byte {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, version))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, flags))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))))
	buf.Write(headerJSON)

	pos := int64(4+4+4+8) + int64(len(headerJSON))
	padding := (HeaderAlignment - (pos % HeaderAlignment)) % HeaderAlignment
	buf.Write(make([]byte, padding))
	return buf.Bytes()
}

func convRecord() NodeRecord {
	return NodeRecord{
		Name: "conv1",
		Kind: graph.Convolution,
		Config: graph.Config{
			KernelShape: tensor.Shape{3, 3, 3},
			MapCount:    tensor.Shape{16},
			Stride:      tensor.Shape{1, 1, 3},
			Sharing:     []bool{true, true, true},
			AutoPad:     []bool{true, true, false},
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	records := []NodeRecord{
		convRecord(),
		{
			Name: "pool1",
			Kind: graph.MaxPooling,
			Config: graph.Config{
				KernelShape: tensor.Shape{2, 2, 1},
				Stride:      tensor.Shape{2, 2, 1},
			},
		},
	}
	weights := float32Tensor(t, tensor.Shape{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})

	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, records, map[string]*tensor.RawTensor{"conv1.weight": weights}, Options{}))

	model, err := ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, model.Header.FormatVersion)
	require.Len(t, model.Nodes, 2)
	assert.Equal(t, records[0], model.Nodes[0])
	assert.Equal(t, records[1], model.Nodes[1])

	loaded := model.Tensors["conv1.weight"]
	require.NotNil(t, loaded)
	assert.Equal(t, tensor.Shape{2, 4}, loaded.Shape())
	assert.Equal(t, weights.AsFloat32(), loaded.AsFloat32())
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ltsp")
	weights := float32Tensor(t, tensor.Shape{1, 4}, []float32{1, 0, 0, 1})
	records := []NodeRecord{convRecord()}

	require.NoError(t, SaveModel(path, records, map[string]*tensor.RawTensor{"conv1.weight": weights},
		Options{Checksum: true, Metadata: map[string]string{"source": "test"}}))

	model, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, records[0], model.Nodes[0])
	assert.Equal(t, []float32{1, 0, 0, 1}, model.Tensors["conv1.weight"].AsFloat32())
	assert.Equal(t, "test", model.Header.Metadata["source"])
}

func TestTransposedConvolutionWireForm(t *testing.T) {
	rec := convRecord()
	rec.Kind = graph.TransposedConvolution

	meta := nodeToMeta(rec)
	assert.Equal(t, "Convolution", meta.Kind, "transpose travels as a flag, not a kind")
	assert.True(t, meta.Transpose)

	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, []NodeRecord{rec}, nil, Options{}))
	model, err := ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, graph.TransposedConvolution, model.Nodes[0].Kind)
}

func TestHalfPrecisionPayload(t *testing.T) {
	// Values exactly representable in half precision survive the
	// narrow-widen cycle bit for bit.
	weights := float32Tensor(t, tensor.Shape{1, 4}, []float32{0.5, -0.25, 1.5, -2})

	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, nil, map[string]*tensor.RawTensor{"w": weights},
		Options{HalfPrecision: true}))

	model, err := ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, model.Header.Tensors, 1)
	meta := model.Header.Tensors[0]
	assert.Equal(t, EncodingFloat16, meta.Encoding)
	assert.Equal(t, DTypeFloat32, meta.DType)
	assert.Equal(t, int64(8), meta.Size, "half payload is two bytes per element")

	loaded := model.Tensors["w"]
	assert.Equal(t, tensor.Float32, loaded.DType())
	assert.Equal(t, []float32{0.5, -0.25, 1.5, -2}, loaded.AsFloat32())
}

func TestChecksumDetectsCorruption(t *testing.T) {
	weights := float32Tensor(t, tensor.Shape{1, 4}, []float32{1, 2, 3, 4})
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, nil, map[string]*tensor.RawTensor{"w": weights},
		Options{Checksum: true}))

	data := buf.Bytes()
	data[len(data)-1] ^= 0xFF

	_, err := ReadFrom(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestInvalidMagic(t *testing.T) {
	_, err := ReadFrom(bytes.NewReader([]byte("XXXX0000000000000000")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestUnsupportedVersion(t *testing.T) {
	data := writeContainer(t, 9, 0, Header{FormatVersion: 9})
	_, err := ReadFrom(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestRejectsOutOfBoundsTensor(t *testing.T) {
	data := writeContainer(t, CurrentVersion, 0, Header{
		FormatVersion: CurrentVersion,
		Tensors: []TensorMeta{
			{Name: "w", DType: DTypeFloat32, Shape: []int{1, 4}, Offset: 0, Size: 1 << 20},
		},
	})
	_, err := ReadFrom(bytes.NewReader(data))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "out_of_bounds", verr.Type)
}

// A record written in the flat pre-ND convolution format must load
// into a node whose derived output shape matches one built directly
// through the current constructors.
func TestLegacyV1ConvolutionUpgrade(t *testing.T) {
	data := writeContainer(t, FormatV1, 0, Header{
		FormatVersion: FormatV1,
		Nodes: []NodeMeta{{
			Name: "conv1",
			Kind: "Convolution",
			Legacy: &LegacyMeta{
				KernelW: 5, KernelH: 5,
				StrideW: 1, StrideH: 1,
				MapCount: 16,
				Layout:   "cudnn",
				Pad:      true,
			},
		}},
	})

	model, err := ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, model.Nodes, 1)
	rec := model.Nodes[0]
	assert.Equal(t, graph.Convolution, rec.Kind)
	assert.True(t, rec.Config.Convolution2D)
	assert.Equal(t, tensor.Shape{5, 5, 0}, rec.Config.KernelShape)
	assert.Equal(t, tensor.Shape{16}, rec.Config.MapCount)

	weights := graph.NewSource("W", nil, tensor.Float32)
	features := graph.NewSource("x", tensor.Shape{28, 28, 3}, tensor.Float32)
	loaded, err := rec.Instantiate(weights, features)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate(false))
	require.NoError(t, loaded.Validate(true))

	directW := graph.NewSource("W2", nil, tensor.Float32)
	directX := graph.NewSource("x2", tensor.Shape{28, 28, 3}, tensor.Float32)
	direct := graph.NewConvolution2D("conv1", directW, directX, 5, 5, 16, 1, 1, true, tensor.LayoutCHW, 0)
	require.NoError(t, direct.Validate(false))
	require.NoError(t, direct.Validate(true))

	assert.Equal(t, direct.SampleShape(), loaded.SampleShape())
	assert.Equal(t, direct.Geometry().OutputShape, loaded.Geometry().OutputShape)
	assert.Equal(t, weights.SampleShape(), directW.SampleShape())
}

func TestLegacyV1PoolingUpgrade(t *testing.T) {
	data := writeContainer(t, FormatV1, 0, Header{
		FormatVersion: FormatV1,
		Nodes: []NodeMeta{{
			Name: "pool1",
			Kind: "MaxPooling",
			Legacy: &LegacyMeta{
				WindowW: 2, WindowH: 2,
				StrideW: 2, StrideH: 2,
				Layout: "cudnn",
			},
		}},
	})

	model, err := ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	rec := model.Nodes[0]
	assert.Equal(t, graph.MaxPooling, rec.Kind)
	assert.Equal(t, tensor.Shape{2, 2, 1}, rec.Config.KernelShape)

	input := graph.NewSource("x", tensor.Shape{4, 4, 3}, tensor.Float32)
	loaded, err := rec.Instantiate(input)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate(false))
	require.NoError(t, loaded.Validate(true))

	directIn := graph.NewSource("x2", tensor.Shape{4, 4, 3}, tensor.Float32)
	direct := graph.NewMaxPooling2D("pool1", directIn, 2, 2, 2, 2, tensor.LayoutCHW)
	require.NoError(t, direct.Validate(false))
	require.NoError(t, direct.Validate(true))

	assert.Equal(t, direct.SampleShape(), loaded.SampleShape())
}

func TestLegacyV1RequiresLegacyBlock(t *testing.T) {
	data := writeContainer(t, FormatV1, 0, Header{
		FormatVersion: FormatV1,
		Nodes:         []NodeMeta{{Name: "conv1", Kind: "Convolution"}},
	})
	_, err := ReadFrom(bytes.NewReader(data))
	require.Error(t, err)
}

// Version 2 predates the transpose flag: even a stray flag in the
// header must not survive the upgrade.
func TestLegacyV2IgnoresTransposeFlag(t *testing.T) {
	meta := nodeToMeta(convRecord())
	meta.Transpose = true
	meta.Convolution2D = true

	data := writeContainer(t, FormatV2, 0, Header{
		FormatVersion: FormatV2,
		Nodes:         []NodeMeta{meta},
	})
	model, err := ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, graph.Convolution, model.Nodes[0].Kind)
	assert.False(t, model.Nodes[0].Config.Convolution2D)
}

func TestRecordNodeRoundTrip(t *testing.T) {
	weights := graph.NewSource("W", tensor.Shape{1, 4}, tensor.Float32)
	features := graph.NewSource("x", tensor.Shape{3, 3, 1}, tensor.Float32)
	n := graph.NewConvolution("conv", weights, features, graph.Config{
		KernelShape: tensor.Shape{2, 2, 1},
		MapCount:    tensor.Shape{1},
		Stride:      tensor.Shape{1, 1, 1},
	})
	require.NoError(t, n.Validate(false))
	require.NoError(t, n.Validate(true))

	rec := RecordNode(n)
	var buf bytes.Buffer
	require.NoError(t, WriteTo(&buf, []NodeRecord{rec}, nil, Options{}))
	model, err := ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	rebuilt, err := model.Nodes[0].Instantiate(
		graph.NewSource("W2", tensor.Shape{1, 4}, tensor.Float32),
		graph.NewSource("x2", tensor.Shape{3, 3, 1}, tensor.Float32))
	require.NoError(t, err)
	require.NoError(t, rebuilt.Validate(false))
	require.NoError(t, rebuilt.Validate(true))
	assert.Equal(t, n.SampleShape(), rebuilt.SampleShape())
}

func TestInstantiateArityMismatch(t *testing.T) {
	rec := convRecord()
	_, err := rec.Instantiate(graph.NewSource("x", tensor.Shape{3, 3, 1}, tensor.Float32))
	require.Error(t, err)
}
