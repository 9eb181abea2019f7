package serialization

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Reader reads models from .ltsp format. All supported format
// versions are accepted; legacy node headers are upgraded to the
// current form as they are handed out.
type Reader struct {
	file       *os.File
	header     Header
	flags      uint32
	version    uint32
	dataOffset int64 // offset where tensor data starts
	dataSize   int64 // size of the data section
	opts       ReaderOptions
	closed     bool
}

// ReaderOptions configures the behavior of Reader.
type ReaderOptions struct {
	SkipChecksumValidation bool            // skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // validation strictness level
}

// NewReader creates a new .ltsp file reader with strict validation.
func NewReader(path string) (*Reader, error) {
	return NewReaderWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// NewReaderWithOptions creates a new .ltsp file reader.
func NewReaderWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	//nolint:gosec // G304: the path is caller-chosen, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &Reader{file: file, opts: opts}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	r.dataSize = fileInfo.Size() - r.dataOffset

	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if err := r.verifyChecksum(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r.file, magic); err != nil {
		return fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(magic) != MagicBytes {
		return ErrInvalidMagic
	}

	if err := binary.Read(r.file, binary.LittleEndian, &r.version); err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if r.version < FormatV1 || r.version > CurrentVersion {
		return fmt.Errorf("%w: got %d, expected %d through %d",
			ErrUnsupportedVersion, r.version, FormatV1, CurrentVersion)
	}

	if err := binary.Read(r.file, binary.LittleEndian, &r.flags); err != nil {
		return fmt.Errorf("failed to read flags: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(r.file, binary.LittleEndian, &headerSize); err != nil {
		return fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	currentPos := int64(4+4+4+8) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	r.dataOffset = currentPos + padding
	return nil
}

// verifyChecksum checks the recorded data-section digest, when present.
func (r *Reader) verifyChecksum() error {
	if r.flags&FlagHasChecksum == 0 || r.opts.SkipChecksumValidation {
		return nil
	}
	stored, err := hex.DecodeString(r.header.Checksum)
	if err != nil || len(stored) != 32 {
		return fmt.Errorf("malformed checksum in header: %q", r.header.Checksum)
	}
	if _, err := r.file.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to tensor data: %w", err)
	}
	computed, err := ComputeChecksumReader(io.LimitReader(r.file, r.dataSize))
	if err != nil {
		return fmt.Errorf("failed to read tensor data for checksum: %w", err)
	}
	var want [32]byte
	copy(want[:], stored)
	return ValidateChecksum(computed, want)
}

// Header returns the file header as stored, before any upgrades.
func (r *Reader) Header() Header {
	return r.header
}

// Version returns the file's format version.
func (r *Reader) Version() int {
	return int(r.version)
}

// Nodes returns the persisted node records, upgraded to the current
// form.
func (r *Reader) Nodes() ([]NodeRecord, error) {
	records := make([]NodeRecord, 0, len(r.header.Nodes))
	for _, meta := range r.header.Nodes {
		upgraded, err := upgradeNodeMeta(meta, int(r.version))
		if err != nil {
			return nil, err
		}
		rec, err := metaToNode(upgraded)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// TensorNames returns the names of all tensors in the file.
func (r *Reader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns the directory entry for a tensor.
func (r *Reader) TensorInfo(name string) (*TensorMeta, error) {
	for _, meta := range r.header.Tensors {
		if meta.Name == name {
			return &meta, nil
		}
	}
	return nil, fmt.Errorf("tensor %s not found", name)
}

// ReadTensorData reads the raw on-disk payload of a tensor.
func (r *Reader) ReadTensorData(name string) ([]byte, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}
	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	if _, err := r.file.Seek(r.dataOffset+meta.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to tensor data: %w", err)
	}
	data := make([]byte, meta.Size)
	if _, err := io.ReadFull(r.file, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	return data, nil
}

// LoadTensor loads and decodes a single tensor.
func (r *Reader) LoadTensor(name string) (*tensor.RawTensor, error) {
	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}
	return decodePayload(meta, data)
}

// ReadStateDict loads all tensors into a name-keyed map.
func (r *Reader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// ReadModel loads the whole file: upgraded node records plus all
// tensors.
func (r *Reader) ReadModel() (*Model, error) {
	nodes, err := r.Nodes()
	if err != nil {
		return nil, err
	}
	tensors, err := r.ReadStateDict()
	if err != nil {
		return nil, err
	}
	return &Model{Header: r.header, Nodes: nodes, Tensors: tensors}, nil
}

// Close closes the reader and the underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// LoadModel reads a complete model from a file at path.
func LoadModel(path string) (*Model, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return r.ReadModel()
}

// ReadFrom reads a complete model from an io.Reader. This is useful
// for reading from buffers or network connections.
func ReadFrom(reader io.Reader) (*Model, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(magic) != MagicBytes {
		return nil, ErrInvalidMagic
	}

	var version uint32
	if err := binary.Read(reader, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version < FormatV1 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d through %d",
			ErrUnsupportedVersion, version, FormatV1, CurrentVersion)
	}

	var flags uint32
	if err := binary.Read(reader, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(reader, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	currentPos := int64(4+4+4+8) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	if padding > 0 {
		if _, err := io.CopyN(io.Discard, reader, padding); err != nil {
			return nil, fmt.Errorf("failed to read padding: %w", err)
		}
	}

	section, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if err := ValidateHeader(&header, int64(len(section)), ValidationStrict); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if flags&FlagHasChecksum != 0 {
		stored, err := hex.DecodeString(header.Checksum)
		if err != nil || len(stored) != 32 {
			return nil, fmt.Errorf("malformed checksum in header: %q", header.Checksum)
		}
		var want [32]byte
		copy(want[:], stored)
		if err := ValidateChecksum(ComputeChecksum(section), want); err != nil {
			return nil, err
		}
	}

	model := &Model{
		Header:  header,
		Tensors: make(map[string]*tensor.RawTensor, len(header.Tensors)),
	}
	for _, meta := range header.Nodes {
		upgraded, err := upgradeNodeMeta(meta, int(version))
		if err != nil {
			return nil, err
		}
		rec, err := metaToNode(upgraded)
		if err != nil {
			return nil, err
		}
		model.Nodes = append(model.Nodes, rec)
	}
	for i := range header.Tensors {
		meta := &header.Tensors[i]
		raw, err := decodePayload(meta, section[meta.Offset:meta.Offset+meta.Size])
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		model.Tensors[meta.Name] = raw
	}
	return model, nil
}

// decodePayload turns an on-disk payload back into a tensor, widening
// half-precision encodings to their logical dtype.
func decodePayload(meta *TensorMeta, data []byte) (*tensor.RawTensor, error) {
	dtype, ok := stringToDtype(meta.DType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDType, meta.DType)
	}
	shape := tensor.Shape(meta.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", meta.Name, err)
	}

	switch meta.Encoding {
	case "", EncodingRaw:
		want := shape.NumElements() * dtype.Size()
		if len(data) != want {
			return nil, fmt.Errorf("tensor %s: payload holds %d bytes, shape wants %d",
				meta.Name, len(data), want)
		}
		raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create tensor: %w", err)
		}
		copy(raw.Data(), data)
		return raw, nil

	case EncodingFloat16:
		if dtype != tensor.Float32 {
			return nil, fmt.Errorf("tensor %s: float16 encoding requires a float32 dtype, got %s",
				meta.Name, meta.DType)
		}
		n := shape.NumElements()
		if len(data) != 2*n {
			return nil, fmt.Errorf("tensor %s: payload holds %d bytes, half encoding wants %d",
				meta.Name, len(data), 2*n)
		}
		bits := make([]uint16, n)
		for i := range bits {
			bits[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create tensor: %w", err)
		}
		tensor.Float16ToFloat32(bits, raw.AsFloat32())
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, meta.Encoding)
	}
}
