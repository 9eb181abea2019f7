package serialization

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/lattice-ml/lattice/internal/tensor"
)

// Options configures how a model is written.
type Options struct {
	HalfPrecision bool              // store float32 tensors as IEEE half
	Checksum      bool              // record a SHA-256 of the data section
	Metadata      map[string]string // custom metadata carried in the header
}

// Writer writes models in .ltsp format. It always emits the current
// format version.
type Writer struct {
	file   *os.File
	opts   Options
	closed bool
}

// NewWriter creates a new .ltsp file writer with default options.
func NewWriter(path string) (*Writer, error) {
	return NewWriterWithOptions(path, Options{})
}

// NewWriterWithOptions creates a new .ltsp file writer.
func NewWriterWithOptions(path string, opts Options) (*Writer, error) {
	//nolint:gosec // G304: the path is caller-chosen, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Writer{file: file, opts: opts}, nil
}

// WriteModel writes node records and their tensors to the file.
func (w *Writer) WriteModel(nodes []NodeRecord, tensors map[string]*tensor.RawTensor) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	return WriteTo(w.file, nodes, tensors, w.opts)
}

// Close closes the writer and the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// SaveModel writes node records and tensors to a new file at path.
func SaveModel(path string, nodes []NodeRecord, tensors map[string]*tensor.RawTensor, opts Options) error {
	w, err := NewWriterWithOptions(path, opts)
	if err != nil {
		return err
	}
	if err := w.WriteModel(nodes, tensors); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// WriteTo writes node records and tensors to an io.Writer in the
// current format. Tensors are laid out in name order so identical
// inputs produce identical files.
func WriteTo(writer io.Writer, nodes []NodeRecord, tensors map[string]*tensor.RawTensor, opts Options) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := Header{
		FormatVersion: CurrentVersion,
		CreatedAt:     time.Now().UTC(),
		Nodes:         make([]NodeMeta, 0, len(nodes)),
		Tensors:       make([]TensorMeta, 0, len(tensors)),
		Metadata:      opts.Metadata,
	}
	for _, rec := range nodes {
		header.Nodes = append(header.Nodes, nodeToMeta(rec))
	}

	// Encode payloads and lay out the data section.
	var currentOffset int64
	payloads := make([][]byte, 0, len(names))
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		raw := tensors[name]
		payload, encoding := encodePayload(raw, opts.HalfPrecision)

		header.Tensors = append(header.Tensors, TensorMeta{
			Name:     name,
			DType:    dtypeToString(raw.DType()),
			Shape:    []int(raw.Shape()),
			Offset:   currentOffset,
			Size:     int64(len(payload)),
			Encoding: encoding,
		})
		payloads = append(payloads, payload)
		currentOffset += int64(len(payload))
	}

	flags := uint32(0)
	if opts.HalfPrecision {
		flags |= FlagHalfPrecision
	}
	if opts.Checksum {
		flags |= FlagHasChecksum
		sum := computeSectionChecksum(payloads)
		header.Checksum = hex.EncodeToString(sum[:])
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := writer.Write([]byte(MagicBytes)); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, uint32(CurrentVersion)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, flags); err != nil {
		return fmt.Errorf("failed to write flags: %w", err)
	}
	headerSize := uint64(len(headerJSON))
	if err := binary.Write(writer, binary.LittleEndian, headerSize); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := writer.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Pad so tensor data starts on an alignment boundary.
	currentPos := int64(4+4+4+8) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	if padding > 0 {
		if _, err := writer.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	for i, payload := range payloads {
		if _, err := writer.Write(payload); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", names[i], err)
		}
	}
	return nil
}

// encodePayload returns the on-disk bytes for a tensor and the
// encoding tag. Only float32 tensors participate in half-precision
// narrowing; everything else is stored raw.
func encodePayload(raw *tensor.RawTensor, half bool) ([]byte, string) {
	if !half || raw.DType() != tensor.Float32 {
		return raw.Data(), ""
	}
	src := raw.AsFloat32()
	bits := make([]uint16, len(src))
	tensor.Float32ToFloat16(src, bits)
	buf := make([]byte, 2*len(bits))
	for i, b := range bits {
		binary.LittleEndian.PutUint16(buf[2*i:], b)
	}
	return buf, EncodingFloat16
}

func computeSectionChecksum(payloads [][]byte) [32]byte {
	var section []byte
	for _, p := range payloads {
		section = append(section, p...)
	}
	return ComputeChecksum(section)
}
