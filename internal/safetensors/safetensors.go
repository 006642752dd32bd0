// Package safetensors reads and writes float weight checkpoints in the
// safetensors layout: an 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype, shape and data offsets, then the raw data.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/mantleq/internal/graph"
)

var ErrTensorNotFound = errors.New("safetensors: tensor not found")

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a
// huge allocation.
const maxHeaderLen = 100 << 20

var dtypes = map[string]graph.DType{
	"F32":  graph.F32,
	"F16":  graph.F16,
	"BF16": graph.BF16,
}

func dtypeName(d graph.DType) (string, bool) {
	for name, dt := range dtypes {
		if dt == d {
			return name, true
		}
	}
	return "", false
}

type TensorInfo struct {
	DType graph.DType
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("safetensors: header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || int64(8+headerLen) > st.Size() {
		return nil, fmt.Errorf("safetensors: header length %d out of range", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}

	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, fmt.Errorf("safetensors: metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}
	dataLen := st.Size() - out.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("safetensors: tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataLen {
			return nil, fmt.Errorf("safetensors: tensor %s: offsets [%d, %d) outside %d data bytes", name, start, end, dataLen)
		}
		dt, ok := dtypes[th.DType]
		if !ok {
			dt = graph.Unknown
		}
		out.Tensors[name] = TensorInfo{DType: dt, Shape: th.Shape, Start: start, End: end}
	}
	return out, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 decodes a F32, F16 or BF16 tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if !info.DType.IsFloat() {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %s: unsupported dtype", name)
	}
	n := 1
	for _, d := range info.Shape {
		if d <= 0 {
			return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %s: invalid dim %d", name, d)
		}
		n *= d
	}
	if len(raw) != info.DType.ByteLen(n) {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %s: %d bytes for %d %s values", name, len(raw), n, info.DType)
	}
	vals, err := graph.DecodeFloat32(info.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %s: %w", name, err)
	}
	return vals, info, nil
}

// Tensor is one entry passed to Write.
type Tensor struct {
	Name   string
	DType  graph.DType
	Shape  []int
	Values []float32
}

// Write stores tensors in the given order, encoded in their dtype.
func Write(path string, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var data []byte
	for _, t := range tensors {
		name, ok := dtypeName(t.DType)
		if !ok {
			return fmt.Errorf("safetensors: tensor %s: unsupported dtype %s", t.Name, t.DType)
		}
		buf, err := graph.EncodeFloat32(t.DType, t.Values)
		if err != nil {
			return err
		}
		start := int64(len(data))
		data = append(data, buf...)
		header[t.Name] = tensorHeader{DType: name, Shape: t.Shape, DataOffsets: []int64{start, int64(len(data))}}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerBytes)+len(data))
	binary.LittleEndian.PutUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, data...)
	return os.WriteFile(path, out, 0o644)
}
