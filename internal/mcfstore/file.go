// Package mcfstore maps graph models to and from MCF containers.
package mcfstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/version"
	"github.com/samcharles93/mantleq/pkg/mcf"
	"github.com/samcharles93/mantleq/pkg/quant"
)

var ErrTensorNotFound = errors.New("mcfstore: tensor not found")

var dtypes = map[graph.DType]mcf.TensorDType{
	graph.F32:  mcf.DTypeF32,
	graph.F16:  mcf.DTypeF16,
	graph.BF16: mcf.DTypeBF16,
	graph.I4:   mcf.DTypeI4,
	graph.U4:   mcf.DTypeU4,
	graph.I8:   mcf.DTypeI8,
	graph.U8:   mcf.DTypeU8,
	graph.I16:  mcf.DTypeI16,
	graph.U16:  mcf.DTypeU16,
	graph.I32:  mcf.DTypeI32,
	graph.I64:  mcf.DTypeI64,
}

func fromContainerDType(d mcf.TensorDType) (graph.DType, error) {
	for g, c := range dtypes {
		if c == d {
			return g, nil
		}
	}
	return graph.Unknown, fmt.Errorf("mcfstore: unsupported container dtype %s", d)
}

// File is an opened container with its metadata decoded. Tensor payloads
// stay in the (usually mapped) file until Model copies them out.
type File struct {
	file  *mcf.File
	index *mcf.TensorIndex

	Info  *mcf.ModelInfo
	Graph *mcf.Graph
	// Quant maps graph tensor positions to their records.
	Quant map[int]*quant.Params
}

// Open maps a container and decodes its metadata sections.
func Open(path string) (*File, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mcfstore: open %s: %w", path, err)
	}
	f := &File{file: mf, Quant: make(map[int]*quant.Params)}
	if err := f.decode(); err != nil {
		_ = mf.Close()
		return nil, fmt.Errorf("mcfstore: %s: %w", path, err)
	}
	return f, nil
}

func (f *File) decode() error {
	sec, err := f.file.Require(mcf.SectionModelInfo, mcf.ModelInfoVersion)
	if err != nil {
		return err
	}
	if f.Info, err = mcf.ParseModelInfo(sec); err != nil {
		return err
	}
	if sec, err = f.file.Require(mcf.SectionGraph, mcf.GraphVersion); err != nil {
		return err
	}
	if f.Graph, err = mcf.ParseGraphSection(sec); err != nil {
		return err
	}
	if sec, err = f.file.Require(mcf.SectionTensorIndex, mcf.TensorIndexVersion); err != nil {
		return err
	}
	if f.index, err = mcf.ParseTensorIndexSection(sec); err != nil {
		return err
	}

	// Quant info is optional: float models carry none.
	if s := f.file.Section(mcf.SectionQuantInfo); s != nil {
		if sec, err = f.file.Require(mcf.SectionQuantInfo, mcf.QuantInfoVersion); err != nil {
			return err
		}
		records, err := mcf.ParseQuantInfoSection(sec)
		if err != nil {
			return err
		}
		for _, r := range records {
			if int(r.Tensor) >= len(f.Graph.Tensors) {
				return fmt.Errorf("%w: quant record for tensor %d of %d", mcf.ErrCorruptFile, r.Tensor, len(f.Graph.Tensors))
			}
			f.Quant[int(r.Tensor)] = recordToParams(r)
		}
	}
	return nil
}

func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.index = nil
	return err
}

// TensorInfo describes the stored payload of a constant tensor.
type TensorInfo struct {
	DType    graph.DType
	Shape    []int
	DataOff  uint64
	DataSize uint64
}

func (f *File) Tensor(name string) (TensorInfo, error) {
	if f == nil || f.index == nil {
		return TensorInfo{}, ErrTensorNotFound
	}
	idx, ok := f.index.Find(name)
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	entry, err := f.index.Entry(idx)
	if err != nil {
		return TensorInfo{}, err
	}
	dims, err := f.index.Shape(idx)
	if err != nil {
		return TensorInfo{}, err
	}
	dtype, err := fromContainerDType(entry.DType)
	if err != nil {
		return TensorInfo{}, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		if d > uint64(int(^uint(0)>>1)) {
			return TensorInfo{}, fmt.Errorf("mcfstore: tensor %s: dimension too large", name)
		}
		shape[i] = int(d)
	}
	return TensorInfo{DType: dtype, Shape: shape, DataOff: entry.DataOff, DataSize: entry.DataSize}, nil
}

// ReadTensorF32 decodes a float constant.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	info, raw, err := f.tensorData(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	vals, err := graph.DecodeFloat32(info.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("mcfstore: tensor %s: %w", name, err)
	}
	return vals, info, nil
}

func (f *File) tensorData(name string) (TensorInfo, []byte, error) {
	info, err := f.Tensor(name)
	if err != nil {
		return TensorInfo{}, nil, err
	}
	idx, _ := f.index.Find(name)
	raw, err := f.index.TensorData(f.file, idx)
	if err != nil {
		return TensorInfo{}, nil, err
	}
	if want := info.DType.ByteLen(quant.NumElements(info.Shape)); len(raw) != want {
		return TensorInfo{}, nil, fmt.Errorf("%w: tensor %s has %d bytes, want %d", mcf.ErrCorruptFile, name, len(raw), want)
	}
	return info, raw, nil
}

// Model copies the container into a validated graph model. Tensors whose
// payloads share one range also share one buffer.
func (f *File) Model() (*graph.Model, error) {
	g := f.Graph
	m := &graph.Model{
		Name:      g.Name,
		Signature: g.Signature,
		Inputs:    g.Inputs,
		Outputs:   g.Outputs,
	}
	byOffset := make(map[uint64]int)
	for i, gt := range g.Tensors {
		var dtype graph.DType
		if err := dtype.UnmarshalText([]byte(gt.DType)); err != nil {
			return nil, fmt.Errorf("mcfstore: tensor %s: %w", gt.Name, err)
		}
		t := &graph.Tensor{Name: gt.Name, Shape: gt.Shape, DType: dtype, Buffer: -1, Quant: f.Quant[i]}
		if gt.Constant {
			info, raw, err := f.tensorData(gt.Name)
			if err != nil {
				return nil, err
			}
			if info.DType != dtype {
				return nil, fmt.Errorf("%w: tensor %s is %s in the graph and %s in the index",
					mcf.ErrCorruptFile, gt.Name, dtype, info.DType)
			}
			b, ok := byOffset[info.DataOff]
			if !ok {
				m.Buffers = append(m.Buffers, append([]byte(nil), raw...))
				b = len(m.Buffers) - 1
				byOffset[info.DataOff] = b
			}
			t.Buffer = b
		}
		m.AddTensor(t)
	}
	for i, gop := range g.Operators {
		op := &graph.Operator{Kind: graph.OpKind(gop.Kind), Name: gop.Name, Inputs: gop.Inputs, Outputs: gop.Outputs}
		if len(gop.Attrs) > 0 {
			if err := json.Unmarshal(gop.Attrs, &op.Attrs); err != nil {
				return nil, fmt.Errorf("mcfstore: operator %d attrs: %w", i, err)
			}
		}
		m.Operators = append(m.Operators, op)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads a whole model from path.
func Load(path string) (*graph.Model, *mcf.ModelInfo, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	m, err := f.Model()
	if err != nil {
		return nil, nil, fmt.Errorf("mcfstore: %s: %w", path, err)
	}
	return m, f.Info, nil
}

// SaveStats summarises a written container.
type SaveStats struct {
	FileSize     int64
	TensorBytes  uint64
	Deduplicated uint64
	Quantized    int
}

// Save writes m to path. The file is written next to path and renamed into
// place once complete.
func Save(path string, m *graph.Model, info *mcf.ModelInfo) (SaveStats, error) {
	var stats SaveStats
	if err := m.Validate(); err != nil {
		return stats, err
	}
	if info == nil {
		info = &mcf.ModelInfo{Name: m.Name}
	}
	if info.Producer == "" {
		info.Producer = "mantleq " + version.String()
	}
	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return stats, fmt.Errorf("mcfstore: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := write(tmp, m, info, &stats); err != nil {
		return stats, fmt.Errorf("mcfstore: write %s: %w", path, err)
	}
	st, err := tmp.Stat()
	if err != nil {
		return stats, err
	}
	stats.FileSize = st.Size()
	if err := tmp.Close(); err != nil {
		return stats, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return stats, fmt.Errorf("mcfstore: %w", err)
	}
	return stats, nil
}

func write(out *os.File, m *graph.Model, info *mcf.ModelInfo, stats *SaveStats) error {
	w, err := mcf.NewWriter(out)
	if err != nil {
		return err
	}

	b, err := mcf.EncodeModelInfo(info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(mcf.SectionModelInfo, mcf.ModelInfoVersion, b); err != nil {
		return err
	}

	g := &mcf.Graph{
		Name:      m.Name,
		Signature: m.Signature,
		Tensors:   make([]mcf.GraphTensor, len(m.Tensors)),
		Operators: make([]mcf.GraphOperator, len(m.Operators)),
		Inputs:    m.Inputs,
		Outputs:   m.Outputs,
	}
	var records []mcf.QuantRecord
	for i, t := range m.Tensors {
		g.Tensors[i] = mcf.GraphTensor{Name: t.Name, Shape: t.Shape, DType: t.DType.String(), Constant: t.IsConstant()}
		if t.Quant != nil {
			records = append(records, paramsToRecord(i, t.Quant))
		}
	}
	for i, op := range m.Operators {
		attrs, err := json.Marshal(op.Attrs)
		if err != nil {
			return err
		}
		g.Operators[i] = mcf.GraphOperator{Kind: string(op.Kind), Name: op.Name, Inputs: op.Inputs, Outputs: op.Outputs, Attrs: attrs}
	}
	if b, err = mcf.EncodeGraphSection(g); err != nil {
		return err
	}
	if err := w.WriteSection(mcf.SectionGraph, mcf.GraphVersion, b); err != nil {
		return err
	}

	tw, err := w.BeginTensorData()
	if err != nil {
		return err
	}
	for _, t := range m.Tensors {
		if !t.IsConstant() {
			continue
		}
		dims := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = uint64(d)
		}
		data := m.Buffers[t.Buffer]
		if err := tw.Add(t.Name, dtypes[t.DType], dims, data); err != nil {
			return err
		}
		stats.TensorBytes += uint64(len(data))
	}
	stats.Deduplicated = tw.Deduplicated()
	index, err := tw.Finish()
	if err != nil {
		return err
	}
	if b, err = mcf.EncodeTensorIndexSection(index); err != nil {
		return err
	}
	if err := w.WriteSection(mcf.SectionTensorIndex, mcf.TensorIndexVersion, b); err != nil {
		return err
	}

	if len(records) > 0 {
		if b, err = mcf.EncodeQuantInfoSection(records); err != nil {
			return err
		}
		if err := w.WriteSection(mcf.SectionQuantInfo, mcf.QuantInfoVersion, b); err != nil {
			return err
		}
		if err := w.AddFlags(mcf.FlagQuantized); err != nil {
			return err
		}
	}
	stats.Quantized = len(records)
	return w.Finalise()
}

func paramsToRecord(tensor int, p *quant.Params) mcf.QuantRecord {
	r := mcf.QuantRecord{
		Tensor:    uint32(tensor),
		Bits:      uint8(p.Bits),
		Axis:      int16(p.Axis),
		Scale:     p.Scale,
		ZeroPoint: p.ZeroPoint,
	}
	if p.Symmetric {
		r.Flags |= mcf.QuantFlagSymmetric
	}
	if p.Granularity == quant.Channelwise {
		r.Flags |= mcf.QuantFlagChannelwise
	} else {
		r.Axis = -1
	}
	return r
}

func recordToParams(r mcf.QuantRecord) *quant.Params {
	p := &quant.Params{
		Bits:      int(r.Bits),
		Symmetric: r.Symmetric(),
		Axis:      int(r.Axis),
		Scale:     r.Scale,
		ZeroPoint: r.ZeroPoint,
	}
	if r.Channelwise() {
		p.Granularity = quant.Channelwise
	}
	return p
}
