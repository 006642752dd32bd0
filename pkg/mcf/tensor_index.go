package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unsafe"
)

// TensorIndexVersion is the on-disk version of the tensor index section payload.
const TensorIndexVersion uint32 = 2

const (
	tensorIndexHeaderSize = 48
	tensorIndexEntrySize  = 40
)

// TensorIndex flags.
const (
	// TensorIndexFlagSortedByName means entries are sorted by raw name bytes
	// ascending, so lookups can binary search.
	TensorIndexFlagSortedByName uint32 = 1 << 0
)

// TensorDType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
)

// Sub-byte integers, packed two per byte with the low nibble first.
const (
	DTypeI4 TensorDType = 0x0100 + iota
	DTypeU4
)

// Bits returns the element width, or 0 for unknown dtypes.
func (d TensorDType) Bits() int {
	switch d {
	case DTypeI4, DTypeU4:
		return 4
	case DTypeI8, DTypeU8:
		return 8
	case DTypeF16, DTypeBF16, DTypeI16, DTypeU16:
		return 16
	case DTypeF32, DTypeI32, DTypeU32:
		return 32
	case DTypeF64, DTypeI64, DTypeU64:
		return 64
	default:
		return 0
	}
}

// ByteLen returns the payload size of n elements.
func (d TensorDType) ByteLen(n uint64) uint64 {
	return (n*uint64(d.Bits()) + 7) / 8
}

func (d TensorDType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF64:
		return "f64"
	case DTypeI4:
		return "i4"
	case DTypeU4:
		return "u4"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI16:
		return "i16"
	case DTypeU16:
		return "u16"
	case DTypeI32:
		return "i32"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeU64:
		return "u64"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

// TensorIndexHeader describes the on-disk layout of the tensor index
// section. Offsets are relative to the start of the section payload.
type TensorIndexHeader struct {
	Version     uint32
	Flags       uint32
	TensorCount uint32
	DimsCount   uint32 // total number of uint64 dims in the dims table

	EntriesOff  uint64
	DimsOff     uint64
	StringsOff  uint64
	StringsSize uint64
}

// TensorIndexEntry is the on-disk fixed-size record for a tensor. Name bytes
// live in the strings table, shape dims in the dims table.
type TensorIndexEntry struct {
	NameOff uint32
	NameLen uint32
	DType   TensorDType
	Rank    uint32
	DimOff  uint32 // index into the dims table

	// DataOff is an absolute file offset. Entries whose payloads are
	// byte-identical share one range.
	DataOff  uint64
	DataSize uint64
}

// TensorIndex is a parsed view over a tensor index section payload.
type TensorIndex struct {
	raw []byte
	hdr TensorIndexHeader
}

// TensorIndexRecord is the input to EncodeTensorIndexSection.
type TensorIndexRecord struct {
	Name     string
	DType    TensorDType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

var errBadTensorIndex = errors.New("mcf: corrupt tensor index section")

// ParseTensorIndexSection validates and returns a view over a tensor index
// section payload.
func ParseTensorIndexSection(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHeaderSize {
		return nil, ErrCorruptFile
	}
	h := TensorIndexHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		Flags:       binary.LittleEndian.Uint32(sec[4:8]),
		TensorCount: binary.LittleEndian.Uint32(sec[8:12]),
		DimsCount:   binary.LittleEndian.Uint32(sec[12:16]),
		EntriesOff:  binary.LittleEndian.Uint64(sec[16:24]),
		DimsOff:     binary.LittleEndian.Uint64(sec[24:32]),
		StringsOff:  binary.LittleEndian.Uint64(sec[32:40]),
		StringsSize: binary.LittleEndian.Uint64(sec[40:48]),
	}
	if h.Version != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index v%d", ErrUnsupportedMinor, h.Version)
	}

	secLen := uint64(len(sec))
	entriesBytes := uint64(h.TensorCount) * tensorIndexEntrySize
	dimsBytes := uint64(h.DimsCount) * 8
	if h.EntriesOff > secLen || h.EntriesOff+entriesBytes > secLen ||
		h.DimsOff > secLen || h.DimsOff+dimsBytes > secLen ||
		h.StringsOff > secLen || h.StringsOff+h.StringsSize > secLen {
		return nil, fmt.Errorf("%w: tensor index tables out of bounds", ErrCorruptFile)
	}

	for i := range h.TensorCount {
		e := readTensorIndexEntry(sec, h.EntriesOff, i)
		if uint64(e.NameOff)+uint64(e.NameLen) > h.StringsSize {
			return nil, fmt.Errorf("%w: tensor %d name out of bounds", ErrCorruptFile, i)
		}
		if uint64(e.DimOff)+uint64(e.Rank) > uint64(h.DimsCount) {
			return nil, fmt.Errorf("%w: tensor %d shape out of bounds", ErrCorruptFile, i)
		}
		if e.DType.Bits() == 0 {
			return nil, fmt.Errorf("%w: tensor %d has %s", ErrCorruptFile, i, e.DType)
		}
	}
	return &TensorIndex{raw: sec, hdr: h}, nil
}

func readTensorIndexEntry(sec []byte, entriesOff uint64, i uint32) TensorIndexEntry {
	base := entriesOff + uint64(i)*tensorIndexEntrySize
	b := sec[base : base+tensorIndexEntrySize]
	return TensorIndexEntry{
		NameOff:  binary.LittleEndian.Uint32(b[0:4]),
		NameLen:  binary.LittleEndian.Uint32(b[4:8]),
		DType:    TensorDType(binary.LittleEndian.Uint32(b[8:12])),
		Rank:     binary.LittleEndian.Uint32(b[12:16]),
		DimOff:   binary.LittleEndian.Uint32(b[16:20]),
		DataOff:  binary.LittleEndian.Uint64(b[24:32]),
		DataSize: binary.LittleEndian.Uint64(b[32:40]),
	}
}

func (ti *TensorIndex) Count() int {
	return int(ti.hdr.TensorCount)
}

func (ti *TensorIndex) Entry(i int) (TensorIndexEntry, error) {
	if i < 0 || i >= int(ti.hdr.TensorCount) {
		return TensorIndexEntry{}, errBadTensorIndex
	}
	return readTensorIndexEntry(ti.raw, ti.hdr.EntriesOff, uint32(i)), nil
}

func (ti *TensorIndex) NameBytes(i int) ([]byte, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	off := ti.hdr.StringsOff + uint64(e.NameOff)
	return ti.raw[off : off+uint64(e.NameLen)], nil
}

// Name returns a zero-copy string view over the (usually mapped) name bytes.
func (ti *TensorIndex) Name(i int) (string, error) {
	b, err := ti.NameBytes(i)
	if err != nil || len(b) == 0 {
		return "", err
	}
	return unsafe.String(unsafe.SliceData(b), len(b)), nil
}

// Shape returns the dims of entry i; scalars have rank 0.
func (ti *TensorIndex) Shape(i int) ([]uint64, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.Rank)
	for d := range out {
		base := ti.hdr.DimsOff + (uint64(e.DimOff)+uint64(d))*8
		out[d] = binary.LittleEndian.Uint64(ti.raw[base : base+8])
	}
	return out, nil
}

// Find returns the entry index for the given tensor name.
func (ti *TensorIndex) Find(name string) (int, bool) {
	if ti == nil {
		return -1, false
	}
	key := []byte(name)
	n := int(ti.hdr.TensorCount)

	if ti.hdr.Flags&TensorIndexFlagSortedByName != 0 {
		i := sort.Search(n, func(i int) bool {
			nb, _ := ti.NameBytes(i)
			return bytes.Compare(nb, key) >= 0
		})
		if i < n {
			if nb, _ := ti.NameBytes(i); bytes.Equal(nb, key) {
				return i, true
			}
		}
		return -1, false
	}
	for i := range n {
		if nb, _ := ti.NameBytes(i); bytes.Equal(nb, key) {
			return i, true
		}
	}
	return -1, false
}

// TensorData returns a zero-copy view of the tensor payload bytes. The range
// must lie inside the tensor data section.
func (ti *TensorIndex) TensorData(f *File, i int) ([]byte, error) {
	e, err := ti.Entry(i)
	if err != nil {
		return nil, err
	}
	sec := f.Section(SectionTensorData)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionTensorData)
	}
	end := e.DataOff + e.DataSize
	if end < e.DataOff || e.DataOff < sec.Offset || end > sec.End() {
		return nil, fmt.Errorf("%w: tensor %d data out of bounds", ErrCorruptFile, i)
	}
	return f.Data[e.DataOff:end], nil
}

// EncodeTensorIndexSection builds a tensor index section payload. Records
// are sorted by name and the sorted flag is set.
func EncodeTensorIndexSection(records []TensorIndexRecord) ([]byte, error) {
	recs := make([]TensorIndexRecord, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var (
		dims    []uint64
		strs    []byte
		entries = make([]TensorIndexEntry, 0, len(recs))
	)
	for i, r := range recs {
		if r.Name == "" {
			return nil, errors.New("mcf: tensor name must be non-empty")
		}
		if i > 0 && recs[i-1].Name == r.Name {
			return nil, fmt.Errorf("mcf: duplicate tensor name %q", r.Name)
		}
		if r.DType.Bits() == 0 {
			return nil, fmt.Errorf("mcf: tensor %q has %s", r.Name, r.DType)
		}
		entries = append(entries, TensorIndexEntry{
			NameOff:  uint32(len(strs)),
			NameLen:  uint32(len(r.Name)),
			DType:    r.DType,
			Rank:     uint32(len(r.Shape)),
			DimOff:   uint32(len(dims)),
			DataOff:  r.DataOff,
			DataSize: r.DataSize,
		})
		strs = append(strs, r.Name...)
		dims = append(dims, r.Shape...)
	}

	h := TensorIndexHeader{
		Version:     TensorIndexVersion,
		Flags:       TensorIndexFlagSortedByName,
		TensorCount: uint32(len(entries)),
		DimsCount:   uint32(len(dims)),
		EntriesOff:  tensorIndexHeaderSize,
	}
	h.DimsOff = h.EntriesOff + tensorIndexEntrySize*uint64(len(entries))
	h.StringsOff = h.DimsOff + uint64(len(dims))*8
	h.StringsSize = uint64(len(strs))

	out := make([]byte, h.StringsOff+h.StringsSize)
	binary.LittleEndian.PutUint32(out[0:4], h.Version)
	binary.LittleEndian.PutUint32(out[4:8], h.Flags)
	binary.LittleEndian.PutUint32(out[8:12], h.TensorCount)
	binary.LittleEndian.PutUint32(out[12:16], h.DimsCount)
	binary.LittleEndian.PutUint64(out[16:24], h.EntriesOff)
	binary.LittleEndian.PutUint64(out[24:32], h.DimsOff)
	binary.LittleEndian.PutUint64(out[32:40], h.StringsOff)
	binary.LittleEndian.PutUint64(out[40:48], h.StringsSize)

	ep := h.EntriesOff
	for _, e := range entries {
		b := out[ep : ep+tensorIndexEntrySize]
		binary.LittleEndian.PutUint32(b[0:4], e.NameOff)
		binary.LittleEndian.PutUint32(b[4:8], e.NameLen)
		binary.LittleEndian.PutUint32(b[8:12], uint32(e.DType))
		binary.LittleEndian.PutUint32(b[12:16], e.Rank)
		binary.LittleEndian.PutUint32(b[16:20], e.DimOff)
		// b[20:24] reserved
		binary.LittleEndian.PutUint64(b[24:32], e.DataOff)
		binary.LittleEndian.PutUint64(b[32:40], e.DataSize)
		ep += tensorIndexEntrySize
	}
	dp := h.DimsOff
	for _, d := range dims {
		binary.LittleEndian.PutUint64(out[dp:dp+8], d)
		dp += 8
	}
	copy(out[h.StringsOff:], strs)
	return out, nil
}
