// Package mcf implements the Model Container File format.
//
// MCF is a single-file, memory-mappable container for quantized and float
// computation graphs. A file is a fixed header, a set of 8-byte aligned
// section payloads and a section directory. It describes structure and data
// only and never implies runtime behaviour.
package mcf

import "encoding/binary"

// MCF global constants must never change.
const (
	// MagicMCF is the file magic for all MCF containers.
	MagicMCF = "MCF\x00"

	// CurrentMajor changes only with a breaking format change.
	CurrentMajor uint16 = 2

	// CurrentMinor grows when optional sections or fields are added.
	CurrentMinor uint16 = 0

	// FlagQuantized marks files that carry at least one quantization record.
	FlagQuantized uint64 = 1 << 0
)

// SectionType identifies a section payload.
type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionQuantInfo   SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
	SectionGraph       SectionType = 0x0005
)

func (t SectionType) String() string {
	switch t {
	case SectionModelInfo:
		return "model_info"
	case SectionQuantInfo:
		return "quant_info"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionTensorData:
		return "tensor_data"
	case SectionGraph:
		return "graph"
	default:
		return "unknown"
	}
}

// On-disk sizes of the fixed records.
const (
	mcfHeaderSize  = 40
	mcfSectionSize = 24
)

// MCFHeader is the fixed file header. All fields are little-endian.
type MCFHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

// Valid reports whether the header has the magic and a plausible size.
func (h *MCFHeader) Valid() bool {
	if string(h.Magic[:]) != MagicMCF {
		return false
	}
	return h.HeaderSize >= mcfHeaderSize && h.SectionCount > 0
}

// Compatible reports whether this package can read the file.
func (h *MCFHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

// MCFSection is one entry of the section directory.
type MCFSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

// End returns the first byte past the section payload.
func (s *MCFSection) End() uint64 {
	return s.Offset + s.Size
}

func encodeHeader(dst []byte, h MCFHeader) bool {
	if len(dst) < mcfHeaderSize {
		return false
	}
	copy(dst[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.Major)
	binary.LittleEndian.PutUint16(dst[6:8], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(dst[12:16], h.SectionCount)
	binary.LittleEndian.PutUint64(dst[16:24], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(dst[24:32], h.FileSize)
	binary.LittleEndian.PutUint64(dst[32:40], h.Flags)
	return true
}

func decodeHeader(src []byte) (MCFHeader, bool) {
	if len(src) < mcfHeaderSize {
		return MCFHeader{}, false
	}
	var h MCFHeader
	copy(h.Magic[:], src[0:4])
	h.Major = binary.LittleEndian.Uint16(src[4:6])
	h.Minor = binary.LittleEndian.Uint16(src[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(src[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(src[12:16])
	h.SectionDirOffset = binary.LittleEndian.Uint64(src[16:24])
	h.FileSize = binary.LittleEndian.Uint64(src[24:32])
	h.Flags = binary.LittleEndian.Uint64(src[32:40])
	return h, true
}

func encodeSection(dst []byte, s MCFSection) bool {
	if len(dst) < mcfSectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:4], s.Type)
	binary.LittleEndian.PutUint32(dst[4:8], s.Version)
	binary.LittleEndian.PutUint64(dst[8:16], s.Offset)
	binary.LittleEndian.PutUint64(dst[16:24], s.Size)
	return true
}

func decodeSection(src []byte) (MCFSection, bool) {
	if len(src) < mcfSectionSize {
		return MCFSection{}, false
	}
	return MCFSection{
		Type:    binary.LittleEndian.Uint32(src[0:4]),
		Version: binary.LittleEndian.Uint32(src[4:8]),
		Offset:  binary.LittleEndian.Uint64(src[8:16]),
		Size:    binary.LittleEndian.Uint64(src[16:24]),
	}, true
}
