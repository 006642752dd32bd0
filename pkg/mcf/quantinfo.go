package mcf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// QuantInfoVersion is the on-disk version of the QuantInfo payload.
const QuantInfoVersion uint32 = 2

const (
	quantInfoHeaderSize = 8
	quantRecordFixed    = 16
)

// Quant record flags.
const (
	QuantFlagSymmetric   uint8 = 1 << 0
	QuantFlagChannelwise uint8 = 1 << 1
)

// QuantRecord is the affine quantization record of one graph tensor.
//
// On disk a record is a 16-byte fixed part
//
//	u32 tensor | u8 bits | u8 flags | i16 axis | u32 channels | u32 reserved
//
// followed by channels float64 scales and channels int64 zero points, so
// every record stays 8-byte aligned.
type QuantRecord struct {
	// Tensor is the position of the tensor in the graph section.
	Tensor    uint32
	Bits      uint8
	Flags     uint8
	Axis      int16
	Scale     []float64
	ZeroPoint []int64
}

// Symmetric reports whether the record uses the symmetric grid.
func (r *QuantRecord) Symmetric() bool { return r.Flags&QuantFlagSymmetric != 0 }

// Channelwise reports whether the record keeps one scale per channel.
func (r *QuantRecord) Channelwise() bool { return r.Flags&QuantFlagChannelwise != 0 }

var errBadQuantInfo = errors.New("mcf: corrupt quantinfo section")

func validateQuantRecord(r *QuantRecord) error {
	switch r.Bits {
	case 4, 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: tensor %d has %d bits", errBadQuantInfo, r.Tensor, r.Bits)
	}
	if r.Flags&^(QuantFlagSymmetric|QuantFlagChannelwise) != 0 {
		return fmt.Errorf("%w: tensor %d has unknown flags %#x", errBadQuantInfo, r.Tensor, r.Flags)
	}
	if len(r.Scale) == 0 || len(r.Scale) != len(r.ZeroPoint) {
		return fmt.Errorf("%w: tensor %d has %d scales and %d zero points",
			errBadQuantInfo, r.Tensor, len(r.Scale), len(r.ZeroPoint))
	}
	if r.Channelwise() == (r.Axis < 0) {
		return fmt.Errorf("%w: tensor %d axis %d does not match granularity", errBadQuantInfo, r.Tensor, r.Axis)
	}
	if !r.Channelwise() && len(r.Scale) != 1 {
		return fmt.Errorf("%w: tensorwise tensor %d has %d scales", errBadQuantInfo, r.Tensor, len(r.Scale))
	}
	for _, s := range r.Scale {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: tensor %d has scale %g", errBadQuantInfo, r.Tensor, s)
		}
	}
	return nil
}

// ParseQuantInfoSection decodes a QuantInfo section payload.
func ParseQuantInfoSection(sec []byte) ([]QuantRecord, error) {
	if len(sec) < quantInfoHeaderSize {
		return nil, ErrCorruptFile
	}
	if v := binary.LittleEndian.Uint32(sec[0:4]); v != QuantInfoVersion {
		return nil, fmt.Errorf("%w: quantinfo v%d", ErrUnsupportedMinor, v)
	}
	count := binary.LittleEndian.Uint32(sec[4:8])

	records := make([]QuantRecord, 0, min(count, 1<<16))
	off := uint64(quantInfoHeaderSize)
	secLen := uint64(len(sec))
	for i := range count {
		if off+quantRecordFixed > secLen {
			return nil, fmt.Errorf("%w: record %d truncated", ErrCorruptFile, i)
		}
		b := sec[off : off+quantRecordFixed]
		r := QuantRecord{
			Tensor: binary.LittleEndian.Uint32(b[0:4]),
			Bits:   b[4],
			Flags:  b[5],
			Axis:   int16(binary.LittleEndian.Uint16(b[6:8])),
		}
		channels := uint64(binary.LittleEndian.Uint32(b[8:12]))
		if !isZeroBytes(b[12:16]) {
			return nil, fmt.Errorf("%w: record %d reserved bytes set", ErrCorruptFile, i)
		}
		off += quantRecordFixed

		payload, ok := mulUint64(channels, 16)
		if !ok || off+payload > secLen {
			return nil, fmt.Errorf("%w: record %d truncated", ErrCorruptFile, i)
		}
		r.Scale = make([]float64, channels)
		r.ZeroPoint = make([]int64, channels)
		for c := range r.Scale {
			r.Scale[c] = math.Float64frombits(binary.LittleEndian.Uint64(sec[off : off+8]))
			off += 8
		}
		for c := range r.ZeroPoint {
			r.ZeroPoint[c] = int64(binary.LittleEndian.Uint64(sec[off : off+8]))
			off += 8
		}
		if err := validateQuantRecord(&r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		records = append(records, r)
	}
	if off != secLen {
		return nil, fmt.Errorf("%w: %d trailing quantinfo bytes", ErrCorruptFile, secLen-off)
	}
	return records, nil
}

// EncodeQuantInfoSection builds a QuantInfo section payload.
func EncodeQuantInfoSection(records []QuantRecord) ([]byte, error) {
	if len(records) > math.MaxUint32 {
		return nil, errors.New("mcf: too many quant records")
	}
	size := uint64(quantInfoHeaderSize)
	for i := range records {
		if err := validateQuantRecord(&records[i]); err != nil {
			return nil, err
		}
		size += quantRecordFixed + 16*uint64(len(records[i].Scale))
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], QuantInfoVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(records)))
	off := uint64(quantInfoHeaderSize)
	for _, r := range records {
		b := out[off : off+quantRecordFixed]
		binary.LittleEndian.PutUint32(b[0:4], r.Tensor)
		b[4] = r.Bits
		b[5] = r.Flags
		binary.LittleEndian.PutUint16(b[6:8], uint16(r.Axis))
		binary.LittleEndian.PutUint32(b[8:12], uint32(len(r.Scale)))
		off += quantRecordFixed
		for _, s := range r.Scale {
			binary.LittleEndian.PutUint64(out[off:off+8], math.Float64bits(s))
			off += 8
		}
		for _, z := range r.ZeroPoint {
			binary.LittleEndian.PutUint64(out[off:off+8], uint64(z))
			off += 8
		}
	}
	return out, nil
}
