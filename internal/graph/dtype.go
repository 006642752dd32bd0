package graph

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a tensor buffer.
type DType uint8

const (
	Unknown DType = iota
	F32
	F16
	BF16
	I4
	U4
	I8
	U8
	I16
	U16
	I32
	I64
)

var dtypeNames = [...]string{
	Unknown: "unknown",
	F32:     "f32",
	F16:     "f16",
	BF16:    "bf16",
	I4:      "i4",
	U4:      "u4",
	I8:      "i8",
	U8:      "u8",
	I16:     "i16",
	U16:     "u16",
	I32:     "i32",
	I64:     "i64",
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, n := range dtypeNames {
		if n == s && i != int(Unknown) {
			*d = DType(i)
			return nil
		}
	}
	return fmt.Errorf("graph: unknown dtype %q", string(b))
}

// Bits returns the element width.
func (d DType) Bits() int {
	switch d {
	case I4, U4:
		return 4
	case I8, U8:
		return 8
	case F16, BF16, I16, U16:
		return 16
	case F32, I32:
		return 32
	case I64:
		return 64
	default:
		return 0
	}
}

// IsFloat reports whether the dtype stores floating point values.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16
}

// ByteLen returns the buffer size of n elements. 4-bit values are packed two
// per byte.
func (d DType) ByteLen(n int) int {
	return (n*d.Bits() + 7) / 8
}

// StorageType returns the integer dtype that holds quantized values of the
// given width. Symmetric values are signed, asymmetric ones unsigned.
func StorageType(bits int, symmetric bool) DType {
	switch bits {
	case 4:
		if symmetric {
			return I4
		}
		return U4
	case 8:
		if symmetric {
			return I8
		}
		return U8
	case 16:
		if symmetric {
			return I16
		}
		return U16
	case 32:
		return I32
	case 64:
		return I64
	default:
		return Unknown
	}
}

// DecodeFloat32 converts a floating point buffer to float32.
func DecodeFloat32(d DType, b []byte) ([]float32, error) {
	switch d {
	case F32:
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("graph: f32 buffer of %d bytes", len(b))
		}
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case F16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("graph: f16 buffer of %d bytes", len(b))
		}
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("graph: bf16 buffer of %d bytes", len(b))
		}
		return bfloat16.DecodeFloat32(b), nil
	default:
		return nil, fmt.Errorf("graph: %s is not a float dtype", d)
	}
}

// EncodeFloat32 converts float32 values into a buffer of the given dtype.
func EncodeFloat32(d DType, v []float32) ([]byte, error) {
	switch d {
	case F32:
		out := make([]byte, len(v)*4)
		for i, f := range v {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
		}
		return out, nil
	case F16:
		out := make([]byte, len(v)*2)
		for i, f := range v {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(f).Bits())
		}
		return out, nil
	case BF16:
		return bfloat16.EncodeFloat32(v), nil
	default:
		return nil, fmt.Errorf("graph: %s is not a float dtype", d)
	}
}

// PackInts stores integer values in a buffer of the given dtype. Values must
// already be inside the dtype's range.
func PackInts(d DType, v []int64) ([]byte, error) {
	out := make([]byte, d.ByteLen(len(v)))
	switch d {
	case I4, U4:
		for i, x := range v {
			nib := byte(x) & 0x0f
			if i%2 == 0 {
				out[i/2] |= nib
			} else {
				out[i/2] |= nib << 4
			}
		}
	case I8, U8:
		for i, x := range v {
			out[i] = byte(x)
		}
	case I16, U16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(x))
		}
	case I32:
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(x))
		}
	case I64:
		for i, x := range v {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(x))
		}
	default:
		return nil, fmt.Errorf("graph: %s is not an integer dtype", d)
	}
	return out, nil
}

// UnpackInts reads n integer values from a buffer of the given dtype.
func UnpackInts(d DType, b []byte, n int) ([]int64, error) {
	if len(b) < d.ByteLen(n) {
		return nil, fmt.Errorf("graph: %s buffer of %d bytes for %d values", d, len(b), n)
	}
	out := make([]int64, n)
	switch d {
	case I4:
		for i := range out {
			nib := b[i/2] >> (4 * (i % 2)) & 0x0f
			out[i] = int64(int8(nib<<4) >> 4)
		}
	case U4:
		for i := range out {
			out[i] = int64(b[i/2] >> (4 * (i % 2)) & 0x0f)
		}
	case I8:
		for i := range out {
			out[i] = int64(int8(b[i]))
		}
	case U8:
		for i := range out {
			out[i] = int64(b[i])
		}
	case I16:
		for i := range out {
			out[i] = int64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		}
	case U16:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint16(b[i*2:]))
		}
	case I32:
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
	case I64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
		}
	default:
		return nil, fmt.Errorf("graph: %s is not an integer dtype", d)
	}
	return out, nil
}
