// Package quant computes uniform quantization parameters for tensors.
//
// A Strategy turns tensor statistics (an observed range or the tensor values
// themselves) into Params: one scale and zero point per channel. Params then
// maps float values onto the integer grid with
//
//	q = clamp(round(v/scale) + zero_point, qmin, qmax)
//
// and back. Symmetric parameters use the signed, narrow grid
// [-(2^(b-1)-1), 2^(b-1)-1] with a zero point of 0; asymmetric parameters use the
// unsigned grid [0, 2^b-1].
package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Granularity selects whether one scale covers the whole tensor or one scale
// is kept per index along the quantized axis.
type Granularity uint8

const (
	Tensorwise Granularity = iota
	Channelwise
)

func (g Granularity) String() string {
	switch g {
	case Tensorwise:
		return "TENSORWISE"
	case Channelwise:
		return "CHANNELWISE"
	default:
		return fmt.Sprintf("Granularity(%d)", uint8(g))
	}
}

func (g Granularity) MarshalText() ([]byte, error) {
	if g > Channelwise {
		return nil, fmt.Errorf("quant: invalid granularity %d", uint8(g))
	}
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "", "TENSORWISE":
		*g = Tensorwise
	case "CHANNELWISE":
		*g = Channelwise
	default:
		return fmt.Errorf("quant: unknown granularity %q", string(b))
	}
	return nil
}

var (
	ErrUnsupportedBits = errors.New("quant: unsupported bit width")
	ErrInvalidAxis     = errors.New("quant: invalid quantized dimension")
	ErrShapeMismatch   = errors.New("quant: values do not match shape")
)

// DegenerateRangeError reports that no channel of a tensor has a usable range,
// so no strictly positive scale can be derived.
type DegenerateRangeError struct {
	Min, Max float64
}

func (e *DegenerateRangeError) Error() string {
	return fmt.Sprintf("quant: degenerate range [%g, %g]", e.Min, e.Max)
}

// TensorConfig is the requested quantization of one tensor.
type TensorConfig struct {
	Bits        int         `json:"num_bits" yaml:"num_bits"`
	Symmetric   bool        `json:"symmetric" yaml:"symmetric"`
	Granularity Granularity `json:"granularity" yaml:"granularity"`
	// Axis pins the channel axis. Operator families decide the axis for
	// their weights; a pinned axis must agree with it.
	Axis *int `json:"quantized_dimension,omitempty" yaml:"quantized_dimension,omitempty"`
}

// Validate checks the bit width.
func (c TensorConfig) Validate() error {
	switch c.Bits {
	case 4, 8, 16:
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, c.Bits)
	}
	if c.Granularity > Channelwise {
		return fmt.Errorf("quant: invalid granularity %d", uint8(c.Granularity))
	}
	if c.Axis != nil && *c.Axis < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, *c.Axis)
	}
	return nil
}

// WithAxis returns a copy of c with the channel axis set.
func (c TensorConfig) WithAxis(axis int) TensorConfig {
	c.Axis = &axis
	return c
}

// Params is the quantization record attached to a tensor.
type Params struct {
	Bits        int         `json:"bits"`
	Symmetric   bool        `json:"symmetric"`
	Granularity Granularity `json:"granularity"`
	// Axis is the quantized dimension, -1 for tensorwise records.
	Axis      int       `json:"axis"`
	Scale     []float64 `json:"scale"`
	ZeroPoint []int64   `json:"zero_point"`
}

// QRange returns the integer grid for a bit width.
func QRange(bits int, symmetric bool) (qmin, qmax int64) {
	if symmetric {
		qmax = int64(1)<<(bits-1) - 1
		return -qmax, qmax
	}
	return 0, int64(1)<<bits - 1
}

// QRange returns the integer grid of p.
func (p *Params) QRange() (int64, int64) {
	return QRange(p.Bits, p.Symmetric)
}

// Channels returns the number of scale/zero point pairs.
func (p *Params) Channels() int {
	return len(p.Scale)
}

// Validate checks the record invariants. Derived bias records may use 32 or
// 64 bits; everything else is limited to 4, 8 or 16.
func (p *Params) Validate() error {
	if p == nil {
		return errors.New("quant: nil params")
	}
	switch p.Bits {
	case 4, 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, p.Bits)
	}
	if len(p.Scale) == 0 || len(p.Scale) != len(p.ZeroPoint) {
		return fmt.Errorf("quant: %d scales for %d zero points", len(p.Scale), len(p.ZeroPoint))
	}
	switch p.Granularity {
	case Tensorwise:
		if len(p.Scale) != 1 {
			return fmt.Errorf("quant: tensorwise record has %d scales", len(p.Scale))
		}
		if p.Axis != -1 {
			return fmt.Errorf("%w: tensorwise record has axis %d", ErrInvalidAxis, p.Axis)
		}
	case Channelwise:
		if p.Axis < 0 {
			return fmt.Errorf("%w: channelwise record without axis", ErrInvalidAxis)
		}
	default:
		return fmt.Errorf("quant: invalid granularity %d", uint8(p.Granularity))
	}
	qmin, qmax := p.QRange()
	for i, s := range p.Scale {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("quant: scale[%d] = %g is not strictly positive", i, s)
		}
		zp := p.ZeroPoint[i]
		if p.Symmetric && zp != 0 {
			return fmt.Errorf("quant: symmetric zero_point[%d] = %d", i, zp)
		}
		if zp < qmin || zp > qmax {
			return fmt.Errorf("quant: zero_point[%d] = %d outside [%d, %d]", i, zp, qmin, qmax)
		}
	}
	return nil
}

// CheckShape verifies that the record fits a tensor of the given shape.
func (p *Params) CheckShape(shape []int) error {
	if p.Granularity != Channelwise {
		return nil
	}
	if p.Axis >= len(shape) {
		return fmt.Errorf("%w: axis %d for rank %d", ErrInvalidAxis, p.Axis, len(shape))
	}
	if shape[p.Axis] != len(p.Scale) {
		return fmt.Errorf("quant: %d scales for dimension %d of size %d", len(p.Scale), p.Axis, shape[p.Axis])
	}
	return nil
}

// Equal reports whether two records are bit-identical.
func (p *Params) Equal(o *Params) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Bits != o.Bits || p.Symmetric != o.Symmetric || p.Granularity != o.Granularity || p.Axis != o.Axis {
		return false
	}
	if len(p.Scale) != len(o.Scale) || len(p.ZeroPoint) != len(o.ZeroPoint) {
		return false
	}
	for i := range p.Scale {
		if math.Float64bits(p.Scale[i]) != math.Float64bits(o.Scale[i]) || p.ZeroPoint[i] != o.ZeroPoint[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	c := *p
	c.Scale = append([]float64(nil), p.Scale...)
	c.ZeroPoint = append([]int64(nil), p.ZeroPoint...)
	return &c
}

func (p *Params) String() string {
	if p == nil {
		return "float"
	}
	kind := "asym"
	if p.Symmetric {
		kind = "sym"
	}
	if p.Granularity == Channelwise {
		return fmt.Sprintf("int%d/%s/axis=%d/%dch", p.Bits, kind, p.Axis, len(p.Scale))
	}
	return fmt.Sprintf("int%d/%s scale=%.6g zp=%d", p.Bits, kind, p.Scale[0], p.ZeroPoint[0])
}

// QuantizeValue maps one value onto the grid. NaN maps to the zero point.
func QuantizeValue(v, scale float64, zp, qmin, qmax int64) int64 {
	if math.IsNaN(v) {
		return zp
	}
	r := math.Round(v/scale) + float64(zp)
	if r <= float64(qmin) {
		return qmin
	}
	if r >= float64(qmax) {
		return qmax
	}
	return int64(r)
}

// DequantizeValue maps one grid value back to float.
func DequantizeValue(q int64, scale float64, zp int64) float64 {
	return float64(q-zp) * scale
}

// Quantize maps values of a tensor with the given shape onto the grid.
func (p *Params) Quantize(values []float32, shape []int) ([]int64, error) {
	ch, err := p.channelIndexer(len(values), shape)
	if err != nil {
		return nil, err
	}
	qmin, qmax := p.QRange()
	out := make([]int64, len(values))
	for i, v := range values {
		c := ch(i)
		out[i] = QuantizeValue(float64(v), p.Scale[c], p.ZeroPoint[c], qmin, qmax)
	}
	return out, nil
}

// Dequantize maps grid values of a tensor with the given shape back to float.
func (p *Params) Dequantize(q []int64, shape []int) ([]float32, error) {
	ch, err := p.channelIndexer(len(q), shape)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(q))
	for i, v := range q {
		c := ch(i)
		out[i] = float32(DequantizeValue(v, p.Scale[c], p.ZeroPoint[c]))
	}
	return out, nil
}

// FakeQuantize quantizes and immediately dequantizes values in place.
func (p *Params) FakeQuantize(values []float32, shape []int) error {
	ch, err := p.channelIndexer(len(values), shape)
	if err != nil {
		return err
	}
	qmin, qmax := p.QRange()
	for i, v := range values {
		c := ch(i)
		q := QuantizeValue(float64(v), p.Scale[c], p.ZeroPoint[c], qmin, qmax)
		values[i] = float32(DequantizeValue(q, p.Scale[c], p.ZeroPoint[c]))
	}
	return nil
}

func (p *Params) channelIndexer(n int, shape []int) (func(int) int, error) {
	if n != NumElements(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, n, shape)
	}
	if p.Granularity != Channelwise {
		return func(int) int { return 0 }, nil
	}
	if err := p.CheckShape(shape); err != nil {
		return nil, err
	}
	inner := NumElements(shape[p.Axis+1:])
	dim := shape[p.Axis]
	return func(i int) int { return (i / inner) % dim }, nil
}

// NumElements returns the volume of a shape. A scalar (empty shape) has one
// element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
