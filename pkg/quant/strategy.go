package quant

import (
	"fmt"
	"math"
)

// Algorithm keys accepted by ByName.
const (
	AlgorithmMinMax = "min_max_uniform_quantize"
	AlgorithmOctav  = "octav"
)

// epsilonScale is the scale given to channels whose range has no width.
const epsilonScale = 1e-9

// Strategy computes quantization parameters from tensor statistics.
type Strategy interface {
	Name() string
	Compute(cfg TensorConfig, in Stats) (*Params, error)
}

// ByName returns the strategy registered under an algorithm key.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", AlgorithmMinMax:
		return MinMax{}, nil
	case AlgorithmOctav:
		return NewOctav(), nil
	default:
		return nil, fmt.Errorf("quant: unknown algorithm %q", name)
	}
}

// Stats is what a strategy sees of a tensor: either observed ranges (one
// entry per channel, or a single entry) or the values themselves. Ranges may
// carry the raw first and second moments of the values they summarise.
type Stats struct {
	Min, Max     []float64
	Mean, Second []float64
	Values       []float32
	Shape        []int
}

// FromRange wraps a single observed range.
func FromRange(min, max float64) Stats {
	return Stats{Min: []float64{min}, Max: []float64{max}}
}

// WithMoments attaches the mean and E[x^2] of a single observed range.
func (s Stats) WithMoments(mean, second float64) Stats {
	s.Mean = []float64{mean}
	s.Second = []float64{second}
	return s
}

// FromChannelRanges wraps per-channel observed ranges.
func FromChannelRanges(min, max []float64) Stats {
	return Stats{Min: min, Max: max}
}

// FromSamples wraps tensor values with their shape.
func FromSamples(values []float32, shape []int) Stats {
	return Stats{Values: values, Shape: shape}
}

// HasSamples reports whether the statistics carry tensor values.
func (s Stats) HasSamples() bool {
	return s.Values != nil
}

// secondMoments returns one E[x^2] per range channel, or nil when the
// statistics carry none that line up with the ranges.
func (s Stats) secondMoments(channels int) []float64 {
	if s.HasSamples() || len(s.Second) != channels {
		return nil
	}
	return s.Second
}

// channelRanges reduces the statistics to one (min, max) pair per channel.
// Non-finite values are skipped.
func (s Stats) channelRanges(cfg TensorConfig) (mins, maxs []float64, err error) {
	if !s.HasSamples() {
		if len(s.Min) == 0 || len(s.Min) != len(s.Max) {
			return nil, nil, fmt.Errorf("quant: %d minimums for %d maximums", len(s.Min), len(s.Max))
		}
		if cfg.Granularity == Tensorwise && len(s.Min) > 1 {
			lo, hi := math.Inf(1), math.Inf(-1)
			for i := range s.Min {
				lo = math.Min(lo, s.Min[i])
				hi = math.Max(hi, s.Max[i])
			}
			return []float64{lo}, []float64{hi}, nil
		}
		return s.Min, s.Max, nil
	}

	groups, err := s.channelGroups(cfg)
	if err != nil {
		return nil, nil, err
	}
	mins = make([]float64, len(groups))
	maxs = make([]float64, len(groups))
	for c, g := range groups {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range g {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if lo > hi {
			lo, hi = 0, 0
		}
		mins[c], maxs[c] = lo, hi
	}
	return mins, maxs, nil
}

// channelGroups splits finite sample values by channel.
func (s Stats) channelGroups(cfg TensorConfig) ([][]float64, error) {
	if len(s.Values) != NumElements(s.Shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(s.Values), s.Shape)
	}
	if cfg.Granularity == Tensorwise {
		g := make([]float64, 0, len(s.Values))
		for _, v := range s.Values {
			if f := float64(v); !math.IsNaN(f) && !math.IsInf(f, 0) {
				g = append(g, f)
			}
		}
		return [][]float64{g}, nil
	}
	axis, err := channelAxis(cfg, len(s.Shape))
	if err != nil {
		return nil, err
	}
	dim := s.Shape[axis]
	inner := NumElements(s.Shape[axis+1:])
	groups := make([][]float64, dim)
	for i, v := range s.Values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		c := (i / inner) % dim
		groups[c] = append(groups[c], f)
	}
	return groups, nil
}

func channelAxis(cfg TensorConfig, rank int) (int, error) {
	if cfg.Axis == nil {
		return 0, fmt.Errorf("%w: channelwise granularity without an axis", ErrInvalidAxis)
	}
	if *cfg.Axis >= rank {
		return 0, fmt.Errorf("%w: axis %d for rank %d", ErrInvalidAxis, *cfg.Axis, rank)
	}
	return *cfg.Axis, nil
}

// deriveParams turns per-channel ranges into a record. Asymmetric zero points
// are clamped to the integer domain, so a range that does not straddle zero
// loses its far end.
func deriveParams(cfg TensorConfig, mins, maxs []float64) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Params{
		Bits:        cfg.Bits,
		Symmetric:   cfg.Symmetric,
		Granularity: cfg.Granularity,
		Axis:        -1,
		Scale:       make([]float64, len(mins)),
		ZeroPoint:   make([]int64, len(mins)),
	}
	if cfg.Granularity == Channelwise {
		if cfg.Axis == nil {
			return nil, fmt.Errorf("%w: channelwise granularity without an axis", ErrInvalidAxis)
		}
		p.Axis = *cfg.Axis
	}

	qmin, qmax := QRange(cfg.Bits, cfg.Symmetric)
	degenerate := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for c := range mins {
		mn, mx := mins[c], maxs[c]
		lo, hi = math.Min(lo, mn), math.Max(hi, mx)
		if !(mx > mn) || math.IsInf(mx-mn, 0) || math.IsNaN(mx-mn) {
			degenerate++
			p.Scale[c] = epsilonScale
			if !cfg.Symmetric {
				p.ZeroPoint[c] = clampInt(0, qmin, qmax)
			}
			continue
		}
		if cfg.Symmetric {
			p.Scale[c] = math.Max(math.Abs(mn), math.Abs(mx)) / float64(qmax)
			continue
		}
		scale := (mx - mn) / float64(qmax-qmin)
		p.Scale[c] = scale
		p.ZeroPoint[c] = clampInt(int64(math.Round(float64(qmin)-mn/scale)), qmin, qmax)
	}
	if degenerate == len(mins) {
		return nil, &DegenerateRangeError{Min: lo, Max: hi}
	}
	return p, nil
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
