package quant

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Octav picks a clipping threshold per channel that minimises the expected
// mean squared quantization error, following the OCTAV fixed point
//
//	s = E[|x|·1{|x|>s}] / ((4^-B/3)·P(|x|<=s) + P(|x|>s))
//
// With tensor values the expectations are taken over the values. With
// calibration ranges that carry moments they are taken over a Laplace
// distribution of the same mean and second moment, clipped to the observed
// range. Ranges without moments are kept as observed.
type Octav struct {
	MaxSteps  int
	Tolerance float64
}

// NewOctav returns the strategy with its default step budget.
func NewOctav() Octav {
	return Octav{MaxSteps: 30, Tolerance: 1e-4}
}

func (Octav) Name() string { return AlgorithmOctav }

func (o Octav) Compute(cfg TensorConfig, in Stats) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mins, maxs, err := in.channelRanges(cfg)
	if err != nil {
		return nil, err
	}
	if !in.HasSamples() {
		if second := in.secondMoments(len(mins)); second != nil {
			o.clipToMoments(cfg, mins, maxs, in.Mean, second)
		}
		return deriveParams(cfg, mins, maxs)
	}
	groups, err := in.channelGroups(cfg)
	if err != nil {
		return nil, err
	}
	for c, g := range groups {
		s := o.threshold(g, cfg.Bits)
		if !(s > 0) {
			continue
		}
		if cfg.Symmetric {
			mins[c], maxs[c] = -s, s
			continue
		}
		mins[c] = math.Max(mins[c], -s)
		maxs[c] = math.Min(maxs[c], s)
	}
	return deriveParams(cfg, mins, maxs)
}

// clipToMoments narrows each range to the threshold of a moment-matched
// Laplace distribution. Symmetric grids are centred on zero; asymmetric ones
// on the mean, using the variance around it.
func (o Octav) clipToMoments(cfg TensorConfig, mins, maxs, mean, second []float64) {
	for c := range mins {
		if !(second[c] > 0) {
			continue
		}
		mu := 0.0
		if !cfg.Symmetric && len(mean) == len(second) {
			mu = mean[c]
		}
		b := math.Sqrt((second[c] - mu*mu) / 2)
		if !(b > 0) || math.IsInf(b, 0) {
			continue
		}
		s := o.laplaceThreshold(b, cfg.Bits)
		if cfg.Symmetric {
			if full := math.Max(math.Abs(mins[c]), math.Abs(maxs[c])); s < full {
				mins[c], maxs[c] = -s, s
			}
			continue
		}
		lo, hi := math.Max(mins[c], mu-s), math.Min(maxs[c], mu+s)
		if hi > lo {
			mins[c], maxs[c] = lo, hi
		}
	}
}

// laplaceThreshold runs the fixed point for |x| ~ Exp(1/b), where both tail
// expectations have closed forms.
func (o Octav) laplaceThreshold(b float64, bits int) float64 {
	noise := math.Pow(4, -float64(bits)) / 3
	tail := func(s float64) (pIn, tailAbs float64) {
		e := math.Exp(-s / b)
		return 1 - e, (s + b) * e
	}
	mse := func(s float64) float64 {
		e := math.Exp(-s / b)
		return noise*s*s*(1-e) + 2*b*b*e
	}
	return o.iterate(noise, math.Inf(1), tail, mse)
}

// threshold runs the fixed point on one channel's values and returns the
// threshold with the lowest error seen. It returns 0 for empty or all-zero
// channels.
func (o Octav) threshold(values []float64, bits int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	abs := make([]float64, n)
	for i, v := range values {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	if abs[n-1] == 0 {
		return 0
	}
	sq := make([]float64, n)
	floats.MulTo(sq, abs, abs)
	// Prefix sums let each step evaluate the tail moments by binary search.
	cumAbs := floats.CumSum(make([]float64, n), abs)
	cumSq := floats.CumSum(make([]float64, n), sq)
	totalAbs, totalSq := cumAbs[n-1], cumSq[n-1]

	noise := math.Pow(4, -float64(bits)) / 3
	split := func(s float64) (below int, sumAbs, sumSq float64) {
		below = sort.Search(n, func(i int) bool { return abs[i] > s })
		if below == 0 {
			return 0, totalAbs, totalSq
		}
		return below, totalAbs - cumAbs[below-1], totalSq - cumSq[below-1]
	}
	tail := func(s float64) (pIn, tailAbs float64) {
		below, sa, _ := split(s)
		return float64(below) / float64(n), sa / float64(n)
	}
	mse := func(s float64) float64 {
		below, sa, ss := split(s)
		clip := ss - 2*s*sa + float64(n-below)*s*s
		return (noise*s*s*float64(below) + clip) / float64(n)
	}
	return o.iterate(noise, abs[n-1], tail, mse)
}

// iterate starts from s = 0 and returns the step with the lowest error,
// falling back to full when no step beats it. tail reports P(|x|<=s) and
// E[|x|·1{|x|>s}].
func (o Octav) iterate(noise, full float64, tail func(s float64) (float64, float64), mse func(s float64) float64) float64 {
	steps := o.MaxSteps
	if steps <= 0 {
		steps = 30
	}
	best, bestErr := full, mse(full)
	s := 0.0
	for range steps {
		pIn, sa := tail(s)
		den := noise*pIn + (1 - pIn)
		if sa == 0 || den == 0 {
			break
		}
		next := sa / den
		if !(next > 0) || math.IsInf(next, 0) {
			break
		}
		if e := mse(next); e < bestErr {
			best, bestErr = next, e
		}
		if math.Abs(next-s) <= o.Tolerance*next {
			break
		}
		s = next
	}
	return best
}
