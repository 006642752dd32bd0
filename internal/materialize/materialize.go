// Package materialize decides, per operator, how each touched tensor is
// quantized.
//
// Operators are grouped into families with one handler each. A handler reads
// the graph, the calibration ranges and the resolved configuration and
// returns the directives for the operator's edges; it never mutates the
// graph, so operators can be materialized in parallel.
package materialize

import (
	"errors"
	"fmt"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/recipe"
	"github.com/samcharles93/mantleq/internal/transform"
	"github.com/samcharles93/mantleq/pkg/quant"
)

// Family groups operators that share a materialization rule.
type Family uint8

const (
	Unknown Family = iota
	// Binary elementwise ops share one record between activations.
	Binary
	// Affine ops carry a weight and an optional bias.
	Affine
	// PassThrough ops keep the record of their input.
	PassThrough
	// Nonlinear ops get fresh records on both sides.
	Nonlinear
	// Adapter ops are inserted by the editor and never materialized.
	Adapter
)

func (f Family) String() string {
	switch f {
	case Binary:
		return "binary"
	case Affine:
		return "affine"
	case PassThrough:
		return "pass-through"
	case Nonlinear:
		return "nonlinear"
	case Adapter:
		return "adapter"
	default:
		return "unknown"
	}
}

// FamilyOf maps an operator kind to its family.
func FamilyOf(k graph.OpKind) Family {
	switch k {
	case graph.Add, graph.Sub, graph.Mul:
		return Binary
	case graph.FullyConnected, graph.Conv2D, graph.DepthwiseConv2D:
		return Affine
	case graph.Pad, graph.PadV2, graph.MaxPool2D, graph.AveragePool2D, graph.Reshape:
		return PassThrough
	case graph.Tanh, graph.Logistic, graph.Relu, graph.Relu6:
		return Nonlinear
	case graph.Quantize, graph.Dequantize:
		return Adapter
	default:
		return Unknown
	}
}

// OutputChannelAxis returns the weight axis that holds output channels.
func OutputChannelAxis(k graph.OpKind) int {
	if k == graph.DepthwiseConv2D {
		return 3
	}
	return 0
}

// Supports reports whether a family has a rule for the configuration.
func Supports(k graph.OpKind, cfg recipe.OpConfig) bool {
	switch FamilyOf(k) {
	case Binary, Nonlinear:
		return cfg.Mode() == recipe.SRQ
	case Affine:
		return cfg.Weight != nil
	case PassThrough:
		return true
	default:
		return false
	}
}

// Diagnostic records a tensor left in float for a numeric reason.
type Diagnostic struct {
	Op     int          `json:"op"`
	Kind   graph.OpKind `json:"kind"`
	Tensor string       `json:"tensor"`
	Reason string       `json:"reason"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("op %d (%s) %s: %s", d.Op, d.Kind, d.Tensor, d.Reason)
}

// Result is the outcome of materializing one operator.
type Result struct {
	Directives  transform.OpDirectives
	Diagnostics []Diagnostic
}

// Materialize computes the directives of operator op.
func Materialize(m *graph.Model, op int, cfg recipe.OpConfig, ranges calib.Ranges, strategy quant.Strategy) (Result, error) {
	o := m.Operators[op]
	if err := cfg.Validate(); err != nil {
		var ce *recipe.InvalidConfigError
		if errors.As(err, &ce) {
			ce.Op, ce.Name, ce.Kind = op, o.Name, string(o.Kind)
		}
		return Result{}, err
	}
	c := &opContext{
		m:        m,
		op:       op,
		o:        o,
		cfg:      cfg,
		ranges:   ranges,
		strategy: strategy,
		res:      Result{Directives: transform.OpDirectives{Op: op}},
	}
	if !Supports(o.Kind, cfg) {
		return Result{}, c.unsupported("")
	}
	if reason := c.checkEdges(); reason != "" {
		return Result{}, c.unsupported(reason)
	}

	var err error
	switch FamilyOf(o.Kind) {
	case Binary:
		err = c.binary()
	case Affine:
		err = c.affine()
	case PassThrough:
		err = c.passThrough()
	case Nonlinear:
		err = c.nonlinear()
	case Adapter, Unknown:
		err = c.unsupported("no quantization rule for " + FamilyOf(o.Kind).String() + " operators")
	}
	if err != nil {
		return Result{}, err
	}

	c.res.Directives.Sort()
	if err := c.res.Directives.Validate(); err != nil {
		return Result{}, fmt.Errorf("materialize: op %d (%s): %w", op, o.Kind, err)
	}
	return c.res, nil
}

type opContext struct {
	m        *graph.Model
	op       int
	o        *graph.Operator
	cfg      recipe.OpConfig
	ranges   calib.Ranges
	strategy quant.Strategy
	res      Result
}

// checkEdges returns why the operator's tensor lists cannot be handled: every
// family reads a primary input in slot 0 and writes at least one output.
// Later input slots may be absent (-1).
func (c *opContext) checkEdges() string {
	n := len(c.m.Tensors)
	if len(c.o.Inputs) == 0 || c.o.Inputs[0] < 0 {
		return "missing primary input"
	}
	if len(c.o.Outputs) == 0 {
		return "no outputs"
	}
	for _, t := range c.o.Inputs {
		if t >= n || t < -1 {
			return fmt.Sprintf("input tensor %d out of range", t)
		}
	}
	for _, t := range c.o.Outputs {
		if t < 0 || t >= n {
			return fmt.Sprintf("output tensor %d out of range", t)
		}
	}
	return ""
}

func (c *opContext) in(slot int) transform.Edge {
	return transform.Edge{Tensor: c.o.Inputs[slot], Op: c.op, Role: transform.Input, Slot: slot}
}

func (c *opContext) out(slot int) transform.Edge {
	return transform.Edge{Tensor: c.o.Outputs[slot], Op: c.op, Role: transform.Output, Slot: slot}
}

func (c *opContext) emit(d transform.Directive) {
	c.res.Directives.Directives = append(c.res.Directives.Directives, d)
}

// float leaves an edge in float; reasons that stem from the data are also
// reported as diagnostics.
func (c *opContext) float(e transform.Edge, reason string, diagnose bool) {
	c.emit(transform.Float(e, reason))
	if diagnose {
		c.res.Diagnostics = append(c.res.Diagnostics, Diagnostic{
			Op: c.op, Kind: c.o.Kind, Tensor: c.m.Tensors[e.Tensor].Name, Reason: reason,
		})
	}
}

func (c *opContext) unsupported(reason string) error {
	return &UnsupportedOperatorError{Op: c.op, Name: c.o.Name, Kind: c.o.Kind, Mode: c.cfg.Mode(), Reason: reason}
}

func (c *opContext) tensor(t int) *graph.Tensor {
	return c.m.Tensors[t]
}

func (c *opContext) observed(t int) (calib.Range, string) {
	name := c.tensor(t).Name
	r, ok := c.ranges.Lookup(name)
	if !ok {
		return r, "no calibration data for " + name
	}
	return r, ""
}

// activationParams derives a record from calibration ranges, pooling the
// ranges and moments of every listed tensor. A nil record comes with the
// reason the tensor stays float.
func (c *opContext) activationParams(cfg quant.TensorConfig, tensors ...int) (*quant.Params, string, error) {
	var pooled calib.Range
	for i, t := range tensors {
		r, reason := c.observed(t)
		if reason != "" {
			return nil, reason, nil
		}
		if i == 0 {
			pooled = r
			continue
		}
		pooled.Min, pooled.Max = min(pooled.Min, r.Min), max(pooled.Max, r.Max)
		pooled.Count += r.Count
		pooled.Sum += r.Sum
		pooled.SumSquares += r.SumSquares
	}
	stats := quant.FromRange(pooled.Min, pooled.Max)
	if pooled.SumSquares > 0 {
		stats = stats.WithMoments(pooled.Mean(), pooled.SecondMoment())
	}
	p, err := c.strategy.Compute(cfg, stats)
	var de *quant.DegenerateRangeError
	if errors.As(err, &de) {
		return nil, fmt.Sprintf("degenerate range [%g, %g]", de.Min, de.Max), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("materialize: op %d (%s): %w", c.op, c.o.Kind, err)
	}
	return p, "", nil
}

// constantParams quantizes a float constant from its own values. An all-zero
// constant gets an epsilon range, which stores every element as the zero
// point.
func (c *opContext) constantParams(t int, cfg quant.TensorConfig) (*quant.Params, []int64, error) {
	tt := c.tensor(t)
	values, err := c.m.Float32(t)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.strategy.Compute(cfg, quant.FromSamples(values, tt.Shape))
	var de *quant.DegenerateRangeError
	if errors.As(err, &de) {
		n := 1
		if cfg.Granularity == quant.Channelwise {
			n = tt.Shape[*cfg.Axis]
		}
		lo, hi := make([]float64, n), make([]float64, n)
		for i := range lo {
			lo[i], hi[i] = -epsilonRange, epsilonRange
		}
		p, err = quant.MinMax{}.Compute(cfg, quant.FromChannelRanges(lo, hi))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("materialize: op %d (%s): tensor %s: %w", c.op, c.o.Kind, tt.Name, err)
	}
	q, err := p.Quantize(values, tt.Shape)
	if err != nil {
		return nil, nil, err
	}
	return p, q, nil
}

const epsilonRange = 1e-6

// quantizedConstant returns the edge directive for a constant stored
// quantized.
func quantizedConstant(e transform.Edge, p *quant.Params, values []int64, dequantize bool) transform.Directive {
	d := transform.Quantize(e, p)
	if dequantize {
		d = transform.QuantizeDequantize(e, p)
	}
	d.Values = values
	return d
}

// activationConfig returns the activation config of the operator; callers
// only use it under SRQ.
func (c *opContext) activationConfig() quant.TensorConfig {
	return *c.cfg.Activation
}
