package materialize

import (
	"fmt"

	"github.com/samcharles93/mantleq/internal/recipe"
	"github.com/samcharles93/mantleq/internal/transform"
	"github.com/samcharles93/mantleq/pkg/quant"
)

// binary: every non-constant input and the output share one record derived
// from the union of their ranges. Constant operands are quantized from their
// own values with the same bit width and symmetry.
func (c *opContext) binary() error {
	act := c.activationConfig()
	var activations []int
	for _, t := range c.o.Inputs {
		if t >= 0 && !c.tensor(t).IsConstant() {
			activations = append(activations, t)
		}
	}
	activations = append(activations, c.o.Outputs...)
	shared, reason, err := c.activationParams(act, activations...)
	if err != nil {
		return err
	}

	for slot, t := range c.o.Inputs {
		if t < 0 {
			continue
		}
		e := c.in(slot)
		tt := c.tensor(t)
		switch {
		case !tt.IsConstant():
			if shared == nil {
				c.float(e, reason, true)
				continue
			}
			c.emit(transform.Quantize(e, shared))
		case !tt.DType.IsFloat():
			c.float(e, "non-float constant", false)
		case shared == nil:
			c.float(e, "operator stays float: "+reason, false)
		default:
			p, values, err := c.constantParams(t, quant.TensorConfig{Bits: act.Bits, Symmetric: act.Symmetric})
			if err != nil {
				return err
			}
			c.emit(quantizedConstant(e, p, values, false))
		}
	}
	for slot := range c.o.Outputs {
		if shared == nil {
			c.float(c.out(slot), reason, true)
			continue
		}
		c.emit(transform.Quantize(c.out(slot), shared.Clone()))
	}
	return nil
}

// affine handles FULLY_CONNECTED, CONV_2D and DEPTHWISE_CONV_2D: inputs are
// (activation, weight, optional bias).
func (c *opContext) affine() error {
	if len(c.o.Inputs) < 2 || len(c.o.Outputs) != 1 {
		return c.unsupported(fmt.Sprintf("%d inputs and %d outputs", len(c.o.Inputs), len(c.o.Outputs)))
	}
	wt := c.o.Inputs[1]
	if wt < 0 || !c.tensor(wt).IsConstant() {
		return c.unsupported("weight is not a constant")
	}
	bias := -1
	if len(c.o.Inputs) > 2 {
		bias = c.o.Inputs[2]
	}
	mode := c.cfg.Mode()

	wcfg, err := c.weightConfig(wt)
	if err != nil {
		return err
	}

	w := c.tensor(wt)
	if n := w.NumElements(); n < c.cfg.MinWeightElements {
		reason := fmt.Sprintf("%d weight elements, below min_weight_elements %d", n, c.cfg.MinWeightElements)
		c.float(c.in(1), reason, false)
		if mode == recipe.SRQ {
			// Integer compute needs a quantized weight; the operator stays float.
			c.float(c.in(0), "operator stays float: "+reason, false)
			if bias >= 0 {
				c.float(c.in(2), "operator stays float: "+reason, false)
			}
			c.float(c.out(0), "operator stays float: "+reason, false)
		}
		return nil
	}

	var wp *quant.Params
	var wValues []int64
	switch {
	case w.Quant != nil:
		// Already quantized weights keep their record.
		wp = w.Quant
	case !w.DType.IsFloat():
		return c.unsupported(fmt.Sprintf("weight %s has dtype %s without a record", w.Name, w.DType))
	default:
		if wp, wValues, err = c.constantParams(wt, wcfg); err != nil {
			return err
		}
	}

	switch mode {
	case recipe.DRQ, recipe.WeightOnly:
		c.emit(quantizedConstant(c.in(1), wp, wValues, c.cfg.DequantizeWeights()))
		if bias >= 0 {
			c.float(c.in(2), "bias stays float without a static input scale", false)
		}
		return nil
	}

	// SRQ.
	act := c.activationConfig()
	inP, inReason, err := c.activationParams(act, c.o.Inputs[0])
	if err != nil {
		return err
	}
	outP, outReason, err := c.activationParams(act, c.o.Outputs[0])
	if err != nil {
		return err
	}
	if inP == nil || outP == nil {
		// Downgrade the activations; the weight still shrinks but is read
		// through a dequantize adapter.
		if inP == nil {
			c.float(c.in(0), inReason, true)
		} else {
			c.float(c.in(0), "operator stays float: "+outReason, false)
		}
		if outP == nil {
			c.float(c.out(0), outReason, true)
		} else {
			c.float(c.out(0), "operator stays float: "+inReason, false)
		}
		c.emit(quantizedConstant(c.in(1), wp, wValues, true))
		if bias >= 0 {
			c.float(c.in(2), "bias stays float without a static input scale", false)
		}
		return nil
	}

	c.emit(transform.Quantize(c.in(0), inP))
	c.emit(quantizedConstant(c.in(1), wp, wValues, false))
	if bias >= 0 {
		d, err := c.biasDirective(bias, inP, wp, act.Bits)
		if err != nil {
			return err
		}
		c.emit(d)
	}
	c.emit(transform.Quantize(c.out(0), outP))
	return nil
}

// weightConfig pins the channel axis of channelwise weights to the
// operator's output-channel axis.
func (c *opContext) weightConfig(wt int) (quant.TensorConfig, error) {
	wcfg := *c.cfg.Weight
	if wcfg.Granularity != quant.Channelwise {
		wcfg.Axis = nil
		return wcfg, nil
	}
	w := c.tensor(wt)
	want := OutputChannelAxis(c.o.Kind)
	axisErr := &InvalidGranularityAxisError{
		Op: c.op, Name: c.o.Name, Kind: c.o.Kind, Tensor: w.Name,
		Axis: want, Want: want, Rank: len(w.Shape),
	}
	if wcfg.Axis != nil {
		axisErr.Axis = *wcfg.Axis
		if *wcfg.Axis != want {
			return wcfg, axisErr
		}
	}
	if want >= len(w.Shape) {
		return wcfg, axisErr
	}
	return wcfg.WithAxis(want), nil
}

// biasDirective quantizes the bias with scale input_scale*weight_scale[c]
// and zero point 0.
func (c *opContext) biasDirective(bias int, inP, wp *quant.Params, actBits int) (transform.Directive, error) {
	e := c.in(2)
	b := c.tensor(bias)
	if !b.DType.IsFloat() {
		return transform.Directive{}, c.unsupported(fmt.Sprintf("bias %s has dtype %s", b.Name, b.DType))
	}
	bits := 32
	if actBits == 16 {
		bits = 64
	}
	p := &quant.Params{
		Bits:        bits,
		Symmetric:   true,
		Granularity: wp.Granularity,
		Axis:        -1,
		Scale:       make([]float64, len(wp.Scale)),
		ZeroPoint:   make([]int64, len(wp.Scale)),
	}
	if wp.Granularity == quant.Channelwise {
		if b.NumElements() != len(wp.Scale) {
			return transform.Directive{}, c.unsupported(fmt.Sprintf("bias %s has %d elements for %d weight channels",
				b.Name, b.NumElements(), len(wp.Scale)))
		}
		p.Axis = 0
	}
	for i, ws := range wp.Scale {
		p.Scale[i] = inP.Scale[0] * ws
	}
	values, err := c.m.Float32(bias)
	if err != nil {
		return transform.Directive{}, err
	}
	shape := b.Shape
	if p.Granularity == quant.Channelwise && len(shape) != 1 {
		shape = []int{b.NumElements()}
	}
	q, err := p.Quantize(values, shape)
	if err != nil {
		return transform.Directive{}, err
	}
	return quantizedConstant(e, p, q, false), nil
}

// passThrough: the output carries the record of the primary input. The input
// record is the one already in the graph or, under SRQ, the one calibration
// gives the input.
func (c *opContext) passThrough() error {
	in := c.o.Inputs[0]
	inP := c.tensor(in).Quant
	reason := "input is not quantized"
	if inP == nil && c.cfg.Mode() == recipe.SRQ {
		var err error
		if inP, reason, err = c.activationParams(c.activationConfig(), in); err != nil {
			return err
		}
	}

	if inP == nil {
		c.float(c.in(0), reason, c.cfg.Mode() == recipe.SRQ)
	} else {
		c.emit(transform.Quantize(c.in(0), inP))
	}

	for slot := 1; slot < len(c.o.Inputs); slot++ {
		t := c.o.Inputs[slot]
		if t < 0 {
			continue
		}
		tt := c.tensor(t)
		switch {
		case !tt.IsConstant():
			return c.unsupported(fmt.Sprintf("input %d (%s) is not a constant", slot, tt.Name))
		case !tt.DType.IsFloat():
			c.float(c.in(slot), "non-float constant", false)
		case inP == nil:
			c.float(c.in(slot), "input is not quantized", false)
		default:
			// PADV2 pad value: shares the input record so padding is exact.
			values, err := c.m.Float32(t)
			if err != nil {
				return err
			}
			p := inP.Clone()
			if p.Granularity == quant.Channelwise {
				return c.unsupported("channelwise input with a float constant operand")
			}
			q, err := p.Quantize(values, tt.Shape)
			if err != nil {
				return err
			}
			c.emit(quantizedConstant(c.in(slot), p, q, false))
		}
	}

	for slot := range c.o.Outputs {
		if inP == nil {
			c.float(c.out(slot), "input is not quantized", false)
			continue
		}
		c.emit(transform.Quantize(c.out(slot), inP.Clone()))
	}
	return nil
}

// nonlinear: input and output get independent records from calibration.
func (c *opContext) nonlinear() error {
	act := c.activationConfig()
	inP, inReason, err := c.activationParams(act, c.o.Inputs[0])
	if err != nil {
		return err
	}
	outP, outReason, err := c.activationParams(act, c.o.Outputs[0])
	if err != nil {
		return err
	}
	switch {
	case inP != nil && outP != nil:
		c.emit(transform.Quantize(c.in(0), inP))
		c.emit(transform.Quantize(c.out(0), outP))
	case inP == nil:
		c.float(c.in(0), inReason, true)
		if outP == nil {
			c.float(c.out(0), outReason, true)
		} else {
			c.float(c.out(0), "operator stays float: "+inReason, false)
		}
	default:
		c.float(c.in(0), "operator stays float: "+outReason, false)
		c.float(c.out(0), outReason, true)
	}
	return nil
}
