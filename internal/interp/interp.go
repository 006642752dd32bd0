// Package interp is a float reference executor for graph models.
//
// Quantized constants are dequantized when the executor is built and every
// tensor that carries a quantization record is fake-quantized after it is
// produced, so a quantized model runs as a float simulation of itself.
package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/mantleq/internal/graph"
)

var ErrMissingInput = errors.New("interp: missing input")

// Sample maps graph input names to their values.
type Sample map[string][]float32

// Executor runs one model. It is safe for concurrent use: every Run keeps
// its activations in its own map.
type Executor struct {
	m       *graph.Model
	consts  map[int][]float32
	workers int
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers bounds the goroutines used by matrix kernels. Calibration runs
// many samples at once, so it sets this to 1.
func WithWorkers(n int) Option {
	return func(e *Executor) { e.workers = n }
}

// New validates m and decodes its constants.
func New(m *graph.Model, opts ...Option) (*Executor, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{m: m, consts: make(map[int][]float32)}
	for _, opt := range opts {
		opt(e)
	}
	for i, t := range m.Tensors {
		if !t.IsConstant() {
			continue
		}
		vals, err := constantValues(m, i)
		if err != nil {
			return nil, fmt.Errorf("interp: tensor %s: %w", t.Name, err)
		}
		e.consts[i] = vals
	}
	for i, op := range m.Operators {
		if _, ok := kernels[op.Kind]; !ok {
			return nil, fmt.Errorf("interp: op %d: no kernel for %s", i, op.Kind)
		}
	}
	return e, nil
}

func constantValues(m *graph.Model, t int) ([]float32, error) {
	tt := m.Tensors[t]
	if tt.DType.IsFloat() {
		return m.Float32(t)
	}
	ints, err := m.Ints(t)
	if err != nil {
		return nil, err
	}
	if tt.Quant != nil {
		return tt.Quant.Dequantize(ints, tt.Shape)
	}
	out := make([]float32, len(ints))
	for i, v := range ints {
		out[i] = float32(v)
	}
	return out, nil
}

// Run executes the model and returns the graph outputs by name.
func (e *Executor) Run(ctx context.Context, in Sample) (map[string][]float32, error) {
	vals, err := e.run(ctx, in)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(e.m.Outputs))
	for _, t := range e.m.Outputs {
		out[e.m.Tensors[t].Name] = vals[t]
	}
	return out, nil
}

// Invoke runs the model through its signature. in is keyed by signature
// name; only the model's own signature is read.
func (e *Executor) Invoke(ctx context.Context, in map[string]Sample) (map[string][]float32, error) {
	sig := e.m.Signature
	if sig == "" {
		sig = graph.DefaultSignature
	}
	sample, ok := in[sig]
	if !ok {
		return nil, fmt.Errorf("%w: signature %q", ErrMissingInput, sig)
	}
	return e.Run(ctx, sample)
}

// RunAll executes the model and returns every activation tensor by name.
func (e *Executor) RunAll(ctx context.Context, in Sample) (map[string][]float32, error) {
	vals, err := e.run(ctx, in)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(vals))
	for t, v := range vals {
		if !e.m.Tensors[t].IsConstant() {
			out[e.m.Tensors[t].Name] = v
		}
	}
	return out, nil
}

func (e *Executor) run(ctx context.Context, in Sample) (map[int][]float32, error) {
	vals := make(map[int][]float32, len(e.m.Tensors))
	for t, v := range e.consts {
		vals[t] = v
	}
	for _, t := range e.m.Inputs {
		tt := e.m.Tensors[t]
		v, ok := in[tt.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, tt.Name)
		}
		if n := tt.NumElements(); len(v) != n {
			return nil, fmt.Errorf("interp: input %s has %d values, shape %v needs %d", tt.Name, len(v), tt.Shape, n)
		}
		v = append([]float32(nil), v...)
		if err := fakeQuantize(tt, v); err != nil {
			return nil, err
		}
		vals[t] = v
	}

	for i, op := range e.m.Operators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := &call{e: e, op: op, vals: vals}
		out, err := kernels[op.Kind](c)
		if err != nil {
			return nil, fmt.Errorf("interp: op %d (%s %q): %w", i, op.Kind, op.Name, err)
		}
		tt := c.output()
		if len(out) != tt.NumElements() {
			return nil, fmt.Errorf("interp: op %d (%s): produced %d values for shape %v", i, op.Kind, len(out), tt.Shape)
		}
		if err := fakeQuantize(tt, out); err != nil {
			return nil, fmt.Errorf("interp: op %d (%s): %w", i, op.Kind, err)
		}
		vals[op.Outputs[0]] = out
	}
	return vals, nil
}

func fakeQuantize(t *graph.Tensor, v []float32) error {
	if t.Quant == nil {
		return nil
	}
	return t.Quant.FakeQuantize(v, t.Shape)
}

// call is the view of one operator invocation handed to a kernel.
type call struct {
	e    *Executor
	op   *graph.Operator
	vals map[int][]float32
}

func (c *call) input(slot int) ([]float32, *graph.Tensor, error) {
	if slot >= len(c.op.Inputs) || c.op.Inputs[slot] < 0 {
		return nil, nil, nil
	}
	t := c.op.Inputs[slot]
	v, ok := c.vals[t]
	if !ok {
		return nil, nil, fmt.Errorf("input %d (%s) has no value", slot, c.e.m.Tensors[t].Name)
	}
	return v, c.e.m.Tensors[t], nil
}

func (c *call) ints(slot int) ([]int64, error) {
	if slot >= len(c.op.Inputs) || c.op.Inputs[slot] < 0 {
		return nil, fmt.Errorf("missing input %d", slot)
	}
	return c.e.m.Ints(c.op.Inputs[slot])
}

func (c *call) output() *graph.Tensor {
	return c.e.m.Tensors[c.op.Outputs[0]]
}

