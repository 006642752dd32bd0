package quantizer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/interp"
)

// Comparison holds the mean squared error between the float model and its
// quantized simulation for every tensor both models compute.
type Comparison struct {
	Tensors map[string]float64
	// Outputs are the float model's graph output names.
	Outputs []string
	Samples int
}

// Output returns the error of a graph output.
func (c *Comparison) Output(name string) (float64, bool) {
	v, ok := c.Tensors[name]
	return v, ok
}

// Names returns the compared tensor names, graph outputs first.
func (c *Comparison) Names() []string {
	var rest []string
	for name := range c.Tensors {
		if !slices.Contains(c.Outputs, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(slices.Clone(c.Outputs), rest...)
}

// Validate runs the float model and the quantized result over the same
// samples and reports the per-tensor MSE averaged over samples.
func (q *Quantizer) Validate(ctx context.Context, res *Result, samples []interp.Sample) (*Comparison, error) {
	if res == nil {
		res = q.result
	}
	if res == nil {
		return nil, ErrNotQuantized
	}
	return Compare(ctx, q.model, res.Model, samples, q.workers)
}

// Compare reports the per-tensor MSE between two models that share tensor
// names.
func Compare(ctx context.Context, reference, candidate *graph.Model, samples []interp.Sample, workers int) (*Comparison, error) {
	if len(samples) == 0 {
		return nil, errors.New("quantizer: no validation samples")
	}
	ref, err := interp.New(reference, interp.WithWorkers(workers))
	if err != nil {
		return nil, fmt.Errorf("quantizer: reference model: %w", err)
	}
	cand, err := interp.New(candidate, interp.WithWorkers(workers))
	if err != nil {
		return nil, fmt.Errorf("quantizer: candidate model: %w", err)
	}

	cmp := &Comparison{Tensors: make(map[string]float64), Samples: len(samples)}
	for _, t := range reference.Outputs {
		cmp.Outputs = append(cmp.Outputs, reference.Tensors[t].Name)
	}
	for _, s := range samples {
		want, err := ref.RunAll(ctx, s)
		if err != nil {
			return nil, err
		}
		got, err := cand.RunAll(ctx, s)
		if err != nil {
			return nil, err
		}
		for name, w := range want {
			g, ok := got[name]
			if !ok || len(g) != len(w) {
				continue
			}
			cmp.Tensors[name] += mse(w, g) / float64(len(samples))
		}
	}
	return cmp, nil
}

func mse(a, b []float32) float64 {
	if len(a) == 0 {
		return 0
	}
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i], y[i] = float64(a[i]), float64(b[i])
	}
	d := floats.Distance(x, y, 2)
	return d * d / float64(len(a))
}
