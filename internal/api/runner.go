package api

import (
	"context"
	"path/filepath"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/quantizer"
	"github.com/samcharles93/mantleq/internal/recipe"
)

// DefaultCalibrationSamples is used when a request needs calibration and
// does not set a sample count.
const DefaultCalibrationSamples = 64

// Runner executes one quantization request.
type Runner func(ctx context.Context, req QuantizeRequest) (*JobResult, error)

// RunQuantization loads the model, calibrates on random samples when the
// recipe needs it, quantizes and writes the result.
func RunQuantization(ctx context.Context, req QuantizeRequest) (*JobResult, error) {
	log := logger.FromContext(ctx)
	q, err := quantizer.Open(req.Model, quantizer.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if req.Weights != "" {
		if _, err := q.LoadWeights(req.Weights); err != nil {
			return nil, err
		}
	}
	if len(req.Rules) > 0 {
		r, err := recipe.Parse("inline", req.Rules, false)
		if err != nil {
			return nil, err
		}
		q.SetRecipe(r)
	} else if err := q.LoadRecipe(req.Recipe); err != nil {
		return nil, err
	}

	var ranges calib.Ranges
	if q.NeedsCalibration() {
		n := req.CalibrationSamples
		if n <= 0 {
			n = DefaultCalibrationSamples
		}
		ranges, err = q.Calibrate(ctx, quantizer.RandomSamples(q.Model(), n, req.Seed))
		if err != nil {
			return nil, err
		}
	}
	res, err := q.Quantize(ctx, ranges)
	if err != nil {
		return nil, err
	}

	out := req.Output
	if out == "" {
		dir := req.OutputDir
		if dir == "" {
			dir = filepath.Dir(req.Model)
		}
		out = filepath.Join(dir, quantizer.OutputName(req.Model, q.Recipe().Name))
	}
	stats, err := q.Export(out, req.Overwrite)
	if err != nil {
		return nil, err
	}

	jr := &JobResult{
		Output:      out,
		FileSize:    stats.FileSize,
		Operators:   res.Operators,
		Directives:  len(res.Directives),
		Diagnostics: res.Diagnostics,
	}
	if req.ValidationSamples > 0 {
		cmp, err := q.Validate(ctx, res, quantizer.RandomSamples(q.Model(), req.ValidationSamples, req.Seed+1))
		if err != nil {
			return nil, err
		}
		jr.OutputMSE = make(map[string]float64, len(cmp.Outputs))
		for _, name := range cmp.Outputs {
			if v, ok := cmp.Output(name); ok {
				jr.OutputMSE[name] = v
			}
		}
	}
	return jr, nil
}
