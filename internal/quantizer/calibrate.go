package quantizer

import (
	"context"
	"errors"
	"math/rand"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/interp"
)

// Calibrate runs the float model over samples and returns the observed
// range of every activation tensor. Each call starts a fresh pass.
func (q *Quantizer) Calibrate(ctx context.Context, samples []interp.Sample) (calib.Ranges, error) {
	if len(samples) == 0 {
		return nil, errors.New("quantizer: no calibration samples")
	}
	exec, err := interp.New(q.model, interp.WithWorkers(1))
	if err != nil {
		return nil, err
	}

	pass := q.agg.StartPass()
	pass.Track(q.model.ActivationNames()...)

	var bar *progressbar.ProgressBar
	if q.progress != nil {
		bar = progressbar.NewOptions(len(samples),
			progressbar.OptionSetWriter(q.progress),
			progressbar.OptionSetDescription("calibrating"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)
	for _, s := range samples {
		g.Go(func() error {
			values, err := exec.RunAll(gctx, s)
			if err != nil {
				return err
			}
			if err := pass.ObserveAll(values); err != nil {
				return err
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	ranges := pass.Finalize()
	if unset := ranges.Unset(); len(unset) > 0 {
		q.log.Warn("tensors never observed during calibration", "count", len(unset), "tensors", unset)
	}
	q.log.Info("calibration finished", "samples", len(samples), "tensors", len(ranges))
	return ranges, nil
}

// RandomSamples draws n samples with every graph input uniform in [0, 1).
func RandomSamples(m *graph.Model, n int, seed int64) []interp.Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]interp.Sample, n)
	for i := range out {
		s := make(interp.Sample, len(m.Inputs))
		for _, t := range m.Inputs {
			tt := m.Tensors[t]
			v := make([]float32, tt.NumElements())
			for j := range v {
				v[j] = rng.Float32()
			}
			s[tt.Name] = v
		}
		out[i] = s
	}
	return out
}
