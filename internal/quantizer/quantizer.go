// Package quantizer drives one model through the quantization pipeline:
// recipe resolution, calibration, per-operator materialization, plan
// reconciliation, graph editing, validation and export.
package quantizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/materialize"
	"github.com/samcharles93/mantleq/internal/mcfstore"
	"github.com/samcharles93/mantleq/internal/recipe"
	"github.com/samcharles93/mantleq/internal/transform"
	"github.com/samcharles93/mantleq/pkg/quant"
)

var (
	ErrNoRecipe            = errors.New("quantizer: no recipe loaded")
	ErrCalibrationRequired = errors.New("quantizer: recipe needs calibration ranges")
	ErrNotQuantized        = errors.New("quantizer: model has not been quantized")
)

// Quantizer holds one float model and the state of its pipeline. Methods
// must not be called concurrently.
type Quantizer struct {
	model    *graph.Model
	source   string
	recipe   *recipe.Recipe
	log      logger.Logger
	workers  int
	progress io.Writer
	agg      calib.Aggregator
	result   *Result
}

// Option configures a Quantizer.
type Option func(*Quantizer)

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(q *Quantizer) { q.log = l }
}

// WithWorkers bounds the goroutines used by calibration and
// materialization. Zero or less means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(q *Quantizer) { q.workers = n }
}

// WithProgress renders a calibration progress bar on w.
func WithProgress(w io.Writer) Option {
	return func(q *Quantizer) { q.progress = w }
}

// WithSource records the path the model was loaded from.
func WithSource(path string) Option {
	return func(q *Quantizer) { q.source = path }
}

// New wraps a validated float model.
func New(m *graph.Model, opts ...Option) (*Quantizer, error) {
	if m == nil {
		return nil, errors.New("quantizer: nil model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	q := &Quantizer{model: m, log: logger.Default()}
	for _, opt := range opts {
		opt(q)
	}
	if q.workers <= 0 {
		q.workers = runtime.GOMAXPROCS(0)
	}
	return q, nil
}

// Open loads a model container and wraps it.
func Open(path string, opts ...Option) (*Quantizer, error) {
	m, _, err := mcfstore.Load(path)
	if err != nil {
		return nil, err
	}
	return New(m, append([]Option{WithSource(path)}, opts...)...)
}

// Model returns the float model.
func (q *Quantizer) Model() *graph.Model { return q.model }

// Recipe returns the loaded recipe, or nil.
func (q *Quantizer) Recipe() *recipe.Recipe { return q.recipe }

// SetRecipe replaces the recipe and drops any previous result.
func (q *Quantizer) SetRecipe(r *recipe.Recipe) {
	q.recipe = r
	q.result = nil
}

// LoadRecipe opens a built-in recipe by name or a recipe file by path.
func (q *Quantizer) LoadRecipe(ref string) error {
	r, err := recipe.Open(ref)
	if err != nil {
		return err
	}
	q.SetRecipe(r)
	return nil
}

// selection is the resolved configuration of one operator.
type selection struct {
	op       int
	cfg      recipe.OpConfig
	strategy quant.Strategy
}

// resolve picks the configuration of every operator the recipe covers.
// Wildcard rules are skipped for operators that cannot honour them; adapter
// operators are never materialized.
func (q *Quantizer) resolve() ([]selection, error) {
	if q.recipe == nil {
		return nil, ErrNoRecipe
	}
	var out []selection
	for i, op := range q.model.Operators {
		if materialize.FamilyOf(op.Kind) == materialize.Adapter {
			continue
		}
		res, ok := q.recipe.Resolve(op.Name, string(op.Kind))
		if !ok {
			continue
		}
		if res.Wildcard && !materialize.Supports(op.Kind, res.Config) {
			q.log.Debug("wildcard rule skipped", "op", i, "kind", op.Kind, "rule", res.Rule)
			continue
		}
		s, err := quant.ByName(res.Algorithm)
		if err != nil {
			return nil, err
		}
		out = append(out, selection{op: i, cfg: res.Config, strategy: s})
	}
	return out, nil
}

// NeedsCalibration reports whether any selected operator quantizes
// activations statically.
func (q *Quantizer) NeedsCalibration() bool {
	sel, err := q.resolve()
	if err != nil {
		return false
	}
	for _, s := range sel {
		if s.cfg.Mode() == recipe.SRQ {
			return true
		}
	}
	return false
}

// Result is the outcome of Quantize.
type Result struct {
	Model       *graph.Model
	Directives  []transform.Directive
	Diagnostics []materialize.Diagnostic
	// Operators is the number of operators that were materialized.
	Operators  int
	Algorithms []string
}

// Quantize materializes every selected operator, reconciles the directives
// and returns the edited model. ranges may be nil when no operator needs
// calibration.
func (q *Quantizer) Quantize(ctx context.Context, ranges calib.Ranges) (*Result, error) {
	sel, err := q.resolve()
	if err != nil {
		return nil, err
	}
	if ranges == nil && slices.ContainsFunc(sel, func(s selection) bool { return s.cfg.Mode() == recipe.SRQ }) {
		return nil, ErrCalibrationRequired
	}

	results := make([]materialize.Result, len(sel))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)
	for i, s := range sel {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := materialize.Materialize(q.model, s.op, s.cfg, ranges, s.strategy)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Operators: len(sel)}
	lists := make([]transform.OpDirectives, 0, len(results))
	for i, r := range results {
		lists = append(lists, r.Directives)
		for _, d := range r.Diagnostics {
			q.log.Warn("tensor left in float", "op", d.Op, "kind", d.Kind, "tensor", d.Tensor, "reason", d.Reason)
		}
		res.Diagnostics = append(res.Diagnostics, r.Diagnostics...)
		if name := sel[i].strategy.Name(); !slices.Contains(res.Algorithms, name) {
			res.Algorithms = append(res.Algorithms, name)
		}
	}
	slices.Sort(res.Algorithms)

	plan, err := transform.NewPlan(lists)
	if err != nil {
		return nil, fmt.Errorf("quantizer: %w", err)
	}
	res.Directives, err = plan.Reconcile(q.model)
	if err != nil {
		return nil, fmt.Errorf("quantizer: %w", err)
	}
	res.Model, err = graph.Apply(q.model, res.Directives)
	if err != nil {
		return nil, fmt.Errorf("quantizer: %w", err)
	}

	q.log.Info("model quantized",
		"model", q.model.Name,
		"recipe", q.recipe.Name,
		"operators", res.Operators,
		"directives", len(res.Directives),
		"diagnostics", len(res.Diagnostics),
		"algorithms", strings.Join(res.Algorithms, ","))
	q.result = res
	return res, nil
}

// Result returns the last quantization result, or nil.
func (q *Quantizer) Result() *Result { return q.result }
