// Package calib aggregates per-tensor value ranges over calibration runs.
//
// An Aggregator hands out one Pass at a time. Observations are reduced into a
// running range per tensor under a per-tensor lock, so one executor goroutine
// per calibration sample can feed the same pass.
package calib

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

var ErrPassFinalized = errors.New("calib: pass already finalized")

// Range is the observed range of one tensor. A range with Count == 0 is
// unset: the tensor was never produced by a calibration run.
type Range struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Count      int64   `json:"count"`
	Sum        float64 `json:"sum"`
	SumSquares float64 `json:"sum_squares"`
}

// Set reports whether at least one finite value was observed.
func (r Range) Set() bool {
	return r.Count > 0
}

// Mean returns the mean of the observed values.
func (r Range) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// SecondMoment returns E[x^2] over the observed values.
func (r Range) SecondMoment() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.SumSquares / float64(r.Count)
}

func (r *Range) add(values []float32) {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if r.Count == 0 {
			r.Min, r.Max = f, f
		} else {
			r.Min = math.Min(r.Min, f)
			r.Max = math.Max(r.Max, f)
		}
		r.Count++
		r.Sum += f
		r.SumSquares += f * f
	}
}

// Ranges maps tensor names to their observed range.
type Ranges map[string]Range

// Lookup returns the range of a tensor and whether it is set.
func (rs Ranges) Lookup(name string) (Range, bool) {
	r, ok := rs[name]
	return r, ok && r.Set()
}

// Unset returns the sorted names of tensors that were tracked but never
// observed.
func (rs Ranges) Unset() []string {
	var out []string
	for name, r := range rs {
		if !r.Set() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Save writes the ranges as JSON.
func (rs Ranges) Save(path string) error {
	b, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("calib: encode ranges: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("calib: write %s: %w", path, err)
	}
	return nil
}

// Load reads ranges written by Save.
func Load(path string) (Ranges, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calib: read %s: %w", path, err)
	}
	var rs Ranges
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("calib: decode %s: %w", path, err)
	}
	return rs, nil
}

// Aggregator owns the current calibration pass.
type Aggregator struct {
	mu   sync.Mutex
	pass *Pass
}

// StartPass discards any previous state and returns a fresh pass.
func (a *Aggregator) StartPass() *Pass {
	p := &Pass{entries: make(map[string]*entry)}
	a.mu.Lock()
	if a.pass != nil {
		a.pass.close()
	}
	a.pass = p
	a.mu.Unlock()
	return p
}

type entry struct {
	mu sync.Mutex
	r  Range
}

// Pass is one calibration pass.
type Pass struct {
	mu      sync.RWMutex
	entries map[string]*entry
	done    bool
}

// Track registers tensors so that Finalize reports them even if they are
// never observed.
func (p *Pass) Track(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		if _, ok := p.entries[n]; !ok {
			p.entries[n] = &entry{}
		}
	}
}

func (p *Pass) entry(name string) (*entry, error) {
	p.mu.RLock()
	e, ok := p.entries[name]
	done := p.done
	p.mu.RUnlock()
	if done {
		return nil, ErrPassFinalized
	}
	if ok {
		return e, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil, ErrPassFinalized
	}
	if e, ok = p.entries[name]; !ok {
		e = &entry{}
		p.entries[name] = e
	}
	return e, nil
}

// Observe folds one sample of a tensor into its running range.
func (p *Pass) Observe(name string, values []float32) error {
	e, err := p.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.r.add(values)
	e.mu.Unlock()
	return nil
}

// ObserveAll folds one executor run into the pass.
func (p *Pass) ObserveAll(values map[string][]float32) error {
	for name, v := range values {
		if err := p.Observe(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Finalize freezes the pass and returns the ranges of every tensor that was
// tracked or observed.
func (p *Pass) Finalize() Ranges {
	p.mu.Lock()
	p.done = true
	entries := p.entries
	p.mu.Unlock()

	out := make(Ranges, len(entries))
	for name, e := range entries {
		e.mu.Lock()
		out[name] = e.r
		e.mu.Unlock()
	}
	return out
}

func (p *Pass) close() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}
