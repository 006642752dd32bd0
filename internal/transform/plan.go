package transform

import (
	"fmt"
	"slices"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// Graph is the read-only view of the graph store that reconciliation needs.
type Graph interface {
	NumTensors() int
	NumOperators() int
	OpInputs(op int) []int
	OpOutputs(op int) []int
	GraphOutputs() []int
	IsConstant(t int) bool
	TensorName(t int) string
	// Record returns the quantization record a tensor already carries.
	Record(t int) *quant.Params
}

// Plan holds the validated directives of every materialized operator,
// ordered by operator index.
type Plan struct {
	ops []OpDirectives
}

// NewPlan validates and orders per-operator directive lists. The lists may
// arrive in any order.
func NewPlan(lists []OpDirectives) (*Plan, error) {
	ops := make([]OpDirectives, len(lists))
	for i, l := range lists {
		l.Directives = slices.Clone(l.Directives)
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", l.Op, err)
		}
		l.Sort()
		ops[i] = l
	}
	slices.SortStableFunc(ops, func(a, b OpDirectives) int { return a.Op - b.Op })
	for i := 1; i < len(ops); i++ {
		if ops[i].Op == ops[i-1].Op {
			return nil, fmt.Errorf("transform: op %d materialized twice", ops[i].Op)
		}
	}
	return &Plan{ops: ops}, nil
}

// Ops returns the per-operator lists in operator order.
func (p *Plan) Ops() []OpDirectives {
	return p.ops
}

// Reconcile resolves producer and consumer requirements into the final,
// ordered directives for the graph editor:
//
//   - a tensor is stored quantized when its producer quantizes it, when it
//     already carries a record, or (for constants) when a consumer asks for
//     it;
//   - a consumer that needs integer input from a float tensor, or a record
//     other than the stored one, gets an InsertQuantize adapter;
//   - a consumer or graph output that needs float input from a quantized
//     tensor gets an InsertDequantize adapter;
//   - users that disagree on bit width, symmetry or granularity are a
//     ConflictingRequirementError.
func (p *Plan) Reconcile(g Graph) ([]Directive, error) {
	nt := g.NumTensors()
	requested := make(map[Edge]*Directive)
	for i := range p.ops {
		for j := range p.ops[i].Directives {
			d := &p.ops[i].Directives[j]
			if err := checkEdge(g, d.Edge); err != nil {
				return nil, err
			}
			requested[d.Edge] = d
		}
	}

	producer := make([]Edge, nt)
	hasProducer := make([]bool, nt)
	consumers := make([][]Edge, nt)
	for op := range g.NumOperators() {
		for slot, t := range g.OpInputs(op) {
			if t >= 0 {
				consumers[t] = append(consumers[t], Edge{Tensor: t, Op: op, Role: Input, Slot: slot})
			}
		}
		for slot, t := range g.OpOutputs(op) {
			if t >= 0 {
				producer[t] = Edge{Tensor: t, Op: op, Role: Output, Slot: slot}
				hasProducer[t] = true
			}
		}
	}
	graphOutputs := make([][]Edge, nt)
	for slot, t := range g.GraphOutputs() {
		graphOutputs[t] = append(graphOutputs[t], Edge{Tensor: t, Op: GraphOutput, Role: Input, Slot: slot})
	}

	var out []Directive
	for t := range nt {
		var prod *Directive
		if hasProducer[t] {
			prod = requested[producer[t]]
		}
		existing := g.Record(t)
		constant := g.IsConstant(t)

		stored, storedOp := existing, -1
		if prod != nil && prod.Has(QuantizeTensor) {
			stored, storedOp = prod.Params, prod.Op
		}

		// Every in-place requirement on the tensor must use one scheme.
		req, reqOp := stored, storedOp
		for _, e := range consumers[t] {
			d := requested[e]
			if d == nil || !d.Has(QuantizeTensor) {
				continue
			}
			if req == nil {
				req, reqOp = d.Params, e.Op
				continue
			}
			if !sameScheme(req, d.Params) {
				return nil, &ConflictingRequirementError{
					Tensor: t, Name: g.TensorName(t),
					OpA: reqOp, OpB: e.Op, A: req, B: d.Params,
				}
			}
		}
		if stored == nil && constant {
			stored = req
		}

		if prod != nil {
			switch {
			case prod.Has(QuantizeTensor):
				out = append(out, Quantize(prod.Edge, stored))
			case prod.Has(NoQuantize):
				out = append(out, *prod)
			}
		}

		valuesWritten := existing != nil
		for _, e := range consumers[t] {
			d := requested[e]
			inPlace := d != nil && d.Has(QuantizeTensor)
			wantInt := d != nil && d.Quantized()

			if stored == nil {
				switch {
				case wantInt:
					out = append(out, Directive{Edge: e, Transforms: []Kind{InsertQuantize}, Params: d.Params})
				case inPlace:
					out = append(out, Float(e, "tensor is not stored quantized"))
				case d != nil:
					out = append(out, *d)
				}
				continue
			}

			switch {
			case inPlace && d.Params.Equal(stored):
				nd := Directive{Edge: e, Transforms: slices.Clone(d.Transforms), Params: stored}
				if constant && !valuesWritten {
					nd.Values = d.Values
					valuesWritten = true
				}
				out = append(out, nd)
			case wantInt:
				// Same scheme, different record: requantize.
				out = append(out, Directive{Edge: e, Transforms: []Kind{InsertQuantize}, Params: d.Params})
			default:
				nd := Directive{Edge: e, Transforms: []Kind{InsertDequantize}, Params: stored}
				if d != nil {
					nd.Reason = d.Reason
				}
				out = append(out, nd)
			}
		}

		if stored != nil {
			for _, e := range graphOutputs[t] {
				out = append(out, Directive{Edge: e, Transforms: []Kind{InsertDequantize}, Params: stored})
			}
		}
	}

	slices.SortStableFunc(out, compareEdges)
	return out, nil
}

func checkEdge(g Graph, e Edge) error {
	if e.Op < 0 || e.Op >= g.NumOperators() {
		return fmt.Errorf("transform: edge %s: no such operator", e)
	}
	list := g.OpInputs(e.Op)
	if e.Role == Output {
		list = g.OpOutputs(e.Op)
	}
	if e.Slot < 0 || e.Slot >= len(list) || list[e.Slot] != e.Tensor {
		return fmt.Errorf("transform: edge %s does not match the graph", e)
	}
	return nil
}

func sameScheme(a, b *quant.Params) bool {
	return a.Bits == b.Bits && a.Symmetric == b.Symmetric &&
		a.Granularity == b.Granularity && a.Axis == b.Axis
}
