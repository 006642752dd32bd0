package transform

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mantleq/pkg/quant"
)

type fakeOp struct{ in, out []int }

type fakeGraph struct {
	names     []string
	constants map[int]bool
	records   map[int]*quant.Params
	ops       []fakeOp
	outputs   []int
}

func (g *fakeGraph) NumTensors() int            { return len(g.names) }
func (g *fakeGraph) NumOperators() int          { return len(g.ops) }
func (g *fakeGraph) OpInputs(op int) []int      { return g.ops[op].in }
func (g *fakeGraph) OpOutputs(op int) []int     { return g.ops[op].out }
func (g *fakeGraph) GraphOutputs() []int        { return g.outputs }
func (g *fakeGraph) IsConstant(t int) bool      { return g.constants[t] }
func (g *fakeGraph) TensorName(t int) string    { return g.names[t] }
func (g *fakeGraph) Record(t int) *quant.Params { return g.records[t] }

func int8Asym(scale float64, zp int64) *quant.Params {
	return &quant.Params{Bits: 8, Axis: -1, Scale: []float64{scale}, ZeroPoint: []int64{zp}}
}

func in(t, op, slot int) Edge  { return Edge{Tensor: t, Op: op, Role: Input, Slot: slot} }
func out(t, op, slot int) Edge { return Edge{Tensor: t, Op: op, Role: Output, Slot: slot} }

func kinds(ds []Directive) map[Edge][]Kind {
	m := make(map[Edge][]Kind, len(ds))
	for _, d := range ds {
		m[d.Edge] = d.Transforms
	}
	return m
}

func TestDirectiveValidate(t *testing.T) {
	t.Parallel()
	p := int8Asym(0.1, 3)
	good := []Directive{
		Quantize(in(0, 0, 0), p),
		QuantizeDequantize(in(0, 0, 0), p),
		Float(in(0, 0, 0), "gate"),
		{Edge: in(0, 0, 0), Transforms: []Kind{InsertQuantize}, Params: p},
	}
	for _, d := range good {
		assert.NoError(t, d.Validate(), d.String())
	}

	bad := []Directive{
		{Edge: in(0, 0, 0)},
		{Edge: in(0, 0, 0), Transforms: []Kind{QuantizeTensor, NoQuantize}, Params: p},
		{Edge: in(0, 0, 0), Transforms: []Kind{QuantizeTensor}},
		{Edge: in(0, 0, 0), Transforms: []Kind{InsertQuantize, InsertDequantize}, Params: p},
		{Edge: in(0, 0, 0), Transforms: []Kind{QuantizeTensor, QuantizeTensor}, Params: p},
	}
	for _, d := range bad {
		var ce *ConflictingDirectiveError
		assert.True(t, errors.As(d.Validate(), &ce), d.String())
	}
}

func TestOpDirectivesRejectsConflictingEdge(t *testing.T) {
	t.Parallel()
	o := OpDirectives{Op: 0, Directives: []Directive{
		Quantize(in(1, 0, 0), int8Asym(0.1, 0)),
		Float(in(1, 0, 0), "other"),
	}}
	var ce *ConflictingDirectiveError
	require.True(t, errors.As(o.Validate(), &ce))
}

func TestSortInputsBeforeOutputs(t *testing.T) {
	t.Parallel()
	p := int8Asym(0.1, 0)
	o := OpDirectives{Op: 2, Directives: []Directive{
		Quantize(out(5, 2, 0), p),
		Quantize(in(4, 2, 1), p),
		Quantize(in(3, 2, 0), p),
	}}
	o.Sort()
	got := []Edge{o.Directives[0].Edge, o.Directives[1].Edge, o.Directives[2].Edge}
	assert.Equal(t, []Edge{in(3, 2, 0), in(4, 2, 1), out(5, 2, 0)}, got)
}

// t0 (graph input) -> op0 -> t1 -> op1 -> t2 (graph output), t3 constant of op1.
func chain() *fakeGraph {
	return &fakeGraph{
		names:     []string{"x", "h", "y", "w"},
		constants: map[int]bool{3: true},
		ops:       []fakeOp{{in: []int{0}, out: []int{1}}, {in: []int{1, 3}, out: []int{2}}},
		outputs:   []int{2},
	}
}

func TestReconcileAdapters(t *testing.T) {
	t.Parallel()
	g := chain()
	pa := int8Asym(0.05, 128)
	ph := int8Asym(0.1, 10)
	pw := int8Asym(0.01, 0)
	plan, err := NewPlan([]OpDirectives{
		{Op: 1, Directives: []Directive{
			Quantize(out(2, 1, 0), pa),
			Quantize(in(3, 1, 1), pw),
			Quantize(in(1, 1, 0), ph),
		}},
		{Op: 0, Directives: []Directive{
			Quantize(in(0, 0, 0), pa),
			Quantize(out(1, 0, 0), ph),
		}},
	})
	require.NoError(t, err)
	ds, err := plan.Reconcile(g)
	require.NoError(t, err)

	want := map[Edge][]Kind{
		in(0, 0, 0):                  {InsertQuantize},
		out(1, 0, 0):                 {QuantizeTensor},
		in(1, 1, 0):                  {QuantizeTensor},
		in(3, 1, 1):                  {QuantizeTensor},
		out(2, 1, 0):                 {QuantizeTensor},
		{Tensor: 2, Op: GraphOutput}: {InsertDequantize},
	}
	assert.Empty(t, cmp.Diff(want, kinds(ds)))

	// Deterministic order: op 0 inputs, op 0 outputs, op 1 ..., graph outputs.
	assert.Equal(t, in(0, 0, 0), ds[0].Edge)
	assert.Equal(t, out(1, 0, 0), ds[1].Edge)
	assert.Equal(t, GraphOutput, ds[len(ds)-1].Op)
}

func TestReconcileFloatConsumerOfQuantizedTensor(t *testing.T) {
	t.Parallel()
	g := chain()
	ph := int8Asym(0.1, 10)
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{Quantize(out(1, 0, 0), ph)}},
		{Op: 1, Directives: []Directive{Float(in(1, 1, 0), "drq")}},
	})
	require.NoError(t, err)
	ds, err := plan.Reconcile(g)
	require.NoError(t, err)
	got := kinds(ds)
	assert.Equal(t, []Kind{InsertDequantize}, got[in(1, 1, 0)])
}

func TestReconcileRequantizesDifferentRecord(t *testing.T) {
	t.Parallel()
	g := chain()
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{Quantize(out(1, 0, 0), int8Asym(0.1, 10))}},
		{Op: 1, Directives: []Directive{Quantize(in(1, 1, 0), int8Asym(0.2, 5))}},
	})
	require.NoError(t, err)
	ds, err := plan.Reconcile(g)
	require.NoError(t, err)
	for _, d := range ds {
		if d.Edge == in(1, 1, 0) {
			assert.Equal(t, []Kind{InsertQuantize}, d.Transforms)
			assert.Equal(t, 0.2, d.Params.Scale[0])
		}
	}
}

func TestReconcileConflictingRequirement(t *testing.T) {
	t.Parallel()
	// One constant feeding two operators.
	g := &fakeGraph{
		names:     []string{"x", "w", "a", "b"},
		constants: map[int]bool{1: true},
		ops:       []fakeOp{{in: []int{0, 1}, out: []int{2}}, {in: []int{0, 1}, out: []int{3}}},
	}
	int16Sym := &quant.Params{Bits: 16, Symmetric: true, Axis: -1, Scale: []float64{0.001}, ZeroPoint: []int64{0}}
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{Quantize(in(1, 0, 1), int8Asym(0.1, 3))}},
		{Op: 1, Directives: []Directive{Quantize(in(1, 1, 1), int16Sym)}},
	})
	require.NoError(t, err)
	_, err = plan.Reconcile(g)
	var ce *ConflictingRequirementError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Tensor)
	assert.Equal(t, "w", ce.Name)
}

func TestReconcileSharedConstant(t *testing.T) {
	t.Parallel()
	g := &fakeGraph{
		names:     []string{"x", "w", "a", "b"},
		constants: map[int]bool{1: true},
		ops:       []fakeOp{{in: []int{0, 1}, out: []int{2}}, {in: []int{0, 1}, out: []int{3}}},
	}
	pw := int8Asym(0.1, 3)
	first := Quantize(in(1, 0, 1), pw)
	first.Values = []int64{1, 2, 3}
	second := QuantizeDequantize(in(1, 1, 1), pw)
	second.Values = []int64{1, 2, 3}
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{first}},
		{Op: 1, Directives: []Directive{second}},
	})
	require.NoError(t, err)
	ds, err := plan.Reconcile(g)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, []int64{1, 2, 3}, ds[0].Values)
	assert.Nil(t, ds[1].Values, "buffer is written once")
	assert.Equal(t, []Kind{QuantizeTensor, InsertDequantize}, ds[1].Transforms)
}

func TestReconcileFloatConsumerOfQuantizedConstant(t *testing.T) {
	t.Parallel()
	g := &fakeGraph{
		names:     []string{"x", "w", "a", "b"},
		constants: map[int]bool{1: true},
		ops:       []fakeOp{{in: []int{0, 1}, out: []int{2}}, {in: []int{0, 1}, out: []int{3}}},
	}
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{Quantize(in(1, 0, 1), int8Asym(0.1, 3))}},
	})
	require.NoError(t, err)
	ds, err := plan.Reconcile(g)
	require.NoError(t, err)
	assert.Equal(t, []Kind{InsertDequantize}, kinds(ds)[in(1, 1, 1)])
}

func TestReconcileRejectsUnknownEdge(t *testing.T) {
	t.Parallel()
	plan, err := NewPlan([]OpDirectives{
		{Op: 0, Directives: []Directive{Quantize(in(2, 0, 0), int8Asym(0.1, 0))}},
	})
	require.NoError(t, err)
	_, err = plan.Reconcile(chain())
	require.Error(t, err)
}

func TestNewPlanRejectsDuplicateOp(t *testing.T) {
	t.Parallel()
	_, err := NewPlan([]OpDirectives{{Op: 1}, {Op: 1}})
	require.Error(t, err)
}
