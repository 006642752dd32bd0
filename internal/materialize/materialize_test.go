package materialize

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/recipe"
	"github.com/samcharles93/mantleq/internal/transform"
	"github.com/samcharles93/mantleq/pkg/quant"
)

var strategies = []quant.Strategy{quant.MinMax{}, quant.NewOctav()}

var a8 = &quant.TensorConfig{Bits: 8}

func srq(act, w *quant.TensorConfig) recipe.OpConfig {
	return recipe.OpConfig{Activation: act, Weight: w, Compute: recipe.Integer}
}

func find(t *testing.T, r Result, tensor int, role transform.Role) transform.Directive {
	t.Helper()
	for _, d := range r.Directives.Directives {
		if d.Tensor == tensor && d.Role == role {
			return d
		}
	}
	t.Fatalf("no directive for tensor %d (%s)", tensor, role)
	return transform.Directive{}
}

func hasDirective(r Result, tensor int) bool {
	for _, d := range r.Directives.Directives {
		if d.Tensor == tensor {
			return true
		}
	}
	return false
}

// x + c -> y
func addModel() *graph.Model {
	m := &graph.Model{Name: "add"}
	x := m.AddActivation("x", []int{1, 4})
	c := m.AddConstant("c", []int{1, 4}, []float32{0, 0.25, 0.5, 1})
	y := m.AddActivation("y", []int{1, 4})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.Add, Inputs: []int{x, c}, Outputs: []int{y}})
	return m
}

func TestBinarySharedRecord(t *testing.T) {
	t.Parallel()
	m := addModel()
	ranges := calib.Ranges{
		"x": {Min: -10, Max: 8, Count: 4},
		"y": {Min: -9, Max: 9, Count: 4},
	}
	for _, st := range strategies {
		r, err := Materialize(m, 0, srq(a8, nil), ranges, st)
		require.NoError(t, err, st.Name())

		in := find(t, r, 0, transform.Input)
		out := find(t, r, 2, transform.Output)
		assert.Equal(t, []transform.Kind{transform.QuantizeTensor}, in.Transforms)
		assert.Equal(t, []transform.Kind{transform.QuantizeTensor}, out.Transforms)
		assert.True(t, in.Params.Equal(out.Params), st.Name())

		want, err := st.Compute(*a8, quant.FromRange(-10, 9))
		require.NoError(t, err)
		assert.True(t, want.Equal(in.Params), "shared record comes from the union of ranges")

		cst := find(t, r, 1, transform.Input)
		assert.Equal(t, []transform.Kind{transform.QuantizeTensor}, cst.Transforms)
		own, err := st.Compute(quant.TensorConfig{Bits: 8}, quant.FromSamples([]float32{0, 0.25, 0.5, 1}, []int{1, 4}))
		require.NoError(t, err)
		assert.True(t, own.Equal(cst.Params), "constant is quantized from its own values")
		assert.False(t, cst.Params.Equal(in.Params))
		assert.Len(t, cst.Values, 4)
		assert.Empty(t, r.Diagnostics)
	}
}

func TestActivationMomentsReachStrategy(t *testing.T) {
	t.Parallel()
	m := addModel()
	// Unit second moment behind outliers at ±60.
	ranges := calib.Ranges{
		"x": {Min: -60, Max: 60, Count: 100, SumSquares: 100},
		"y": {Min: -60, Max: 60, Count: 100, SumSquares: 100},
	}
	naive, err := Materialize(m, 0, srq(a8, nil), ranges, quant.MinMax{})
	require.NoError(t, err)
	r, err := Materialize(m, 0, srq(a8, nil), ranges, quant.NewOctav())
	require.NoError(t, err)

	in := find(t, r, 0, transform.Input)
	assert.Less(t, in.Params.Scale[0], find(t, naive, 0, transform.Input).Params.Scale[0])
	want, err := quant.NewOctav().Compute(*a8, quant.FromRange(-60, 60).WithMoments(0, 1))
	require.NoError(t, err)
	assert.True(t, want.Equal(in.Params), "moments are pooled over the shared tensors")
	assert.True(t, in.Params.Equal(find(t, r, 2, transform.Output).Params))
}

func TestBinaryRequiresSRQ(t *testing.T) {
	t.Parallel()
	m := addModel()
	_, err := Materialize(m, 0, recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8}}, nil, quant.MinMax{})
	var ue *UnsupportedOperatorError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 0, ue.Op)
	assert.Equal(t, graph.Add, ue.Kind)
	assert.Equal(t, recipe.DRQ, ue.Mode)
}

func TestDegenerateRangeFallsBackToFloat(t *testing.T) {
	t.Parallel()
	m := addModel()
	cases := map[string]calib.Ranges{
		"never exercised": {"x": {}, "y": {}},
		"zero width":      {"x": {Min: 0, Max: 0, Count: 3}, "y": {Min: 0, Max: 0, Count: 3}},
		"missing":         {},
	}
	for name, ranges := range cases {
		for _, st := range strategies {
			r, err := Materialize(m, 0, srq(a8, nil), ranges, st)
			require.NoError(t, err, name)
			for _, tensor := range []int{0, 1} {
				d := find(t, r, tensor, transform.Input)
				assert.Equal(t, []transform.Kind{transform.NoQuantize}, d.Transforms, name)
			}
			assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 2, transform.Output).Transforms, name)
			assert.NotEmpty(t, r.Diagnostics, name)
		}
	}
}

// x -> FULLY_CONNECTED(w [out, in], b [out]) -> y
func fcModel(out, in int) *graph.Model {
	m := &graph.Model{Name: "fc"}
	x := m.AddActivation("x", []int{1, in})
	wv := make([]float32, out*in)
	for i := range wv {
		wv[i] = float32(i%5)/4 - 0.5 + float32(i/in)*0.1
	}
	w := m.AddConstant("w", []int{out, in}, wv)
	bv := make([]float32, out)
	for i := range bv {
		bv[i] = float32(i) * 0.01
	}
	b := m.AddConstant("b", []int{out}, bv)
	y := m.AddActivation("y", []int{1, out})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.FullyConnected, Inputs: []int{x, w, b}, Outputs: []int{y}})
	return m
}

var fcRanges = calib.Ranges{
	"x": {Min: -10, Max: 8, Count: 8},
	"y": {Min: 10, Max: 88, Count: 8},
}

func TestWeightOnlyExplicitDequantize(t *testing.T) {
	t.Parallel()
	m := fcModel(4, 8)
	cfg := recipe.OpConfig{
		Weight:             &quant.TensorConfig{Bits: 4, Symmetric: true, Granularity: quant.Channelwise},
		Compute:            recipe.Float,
		ExplicitDequantize: true,
	}
	for _, st := range strategies {
		r, err := Materialize(m, 0, cfg, fcRanges, st)
		require.NoError(t, err)

		w := find(t, r, 1, transform.Input)
		assert.Equal(t, []transform.Kind{transform.QuantizeTensor, transform.InsertDequantize}, w.Transforms)
		assert.Equal(t, quant.Channelwise, w.Params.Granularity)
		assert.Equal(t, 0, w.Params.Axis)
		assert.Len(t, w.Params.Scale, 4)
		assert.Equal(t, 4, w.Params.Bits)

		assert.False(t, hasDirective(r, 0), "input activation gets no directive")
		assert.False(t, hasDirective(r, 3), "output activation gets no directive")
		assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 2, transform.Input).Transforms)
	}
}

func TestDynamicRangeQuantization(t *testing.T) {
	t.Parallel()
	m := fcModel(4, 8)
	cfg := recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8, Symmetric: true, Granularity: quant.Channelwise}}
	r, err := Materialize(m, 0, cfg, nil, quant.MinMax{})
	require.NoError(t, err)
	assert.Equal(t, []transform.Kind{transform.QuantizeTensor}, find(t, r, 1, transform.Input).Transforms)
	assert.False(t, hasDirective(r, 0))
	assert.False(t, hasDirective(r, 3))
}

func TestMinWeightElementsGate(t *testing.T) {
	t.Parallel()
	m := fcModel(4, 8) // 32 weight elements
	for _, st := range strategies {
		for _, bits := range []int{4, 8, 16} {
			for _, g := range []quant.Granularity{quant.Tensorwise, quant.Channelwise} {
				for _, mode := range []recipe.Mode{recipe.SRQ, recipe.DRQ, recipe.WeightOnly} {
					w := &quant.TensorConfig{Bits: bits, Symmetric: true, Granularity: g}
					var cfg recipe.OpConfig
					switch mode {
					case recipe.SRQ:
						cfg = srq(a8, w)
					case recipe.DRQ:
						cfg = recipe.OpConfig{Weight: w}
					case recipe.WeightOnly:
						cfg = recipe.OpConfig{Weight: w, Compute: recipe.Float, ExplicitDequantize: true}
					}
					name := fmt.Sprintf("%s/b%d/%s/%s", st.Name(), bits, g, mode)

					cfg.MinWeightElements = 33
					r, err := Materialize(m, 0, cfg, fcRanges, st)
					require.NoError(t, err, name)
					assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 1, transform.Input).Transforms, name)

					cfg.MinWeightElements = 32
					r, err = Materialize(m, 0, cfg, fcRanges, st)
					require.NoError(t, err, name)
					assert.True(t, find(t, r, 1, transform.Input).Has(transform.QuantizeTensor), name)
				}
			}
		}
	}
}

func TestBiasScaleIsProduct(t *testing.T) {
	t.Parallel()
	m := fcModel(3, 6)
	for _, st := range strategies {
		for _, act := range []*quant.TensorConfig{{Bits: 8}, {Bits: 16, Symmetric: true}} {
			for _, w := range []*quant.TensorConfig{
				{Bits: 8, Granularity: quant.Channelwise},
				{Bits: 8, Symmetric: true, Granularity: quant.Channelwise},
				{Bits: 4},
			} {
				r, err := Materialize(m, 0, srq(act, w), fcRanges, st)
				require.NoError(t, err)
				in := find(t, r, 0, transform.Input)
				wd := find(t, r, 1, transform.Input)
				bias := find(t, r, 2, transform.Input)

				require.Len(t, bias.Params.Scale, len(wd.Params.Scale))
				for c := range wd.Params.Scale {
					assert.Equal(t, in.Params.Scale[0]*wd.Params.Scale[c], bias.Params.Scale[c])
					assert.Equal(t, int64(0), bias.Params.ZeroPoint[c])
				}
				assert.True(t, bias.Params.Symmetric)
				wantBits := 32
				if act.Bits == 16 {
					wantBits = 64
				}
				assert.Equal(t, wantBits, bias.Params.Bits)
				assert.Len(t, bias.Values, 3)
			}
		}
	}
}

func TestAffineDegenerateActivationDowngrades(t *testing.T) {
	t.Parallel()
	m := fcModel(4, 8)
	ranges := calib.Ranges{"x": {Min: -1, Max: 1, Count: 2}, "y": {}}
	r, err := Materialize(m, 0, srq(a8, &quant.TensorConfig{Bits: 8, Symmetric: true, Granularity: quant.Channelwise}), ranges, quant.MinMax{})
	require.NoError(t, err)
	assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 0, transform.Input).Transforms)
	assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 3, transform.Output).Transforms)
	assert.Equal(t, []transform.Kind{transform.QuantizeTensor, transform.InsertDequantize}, find(t, r, 1, transform.Input).Transforms)
	assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 2, transform.Input).Transforms)
	require.Len(t, r.Diagnostics, 1)
	assert.Equal(t, "y", r.Diagnostics[0].Tensor)
}

func TestChannelAxisIsFixedPerOperator(t *testing.T) {
	t.Parallel()
	m := &graph.Model{Name: "dw"}
	x := m.AddActivation("x", []int{1, 5, 5, 3})
	w := m.AddConstant("w", []int{1, 3, 3, 6}, make54())
	y := m.AddActivation("y", []int{1, 5, 5, 6})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.DepthwiseConv2D, Inputs: []int{x, w, -1}, Outputs: []int{y},
		Attrs: graph.Attrs{Padding: "SAME", StrideH: 1, StrideW: 1, Multiplier: 2}})

	cfg := recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8, Symmetric: true, Granularity: quant.Channelwise}}
	r, err := Materialize(m, 0, cfg, nil, quant.MinMax{})
	require.NoError(t, err)
	d := find(t, r, w, transform.Input)
	assert.Equal(t, 3, d.Params.Axis)
	assert.Len(t, d.Params.Scale, 6)

	pinned := cfg.Weight.WithAxis(0)
	_, err = Materialize(m, 0, recipe.OpConfig{Weight: &pinned}, nil, quant.MinMax{})
	var ae *InvalidGranularityAxisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 0, ae.Axis)
	assert.Equal(t, 3, ae.Want)
	assert.Equal(t, "w", ae.Tensor)
}

func TestChannelAxisOutsideWeightRank(t *testing.T) {
	t.Parallel()
	m := &graph.Model{Name: "dw"}
	x := m.AddActivation("x", []int{1, 4})
	w := m.AddConstant("w", []int{4, 4}, make([]float32, 16))
	y := m.AddActivation("y", []int{1, 4})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.DepthwiseConv2D, Inputs: []int{x, w}, Outputs: []int{y}})
	cfg := recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8, Symmetric: true, Granularity: quant.Channelwise}}
	_, err := Materialize(m, 0, cfg, nil, quant.MinMax{})
	var ae *InvalidGranularityAxisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 2, ae.Rank)
}

func make54() []float32 {
	v := make([]float32, 54)
	for i := range v {
		v[i] = float32(i%9) - 4
	}
	return v
}

// x -> PADV2(paddings, -inf) -> p -> MAX_POOL_2D -> y
func padPoolModel() *graph.Model {
	m := &graph.Model{Name: "padpool"}
	x := m.AddActivation("x", []int{1, 2, 2, 1})
	pads, _ := graph.PackInts(graph.I32, []int64{0, 0, 1, 1, 1, 1, 0, 0})
	m.Buffers = append(m.Buffers, pads)
	paddings := m.AddTensor(&graph.Tensor{Name: "paddings", Shape: []int{4, 2}, DType: graph.I32, Buffer: len(m.Buffers) - 1})
	value := m.AddConstant("pad_value", nil, []float32{float32(math.Inf(-1))})
	p := m.AddActivation("p", []int{1, 4, 4, 1})
	y := m.AddActivation("y", []int{1, 2, 2, 1})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.PadV2, Inputs: []int{x, paddings, value}, Outputs: []int{p}})
	m.AddOperator(&graph.Operator{Kind: graph.MaxPool2D, Inputs: []int{p}, Outputs: []int{y},
		Attrs: graph.Attrs{Padding: "VALID", StrideH: 2, StrideW: 2, FilterH: 2, FilterW: 2}})
	return m
}

func TestPassThroughInheritsRecord(t *testing.T) {
	t.Parallel()
	m := padPoolModel()
	rec := &quant.Params{Bits: 8, Granularity: quant.Tensorwise, Axis: -1, Scale: []float64{0.0123}, ZeroPoint: []int64{37}}
	m.Tensors[0].Quant = rec
	m.Tensors[0].DType = graph.U8

	for _, st := range strategies {
		r, err := Materialize(m, 0, srq(a8, nil), calib.Ranges{"x": {Min: -100, Max: 100, Count: 1}}, st)
		require.NoError(t, err)
		out := find(t, r, 3, transform.Output)
		assert.Empty(t, cmp.Diff(rec, out.Params), "output record is bit-identical to the input record")
		assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 1, transform.Input).Transforms)

		pad := find(t, r, 2, transform.Input)
		assert.True(t, pad.Params.Equal(rec))
		assert.Equal(t, []int64{0}, pad.Values, "-inf pad value clamps to qmin")
	}
}

func TestPassThroughFromCalibration(t *testing.T) {
	t.Parallel()
	m := padPoolModel()
	ranges := calib.Ranges{"x": {Min: -3, Max: 5, Count: 1}, "p": {Min: -3, Max: 5, Count: 1}}
	r, err := Materialize(m, 1, srq(a8, nil), ranges, quant.MinMax{})
	require.NoError(t, err)
	in := find(t, r, 3, transform.Input)
	out := find(t, r, 4, transform.Output)
	assert.True(t, in.Params.Equal(out.Params))
}

func TestPassThroughFloatInput(t *testing.T) {
	t.Parallel()
	m := padPoolModel()
	r, err := Materialize(m, 1, recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8}}, nil, quant.MinMax{})
	require.NoError(t, err)
	assert.Equal(t, []transform.Kind{transform.NoQuantize}, find(t, r, 4, transform.Output).Transforms)
}

func TestMissingTensorsAreUnsupported(t *testing.T) {
	t.Parallel()
	cases := map[string]func(m *graph.Model){
		"absent primary input": func(m *graph.Model) { m.Operators[0].Inputs[0] = -1 },
		"no inputs":            func(m *graph.Model) { m.Operators[0].Inputs = nil },
		"no outputs":           func(m *graph.Model) { m.Operators[0].Outputs = nil },
		"input out of range":   func(m *graph.Model) { m.Operators[0].Inputs[2] = 99 },
	}
	for name, mutate := range cases {
		m := padPoolModel()
		mutate(m)
		_, err := Materialize(m, 0, srq(a8, nil), calib.Ranges{"x": {Min: -1, Max: 1, Count: 1}}, quant.MinMax{})
		var ue *UnsupportedOperatorError
		require.True(t, errors.As(err, &ue), name)
		assert.Equal(t, graph.PadV2, ue.Kind, name)
	}

	m := addModel()
	m.Operators[0].Inputs[0] = -1
	_, err := Materialize(m, 0, srq(a8, nil), nil, quant.MinMax{})
	var ue *UnsupportedOperatorError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "missing primary input", ue.Reason)
}

func TestNonlinearFreshRecords(t *testing.T) {
	t.Parallel()
	m := &graph.Model{Name: "tanh"}
	x := m.AddActivation("x", []int{1, 8})
	y := m.AddActivation("y", []int{1, 8})
	m.Inputs, m.Outputs = []int{x}, []int{y}
	m.AddOperator(&graph.Operator{Kind: graph.Tanh, Inputs: []int{x}, Outputs: []int{y}})
	ranges := calib.Ranges{"x": {Min: -6, Max: 6, Count: 8}, "y": {Min: -1, Max: 1, Count: 8}}

	a16 := &quant.TensorConfig{Bits: 16, Symmetric: true}
	r, err := Materialize(m, 0, srq(a16, nil), ranges, quant.MinMax{})
	require.NoError(t, err)
	in := find(t, r, x, transform.Input)
	out := find(t, r, y, transform.Output)
	assert.InDelta(t, 6.0/32767, in.Params.Scale[0], 1e-12)
	assert.InDelta(t, 1.0/32767, out.Params.Scale[0], 1e-12)

	_, err = Materialize(m, 0, recipe.OpConfig{Weight: &quant.TensorConfig{Bits: 8}}, ranges, quant.MinMax{})
	var ue *UnsupportedOperatorError
	require.True(t, errors.As(err, &ue))
}

func TestAdaptersAreNeverMaterialized(t *testing.T) {
	t.Parallel()
	m := &graph.Model{Name: "q"}
	x := m.AddActivation("x", []int{2})
	y := m.AddTensor(&graph.Tensor{Name: "y", Shape: []int{2}, DType: graph.U8, Buffer: -1,
		Quant: &quant.Params{Bits: 8, Axis: -1, Scale: []float64{1}, ZeroPoint: []int64{0}}})
	m.AddOperator(&graph.Operator{Kind: graph.Quantize, Inputs: []int{x}, Outputs: []int{y}})
	assert.False(t, Supports(graph.Quantize, srq(a8, nil)))
	_, err := Materialize(m, 0, srq(a8, nil), nil, quant.MinMax{})
	var ue *UnsupportedOperatorError
	require.True(t, errors.As(err, &ue))
}

func TestInvalidConfigCarriesOperator(t *testing.T) {
	t.Parallel()
	m := fcModel(2, 2)
	cfg := srq(a8, &quant.TensorConfig{Bits: 8})
	cfg.ExplicitDequantize = true
	_, err := Materialize(m, 0, cfg, fcRanges, quant.MinMax{})
	var ce *recipe.InvalidConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Op)
	assert.Equal(t, "FULLY_CONNECTED", ce.Kind)
	assert.Equal(t, "y", ce.Name)
}

func TestFamilyCoverage(t *testing.T) {
	t.Parallel()
	for _, k := range graph.Kinds {
		assert.NotEqual(t, Unknown, FamilyOf(k), k)
	}
	assert.Equal(t, Unknown, FamilyOf("GATHER"))
}
