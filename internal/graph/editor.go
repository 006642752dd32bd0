package graph

import (
	"fmt"

	"github.com/samcharles93/mantleq/internal/transform"
	"github.com/samcharles93/mantleq/pkg/quant"
)

// Apply commits reconciled directives to a copy of m and returns it.
//
// QuantizeTensor packs constant buffers and attaches records; activation
// tensors switch to their integer storage type. Adapters become QUANTIZE and
// DEQUANTIZE operators placed right before the consumer they serve, and only
// that consumer's edge is rewired. Adapters with the same source and record
// are shared between consumers.
func Apply(m *Model, directives []transform.Directive) (*Model, error) {
	out := m.Clone()
	ops := out.Operators
	before := make(map[int][]*Operator)
	var tail []*Operator
	adapters := make(map[string]int)

	place := func(e transform.Edge, op *Operator) {
		if e.Op == transform.GraphOutput {
			tail = append(tail, op)
			return
		}
		before[e.Op] = append(before[e.Op], op)
	}
	rewire := func(e transform.Edge, t int) error {
		if e.Role != transform.Input {
			return fmt.Errorf("graph: adapter on output edge %s", e)
		}
		if e.Op == transform.GraphOutput {
			out.Outputs[e.Slot] = t
			return nil
		}
		ops[e.Op].Inputs[e.Slot] = t
		return nil
	}

	for i := range directives {
		d := &directives[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.Tensor < 0 || d.Tensor >= len(out.Tensors) {
			return nil, fmt.Errorf("graph: directive for unknown tensor %d", d.Tensor)
		}
		if d.Op != transform.GraphOutput && (d.Op < 0 || d.Op >= len(ops)) {
			return nil, fmt.Errorf("graph: directive for unknown operator %d", d.Op)
		}

		if d.Has(transform.QuantizeTensor) {
			if err := out.quantizeInPlace(d.Tensor, d.Params, d.Values); err != nil {
				return nil, err
			}
		}
	}

	// Adapters go in after every tensor has its final storage.
	for i := range directives {
		d := &directives[i]
		src := out.Tensors[d.Tensor]
		switch {
		case d.Has(transform.InsertQuantize):
			key := fmt.Sprintf("q/%d/%v/%v", d.Tensor, d.Params.Scale, d.Params.ZeroPoint)
			t, ok := adapters[key]
			if !ok {
				t = out.AddTensor(&Tensor{
					Name:   out.uniqueName(src.Name + "_quantized"),
					Shape:  src.Shape,
					DType:  StorageType(d.Params.Bits, d.Params.Symmetric),
					Buffer: -1,
					Quant:  d.Params.Clone(),
				})
				adapters[key] = t
				place(d.Edge, &Operator{Kind: Quantize, Name: out.Tensors[t].Name, Inputs: []int{d.Tensor}, Outputs: []int{t}})
			}
			if err := rewire(d.Edge, t); err != nil {
				return nil, err
			}
		case d.Has(transform.InsertDequantize):
			if src.Quant == nil {
				return nil, fmt.Errorf("graph: dequantize of float tensor %s", src.Name)
			}
			key := fmt.Sprintf("dq/%d", d.Tensor)
			t, ok := adapters[key]
			if !ok {
				t = out.AddTensor(&Tensor{
					Name:   out.uniqueName(src.Name + "_dequantized"),
					Shape:  src.Shape,
					DType:  F32,
					Buffer: -1,
				})
				adapters[key] = t
				place(d.Edge, &Operator{Kind: Dequantize, Name: out.Tensors[t].Name, Inputs: []int{d.Tensor}, Outputs: []int{t}})
			}
			if err := rewire(d.Edge, t); err != nil {
				return nil, err
			}
		}
	}

	ordered := make([]*Operator, 0, len(ops)+len(tail))
	for i, op := range ops {
		ordered = append(ordered, before[i]...)
		ordered = append(ordered, op)
	}
	out.Operators = append(ordered, tail...)

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("graph: edited model is invalid: %w", err)
	}
	return out, nil
}

func (m *Model) quantizeInPlace(t int, p *quant.Params, values []int64) error {
	tt := m.Tensors[t]
	if tt.Quant != nil {
		if tt.Quant.Equal(p) {
			return nil
		}
		return fmt.Errorf("graph: tensor %s is already quantized as %s", tt.Name, tt.Quant)
	}
	if err := p.CheckShape(tt.Shape); err != nil {
		return fmt.Errorf("graph: tensor %s: %w", tt.Name, err)
	}
	storage := StorageType(p.Bits, p.Symmetric)
	if !tt.IsConstant() {
		tt.DType = storage
		tt.Quant = p.Clone()
		return nil
	}

	if values == nil {
		f, err := m.Float32(t)
		if err != nil {
			return err
		}
		if values, err = p.Quantize(f, tt.Shape); err != nil {
			return fmt.Errorf("graph: tensor %s: %w", tt.Name, err)
		}
	}
	if len(values) != tt.NumElements() {
		return fmt.Errorf("graph: tensor %s: %d quantized values for %d elements", tt.Name, len(values), tt.NumElements())
	}
	buf, err := PackInts(storage, values)
	if err != nil {
		return err
	}
	if m.bufferShared(t) {
		m.Buffers = append(m.Buffers, buf)
		tt.Buffer = len(m.Buffers) - 1
	} else {
		m.Buffers[tt.Buffer] = buf
	}
	tt.DType = storage
	tt.Quant = p.Clone()
	return nil
}

func (m *Model) bufferShared(t int) bool {
	b := m.Tensors[t].Buffer
	for i, o := range m.Tensors {
		if i != t && o.Buffer == b {
			return true
		}
	}
	return false
}

func (m *Model) uniqueName(base string) string {
	name := base
	for n := 1; ; n++ {
		if _, taken := m.TensorIndex(name); !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, n)
	}
}
