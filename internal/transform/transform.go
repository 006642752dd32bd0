// Package transform defines the edits a quantization plan makes to a graph.
//
// Directives are attached to edges, a (tensor, operator, role) triple, never
// to tensors alone: one tensor may be stored quantized for one consumer and
// read through a dequantize adapter by another.
package transform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// Kind is one structural edit.
type Kind uint8

const (
	// QuantizeTensor stores the tensor quantized and attaches its record.
	QuantizeTensor Kind = iota + 1
	// InsertQuantize adds a QUANTIZE operator in front of the consumer.
	InsertQuantize
	// InsertDequantize adds a DEQUANTIZE operator in front of the consumer.
	InsertDequantize
	// NoQuantize leaves the tensor in float.
	NoQuantize
)

var kindNames = [...]string{
	QuantizeTensor:   "QUANTIZE_TENSOR",
	InsertQuantize:   "INSERT_QUANTIZE",
	InsertDequantize: "INSERT_DEQUANTIZE",
	NoQuantize:       "NO_QUANTIZE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n != "" && n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("transform: unknown kind %q", string(b))
}

// Role says which side of the operator an edge is on.
type Role uint8

const (
	Input Role = iota
	Output
)

func (r Role) String() string {
	if r == Output {
		return "output"
	}
	return "input"
}

// GraphOutput is the operator index of edges that lead to a graph output.
const GraphOutput = -1

// Edge identifies one use of a tensor.
type Edge struct {
	Tensor int  `json:"tensor"`
	Op     int  `json:"op"`
	Role   Role `json:"role"`
	// Slot is the position of the tensor in the operator's input or output
	// list, or in the graph outputs for GraphOutput edges.
	Slot int `json:"slot"`
}

func (e Edge) String() string {
	if e.Op == GraphOutput {
		return fmt.Sprintf("t%d->graph_output[%d]", e.Tensor, e.Slot)
	}
	return fmt.Sprintf("t%d@op%d.%s[%d]", e.Tensor, e.Op, e.Role, e.Slot)
}

// Directive is the decision for one edge.
type Directive struct {
	Edge
	Transforms []Kind        `json:"transforms"`
	Params     *quant.Params `json:"params,omitempty"`
	// Values holds the quantized contents of a constant tensor.
	Values []int64 `json:"-"`
	Reason string  `json:"reason,omitempty"`
}

// Has reports whether the directive includes k.
func (d *Directive) Has(k Kind) bool {
	return slices.Contains(d.Transforms, k)
}

// Quantized reports whether the edge reads the tensor in integer form.
func (d *Directive) Quantized() bool {
	if d.Has(InsertDequantize) {
		return false
	}
	return d.Has(QuantizeTensor) || d.Has(InsertQuantize)
}

func (d *Directive) String() string {
	names := make([]string, len(d.Transforms))
	for i, k := range d.Transforms {
		names[i] = k.String()
	}
	s := d.Edge.String() + " " + strings.Join(names, "+")
	if d.Params != nil {
		s += " " + d.Params.String()
	}
	if d.Reason != "" {
		s += " (" + d.Reason + ")"
	}
	return s
}

// Validate checks that the transforms of one directive form a legal
// combination.
func (d *Directive) Validate() error {
	if len(d.Transforms) == 0 {
		return &ConflictingDirectiveError{Edge: d.Edge, Detail: "no transforms"}
	}
	seen := map[Kind]bool{}
	for _, k := range d.Transforms {
		if k < QuantizeTensor || k > NoQuantize {
			return &ConflictingDirectiveError{Edge: d.Edge, Detail: "unknown transform " + k.String()}
		}
		if seen[k] {
			return &ConflictingDirectiveError{Edge: d.Edge, Detail: "duplicate " + k.String()}
		}
		seen[k] = true
	}
	if seen[NoQuantize] && len(d.Transforms) > 1 {
		return &ConflictingDirectiveError{Edge: d.Edge, Detail: "NO_QUANTIZE combined with another transform"}
	}
	if seen[InsertQuantize] && seen[InsertDequantize] {
		return &ConflictingDirectiveError{Edge: d.Edge, Detail: "both quantize and dequantize adapters"}
	}
	if (seen[QuantizeTensor] || seen[InsertQuantize]) && d.Params == nil {
		return &ConflictingDirectiveError{Edge: d.Edge, Detail: "quantization without a record"}
	}
	if d.Params != nil {
		if err := d.Params.Validate(); err != nil {
			return &ConflictingDirectiveError{Edge: d.Edge, Detail: err.Error()}
		}
	}
	return nil
}

// Quantize returns a QuantizeTensor directive.
func Quantize(e Edge, p *quant.Params) Directive {
	return Directive{Edge: e, Transforms: []Kind{QuantizeTensor}, Params: p}
}

// QuantizeDequantize returns a directive that stores the tensor quantized and
// reads it through a dequantize adapter.
func QuantizeDequantize(e Edge, p *quant.Params) Directive {
	return Directive{Edge: e, Transforms: []Kind{QuantizeTensor, InsertDequantize}, Params: p}
}

// Float returns a NoQuantize directive with a reason.
func Float(e Edge, reason string) Directive {
	return Directive{Edge: e, Transforms: []Kind{NoQuantize}, Reason: reason}
}

// OpDirectives is the output of materializing one operator.
type OpDirectives struct {
	Op         int         `json:"op"`
	Directives []Directive `json:"directives"`
}

// Validate rejects illegal directives and edges that received more than one
// different directive.
func (o *OpDirectives) Validate() error {
	byEdge := make(map[Edge]*Directive, len(o.Directives))
	for i := range o.Directives {
		d := &o.Directives[i]
		if d.Op != o.Op {
			return &ConflictingDirectiveError{Edge: d.Edge, Detail: fmt.Sprintf("directive for op %d in list of op %d", d.Op, o.Op)}
		}
		if err := d.Validate(); err != nil {
			return err
		}
		prev, ok := byEdge[d.Edge]
		if !ok {
			byEdge[d.Edge] = d
			continue
		}
		if !slices.Equal(prev.Transforms, d.Transforms) || !prev.Params.Equal(d.Params) {
			return &ConflictingDirectiveError{Edge: d.Edge, Detail: fmt.Sprintf("%s vs %s", prev, d)}
		}
	}
	return nil
}

// Sort orders the directives inputs first, then by slot.
func (o *OpDirectives) Sort() {
	slices.SortStableFunc(o.Directives, compareEdges)
}

func compareEdges(a, b Directive) int {
	if a.Op != b.Op {
		// Graph output edges go last.
		switch {
		case a.Op == GraphOutput:
			return 1
		case b.Op == GraphOutput:
			return -1
		}
		return a.Op - b.Op
	}
	if a.Role != b.Role {
		if a.Role == Input {
			return -1
		}
		return 1
	}
	return a.Slot - b.Slot
}
