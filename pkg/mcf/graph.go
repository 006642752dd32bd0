package mcf

import (
	"fmt"

	"github.com/goccy/go-json"
)

// GraphVersion is the on-disk version of the graph section payload.
const GraphVersion uint32 = 1

// Graph is the operator and tensor table of a container. Constant tensors
// name an entry of the tensor index; activations carry no data.
type Graph struct {
	Name      string          `json:"name"`
	Signature string          `json:"signature,omitempty"`
	Tensors   []GraphTensor   `json:"tensors"`
	Operators []GraphOperator `json:"operators"`
	Inputs    []int           `json:"inputs"`
	Outputs   []int           `json:"outputs"`
}

// GraphTensor is one graph tensor.
type GraphTensor struct {
	Name     string `json:"name"`
	Shape    []int  `json:"shape"`
	DType    string `json:"dtype"`
	Constant bool   `json:"constant,omitempty"`
}

// GraphOperator is one graph node. Attrs is opaque to the container.
type GraphOperator struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Inputs  []int           `json:"inputs"`
	Outputs []int           `json:"outputs"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
}

// EncodeGraphSection serialises g.
func EncodeGraphSection(g *Graph) ([]byte, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// ParseGraphSection decodes and bounds-checks a graph section payload.
func ParseGraphSection(sec []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(sec, &g); err != nil {
		return nil, fmt.Errorf("%w: graph section: %v", ErrCorruptFile, err)
	}
	if err := g.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return &g, nil
}

func (g *Graph) check() error {
	n := len(g.Tensors)
	ref := func(what string, t int, optional bool) error {
		if t == -1 && optional {
			return nil
		}
		if t < 0 || t >= n {
			return fmt.Errorf("mcf: %s references tensor %d of %d", what, t, n)
		}
		return nil
	}
	for i, op := range g.Operators {
		for _, t := range op.Inputs {
			if err := ref(fmt.Sprintf("operator %d input", i), t, true); err != nil {
				return err
			}
		}
		for _, t := range op.Outputs {
			if err := ref(fmt.Sprintf("operator %d output", i), t, false); err != nil {
				return err
			}
		}
	}
	for _, t := range g.Inputs {
		if err := ref("graph input", t, false); err != nil {
			return err
		}
	}
	for _, t := range g.Outputs {
		if err := ref("graph output", t, false); err != nil {
			return err
		}
	}
	return nil
}
