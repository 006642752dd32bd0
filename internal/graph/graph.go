// Package graph is the in-memory store of one inference subgraph: tensors,
// constant buffers and operators in topological order.
package graph

import (
	"fmt"
	"slices"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// OpKind names an operator.
type OpKind string

const (
	Add             OpKind = "ADD"
	Sub             OpKind = "SUB"
	Mul             OpKind = "MUL"
	FullyConnected  OpKind = "FULLY_CONNECTED"
	Conv2D          OpKind = "CONV_2D"
	DepthwiseConv2D OpKind = "DEPTHWISE_CONV_2D"
	Pad             OpKind = "PAD"
	PadV2           OpKind = "PADV2"
	MaxPool2D       OpKind = "MAX_POOL_2D"
	AveragePool2D   OpKind = "AVERAGE_POOL_2D"
	Reshape         OpKind = "RESHAPE"
	Tanh            OpKind = "TANH"
	Logistic        OpKind = "LOGISTIC"
	Relu            OpKind = "RELU"
	Relu6           OpKind = "RELU6"
	Quantize        OpKind = "QUANTIZE"
	Dequantize      OpKind = "DEQUANTIZE"
)

// Kinds lists every operator kind the store understands.
var Kinds = []OpKind{
	Add, Sub, Mul, FullyConnected, Conv2D, DepthwiseConv2D, Pad, PadV2,
	MaxPool2D, AveragePool2D, Reshape, Tanh, Logistic, Relu, Relu6, Quantize, Dequantize,
}

// Attrs holds the static attributes of convolution, pooling and reshape
// operators. Tensors are NHWC; convolution filters are OHWI and depthwise
// filters 1HWC.
type Attrs struct {
	Padding    string `json:"padding,omitempty"` // SAME or VALID
	StrideH    int    `json:"stride_h,omitempty"`
	StrideW    int    `json:"stride_w,omitempty"`
	DilationH  int    `json:"dilation_h,omitempty"`
	DilationW  int    `json:"dilation_w,omitempty"`
	FilterH    int    `json:"filter_h,omitempty"`
	FilterW    int    `json:"filter_w,omitempty"`
	Multiplier int    `json:"depth_multiplier,omitempty"`
	Activation string `json:"fused_activation,omitempty"` // RELU or RELU6
	NewShape   []int  `json:"new_shape,omitempty"`
}

// Tensor is a node of the graph. Buffer is -1 for activations.
type Tensor struct {
	Name   string        `json:"name"`
	Shape  []int         `json:"shape"`
	DType  DType         `json:"dtype"`
	Buffer int           `json:"buffer"`
	Quant  *quant.Params `json:"quantization,omitempty"`
}

// NumElements returns the tensor volume.
func (t *Tensor) NumElements() int {
	return quant.NumElements(t.Shape)
}

// IsConstant reports whether the tensor is backed by a buffer.
func (t *Tensor) IsConstant() bool {
	return t.Buffer >= 0
}

// Operator is one node of the computation. Optional inputs that are absent
// are recorded as -1.
type Operator struct {
	Kind    OpKind `json:"kind"`
	Name    string `json:"name"`
	Inputs  []int  `json:"inputs"`
	Outputs []int  `json:"outputs"`
	Attrs   Attrs  `json:"attrs"`
}

// Model is one subgraph with its buffers.
type Model struct {
	Name      string      `json:"name"`
	Signature string      `json:"signature"`
	Tensors   []*Tensor   `json:"tensors"`
	Buffers   [][]byte    `json:"-"`
	Operators []*Operator `json:"operators"`
	Inputs    []int       `json:"inputs"`
	Outputs   []int       `json:"outputs"`
}

// DefaultSignature is the signature name of models that do not set one.
const DefaultSignature = "serving_default"

// AddTensor appends a tensor and returns its index.
func (m *Model) AddTensor(t *Tensor) int {
	m.Tensors = append(m.Tensors, t)
	return len(m.Tensors) - 1
}

// AddConstant appends a float32 constant tensor backed by a new buffer.
func (m *Model) AddConstant(name string, shape []int, values []float32) int {
	b, _ := EncodeFloat32(F32, values)
	m.Buffers = append(m.Buffers, b)
	return m.AddTensor(&Tensor{Name: name, Shape: shape, DType: F32, Buffer: len(m.Buffers) - 1})
}

// AddActivation appends a float32 activation tensor.
func (m *Model) AddActivation(name string, shape []int) int {
	return m.AddTensor(&Tensor{Name: name, Shape: shape, DType: F32, Buffer: -1})
}

// AddOperator appends an operator. The operator name defaults to the name of
// its first output.
func (m *Model) AddOperator(op *Operator) int {
	if op.Name == "" && len(op.Outputs) > 0 {
		op.Name = m.Tensors[op.Outputs[0]].Name
	}
	m.Operators = append(m.Operators, op)
	return len(m.Operators) - 1
}

// TensorIndex returns the index of the tensor with the given name.
func (m *Model) TensorIndex(name string) (int, bool) {
	for i, t := range m.Tensors {
		if t.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Float32 returns the values of a float constant.
func (m *Model) Float32(t int) ([]float32, error) {
	tt := m.Tensors[t]
	if !tt.IsConstant() {
		return nil, fmt.Errorf("graph: tensor %q is not a constant", tt.Name)
	}
	return DecodeFloat32(tt.DType, m.Buffers[tt.Buffer])
}

// Ints returns the values of an integer constant.
func (m *Model) Ints(t int) ([]int64, error) {
	tt := m.Tensors[t]
	if !tt.IsConstant() {
		return nil, fmt.Errorf("graph: tensor %q is not a constant", tt.Name)
	}
	return UnpackInts(tt.DType, m.Buffers[tt.Buffer], tt.NumElements())
}

// SetFloat32 replaces the values of a float constant, keeping its dtype.
// A buffer shared with other tensors is left alone and t gets a new one.
func (m *Model) SetFloat32(t int, values []float32) error {
	tt := m.Tensors[t]
	if !tt.IsConstant() || !tt.DType.IsFloat() {
		return fmt.Errorf("graph: tensor %q is not a float constant", tt.Name)
	}
	if len(values) != tt.NumElements() {
		return fmt.Errorf("graph: tensor %q holds %d values, got %d", tt.Name, tt.NumElements(), len(values))
	}
	buf, err := EncodeFloat32(tt.DType, values)
	if err != nil {
		return err
	}
	if m.bufferShared(t) {
		m.Buffers = append(m.Buffers, buf)
		tt.Buffer = len(m.Buffers) - 1
	} else {
		m.Buffers[tt.Buffer] = buf
	}
	return nil
}

// Producer returns the operator that writes a tensor, or -1.
func (m *Model) Producer(t int) int {
	for i, op := range m.Operators {
		if slices.Contains(op.Outputs, t) {
			return i
		}
	}
	return -1
}

// Consumers returns the operators that read a tensor, in order.
func (m *Model) Consumers(t int) []int {
	var out []int
	for i, op := range m.Operators {
		if slices.Contains(op.Inputs, t) {
			out = append(out, i)
		}
	}
	return out
}

// ActivationNames returns the names of every tensor computed at run time,
// graph inputs included.
func (m *Model) ActivationNames() []string {
	var out []string
	for _, t := range m.Tensors {
		if !t.IsConstant() {
			out = append(out, t.Name)
		}
	}
	return out
}

// NumTensors and the methods below expose the model to plan reconciliation.
func (m *Model) NumTensors() int            { return len(m.Tensors) }
func (m *Model) NumOperators() int          { return len(m.Operators) }
func (m *Model) OpInputs(op int) []int      { return m.Operators[op].Inputs }
func (m *Model) OpOutputs(op int) []int     { return m.Operators[op].Outputs }
func (m *Model) GraphOutputs() []int        { return m.Outputs }
func (m *Model) IsConstant(t int) bool      { return m.Tensors[t].IsConstant() }
func (m *Model) TensorName(t int) string    { return m.Tensors[t].Name }
func (m *Model) Record(t int) *quant.Params { return m.Tensors[t].Quant }

// Clone returns a deep copy. Buffers are copied as well.
func (m *Model) Clone() *Model {
	c := &Model{
		Name:      m.Name,
		Signature: m.Signature,
		Tensors:   make([]*Tensor, len(m.Tensors)),
		Buffers:   make([][]byte, len(m.Buffers)),
		Operators: make([]*Operator, len(m.Operators)),
		Inputs:    slices.Clone(m.Inputs),
		Outputs:   slices.Clone(m.Outputs),
	}
	for i, t := range m.Tensors {
		tc := *t
		tc.Shape = slices.Clone(t.Shape)
		tc.Quant = t.Quant.Clone()
		c.Tensors[i] = &tc
	}
	for i, b := range m.Buffers {
		c.Buffers[i] = slices.Clone(b)
	}
	for i, op := range m.Operators {
		oc := *op
		oc.Inputs = slices.Clone(op.Inputs)
		oc.Outputs = slices.Clone(op.Outputs)
		oc.Attrs.NewShape = slices.Clone(op.Attrs.NewShape)
		c.Operators[i] = &oc
	}
	return c
}

// Validate checks buffer sizes, quantization records, index ranges and that
// operators are in topological order.
func (m *Model) Validate() error {
	for i, t := range m.Tensors {
		if t.DType == Unknown {
			return fmt.Errorf("graph: tensor %d (%s): unknown dtype", i, t.Name)
		}
		if t.Buffer >= len(m.Buffers) {
			return fmt.Errorf("graph: tensor %d (%s): buffer %d out of range", i, t.Name, t.Buffer)
		}
		if t.IsConstant() {
			if want := t.DType.ByteLen(t.NumElements()); len(m.Buffers[t.Buffer]) != want {
				return fmt.Errorf("graph: tensor %d (%s): buffer has %d bytes, %v %s needs %d",
					i, t.Name, len(m.Buffers[t.Buffer]), t.Shape, t.DType, want)
			}
		}
		if t.Quant != nil {
			if err := t.Quant.Validate(); err != nil {
				return fmt.Errorf("graph: tensor %d (%s): %w", i, t.Name, err)
			}
			if err := t.Quant.CheckShape(t.Shape); err != nil {
				return fmt.Errorf("graph: tensor %d (%s): %w", i, t.Name, err)
			}
			if want := StorageType(t.Quant.Bits, t.Quant.Symmetric); t.DType != want {
				return fmt.Errorf("graph: tensor %d (%s): quantized to %d bits but stored as %s", i, t.Name, t.Quant.Bits, t.DType)
			}
		}
	}

	available := make([]bool, len(m.Tensors))
	for _, t := range m.Inputs {
		if t < 0 || t >= len(m.Tensors) {
			return fmt.Errorf("graph: input tensor %d out of range", t)
		}
		available[t] = true
	}
	for i, t := range m.Tensors {
		if t.IsConstant() {
			available[i] = true
		}
	}
	for i, op := range m.Operators {
		for _, t := range op.Inputs {
			if t == -1 {
				continue
			}
			if t < 0 || t >= len(m.Tensors) {
				return fmt.Errorf("graph: op %d (%s): input tensor %d out of range", i, op.Kind, t)
			}
			if !available[t] {
				return fmt.Errorf("graph: op %d (%s): reads %s before it is produced", i, op.Kind, m.Tensors[t].Name)
			}
		}
		for _, t := range op.Outputs {
			if t < 0 || t >= len(m.Tensors) {
				return fmt.Errorf("graph: op %d (%s): output tensor %d out of range", i, op.Kind, t)
			}
			if available[t] {
				return fmt.Errorf("graph: op %d (%s): %s is written twice", i, op.Kind, m.Tensors[t].Name)
			}
			available[t] = true
		}
	}
	for _, t := range m.Outputs {
		if t < 0 || t >= len(m.Tensors) || !available[t] {
			return fmt.Errorf("graph: output tensor %d is never produced", t)
		}
	}
	return nil
}
