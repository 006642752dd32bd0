package recipe

import (
	"fmt"
	"strings"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// ComputePrecision is the arithmetic the quantized operator runs in.
type ComputePrecision uint8

const (
	Integer ComputePrecision = iota
	Float
)

func (p ComputePrecision) String() string {
	if p == Float {
		return "FLOAT"
	}
	return "INTEGER"
}

func (p ComputePrecision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ComputePrecision) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "", "INTEGER":
		*p = Integer
	case "FLOAT":
		*p = Float
	default:
		return fmt.Errorf("recipe: unknown compute precision %q", string(b))
	}
	return nil
}

// Mode is the quantization scheme an OpConfig selects.
type Mode uint8

const (
	// SRQ quantizes weights and activations ahead of time.
	SRQ Mode = iota
	// DRQ quantizes weights; activations are quantized at run time.
	DRQ
	// WeightOnly stores weights quantized and computes in float.
	WeightOnly
)

func (m Mode) String() string {
	switch m {
	case SRQ:
		return "SRQ"
	case DRQ:
		return "DRQ"
	case WeightOnly:
		return "WEIGHT_ONLY"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// OpConfig is the resolved quantization configuration of one operator.
type OpConfig struct {
	Activation         *quant.TensorConfig `json:"activation_tensor_config,omitempty" yaml:"activation_tensor_config,omitempty"`
	Weight             *quant.TensorConfig `json:"weight_tensor_config,omitempty" yaml:"weight_tensor_config,omitempty"`
	Compute            ComputePrecision    `json:"compute_precision" yaml:"compute_precision"`
	ExplicitDequantize bool                `json:"explicit_dequantize" yaml:"explicit_dequantize"`
	MinWeightElements  int                 `json:"min_weight_elements" yaml:"min_weight_elements"`
}

// Mode derives the scheme from the compute precision and activation config.
func (c OpConfig) Mode() Mode {
	switch {
	case c.Compute == Float:
		return WeightOnly
	case c.Activation != nil:
		return SRQ
	default:
		return DRQ
	}
}

// DequantizeWeights reports whether quantized weights are read through a
// dequantize adapter.
func (c OpConfig) DequantizeWeights() bool {
	return c.Compute == Float || c.ExplicitDequantize
}

// Validate rejects combinations no operator family can honour.
func (c OpConfig) Validate() error {
	if c.MinWeightElements < 0 {
		return &InvalidConfigError{Op: -1, Reason: fmt.Sprintf("min_weight_elements %d is negative", c.MinWeightElements)}
	}
	if c.Weight != nil {
		if err := c.Weight.Validate(); err != nil {
			return &InvalidConfigError{Op: -1, Reason: "weight_tensor_config: " + err.Error()}
		}
	}
	if c.Activation != nil {
		if err := c.Activation.Validate(); err != nil {
			return &InvalidConfigError{Op: -1, Reason: "activation_tensor_config: " + err.Error()}
		}
		if c.Activation.Granularity != quant.Tensorwise {
			return &InvalidConfigError{Op: -1, Reason: "activation_tensor_config must be TENSORWISE"}
		}
	}
	switch c.Mode() {
	case WeightOnly:
		if c.Activation != nil {
			return &InvalidConfigError{Op: -1, Reason: "FLOAT compute with an activation_tensor_config"}
		}
		if c.Weight == nil {
			return &InvalidConfigError{Op: -1, Reason: "FLOAT compute without a weight_tensor_config"}
		}
	case SRQ:
		if c.ExplicitDequantize {
			return &InvalidConfigError{Op: -1, Reason: "explicit_dequantize with an activation_tensor_config"}
		}
	case DRQ:
		if c.Weight == nil {
			return &InvalidConfigError{Op: -1, Reason: "INTEGER compute without any tensor config"}
		}
	}
	return nil
}

// InvalidConfigError is a configuration the quantizer refuses to run.
type InvalidConfigError struct {
	// Op is the operator index, -1 when the error is not tied to an operator.
	Op     int
	Name   string
	Kind   string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	if e.Op >= 0 {
		return fmt.Sprintf("recipe: op %d (%s %q): %s", e.Op, e.Kind, e.Name, e.Reason)
	}
	return "recipe: invalid config: " + e.Reason
}
