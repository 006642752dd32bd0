package transform

import (
	"fmt"

	"github.com/samcharles93/mantleq/pkg/quant"
)

// ConflictingDirectiveError reports an edge that received incompatible
// in-place directives from one operator.
type ConflictingDirectiveError struct {
	Edge   Edge
	Detail string
}

func (e *ConflictingDirectiveError) Error() string {
	return fmt.Sprintf("transform: conflicting directives on %s: %s", e.Edge, e.Detail)
}

// ConflictingRequirementError reports a tensor whose users require different
// quantization schemes (bit width, symmetry or granularity).
type ConflictingRequirementError struct {
	Tensor int
	Name   string
	OpA    int
	OpB    int
	A, B   *quant.Params
}

func (e *ConflictingRequirementError) Error() string {
	return fmt.Sprintf("transform: tensor %d (%s): op %d requires %s, op %d requires %s",
		e.Tensor, e.Name, e.OpA, e.A, e.OpB, e.B)
}
