package materialize

import (
	"fmt"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/recipe"
)

// UnsupportedOperatorError reports an operator that has no rule for the
// requested configuration.
type UnsupportedOperatorError struct {
	Op     int
	Name   string
	Kind   graph.OpKind
	Mode   recipe.Mode
	Reason string
}

func (e *UnsupportedOperatorError) Error() string {
	msg := fmt.Sprintf("materialize: op %d (%s %q): unsupported under %s", e.Op, e.Kind, e.Name, e.Mode)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InvalidGranularityAxisError reports a channelwise weight whose channel axis
// cannot be the operator's output-channel axis.
type InvalidGranularityAxisError struct {
	Op     int
	Name   string
	Kind   graph.OpKind
	Tensor string
	// Axis is the requested axis, Want the operator's output-channel axis.
	Axis int
	Want int
	Rank int
}

func (e *InvalidGranularityAxisError) Error() string {
	if e.Want >= e.Rank {
		return fmt.Sprintf("materialize: op %d (%s %q): weight %s has rank %d, no output-channel axis %d",
			e.Op, e.Kind, e.Name, e.Tensor, e.Rank, e.Want)
	}
	return fmt.Sprintf("materialize: op %d (%s %q): weight %s: channel axis %d, operator requires %d",
		e.Op, e.Kind, e.Name, e.Tensor, e.Axis, e.Want)
}
