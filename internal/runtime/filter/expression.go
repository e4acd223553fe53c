package filter

import (
	"fmt"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/expr"
)

// ExpressionFilter evaluates a boolean CEL expression over the event.
// With Include, events for which it is false are withheld; with Exclude,
// events for which it is true are withheld. Evaluation errors, such as a
// reference to an absent attribute, never exclude.
type ExpressionFilter struct {
	prog *expr.Program
	op   Operation
}

// NewExpressionFilter compiles source.
func NewExpressionFilter(source string, op Operation) (*ExpressionFilter, error) {
	prog, err := expr.Compile(source, expr.BoolType)
	if err != nil {
		return nil, fmt.Errorf("expression filter: %w", err)
	}
	return &ExpressionFilter{prog: prog, op: op}, nil
}

// Name describes the filter for logs.
func (f *ExpressionFilter) Name() string {
	return fmt.Sprintf("%s expr(%s)", f.op, f.prog.Source())
}

// IsExcluded implements Filter.
func (f *ExpressionFilter) IsExcluded(e *envelope.Envelope) bool {
	matched, err := f.prog.EvalBool(expr.Vars{Event: e})
	if err != nil {
		return false
	}
	if f.op == Exclude {
		return matched
	}
	return !matched
}
