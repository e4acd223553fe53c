package expr

import (
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

var stringSliceType = reflect.TypeOf([]string{})

// compatible reports whether a checked output type can produce want at
// runtime. Dyn positions are accepted and verified during evaluation.
func compatible(out, want *cel.Type) bool {
	if out == nil || out.Kind() == types.DynKind || out.IsExactType(want) {
		return true
	}
	if out.Kind() != want.Kind() {
		return false
	}
	op, wp := out.Parameters(), want.Parameters()
	if len(op) != len(wp) {
		return false
	}
	for i := range op {
		if !compatible(op[i], wp[i]) {
			return false
		}
	}
	return true
}
