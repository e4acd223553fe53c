// Package expr compiles CEL expressions evaluated against event envelopes.
// Expressions see three map variables: event, device and assignment.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// Program is a compiled, type-checked expression. It is safe for concurrent
// use.
type Program struct {
	source string
	prog   cel.Program
}

var (
	// BoolType, StringType and StringListType are the supported result types.
	BoolType       = cel.BoolType
	StringType     = cel.StringType
	StringListType = cel.ListType(cel.StringType)
)

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("device", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("assignment", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Compile parses and checks source, requiring it to produce want.
func Compile(source string, want *cel.Type) (*Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(source)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, iss.Err())
	}
	if want != nil && !compatible(ast.OutputType(), want) {
		return nil, fmt.Errorf("expression %q returns %s, want %s", source, ast.OutputType(), want)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Program{source: source, prog: prog}, nil
}

// Source returns the expression text.
func (p *Program) Source() string { return p.source }

func (p *Program) eval(vars Vars) (ref.Val, error) {
	out, _, err := p.prog.Eval(vars.activation())
	return out, err
}

// EvalBool evaluates a boolean expression.
func (p *Program) EvalBool(vars Vars) (bool, error) {
	out, err := p.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", p.source, out.Value())
	}
	return b, nil
}

// EvalString evaluates an expression returning a string.
func (p *Program) EvalString(vars Vars) (string, error) {
	out, err := p.eval(vars)
	if err != nil {
		return "", err
	}
	s, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("expression %q returned %T, want string", p.source, out.Value())
	}
	return s, nil
}

// EvalStringList evaluates an expression returning a list of strings.
func (p *Program) EvalStringList(vars Vars) ([]string, error) {
	out, err := p.eval(vars)
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(stringSliceType)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", p.source, err)
	}
	return native.([]string), nil
}

// Vars holds the inputs of one evaluation.
type Vars struct {
	Event      *envelope.Envelope
	Device     map[string]any
	Assignment map[string]any
}

func (v Vars) activation() map[string]any {
	device := v.Device
	if device == nil {
		device = map[string]any{}
	}
	assignment := v.Assignment
	if assignment == nil {
		assignment = map[string]any{}
	}
	return map[string]any{
		"event":      EventMap(v.Event),
		"device":     device,
		"assignment": assignment,
	}
}

// EventMap flattens an envelope into the map exposed as the event variable.
// Empty attributes are omitted so that "has(event.areaId)" reflects presence.
func EventMap(e *envelope.Envelope) map[string]any {
	if e == nil {
		return map[string]any{}
	}
	f := e.Fields()
	m := map[string]any{
		"id":           f.ID,
		"eventDate":    f.EventDate,
		"receivedDate": f.ReceivedDate,
	}
	put := func(key, value string) {
		if value != "" {
			m[key] = value
		}
	}
	put("eventType", f.EventType)
	put("deviceId", f.DeviceID)
	put("assignmentId", f.AssignmentID)
	put("areaId", f.AreaID)
	put("customerId", f.CustomerID)
	put("deviceTypeId", f.DeviceTypeID)
	put("specificationId", f.SpecificationID)
	put("sourceId", f.SourceID)
	if f.Payload != nil {
		m["payload"] = f.Payload
	} else {
		m["payload"] = map[string]any{}
	}
	md := make(map[string]any, len(f.Metadata))
	for k, v := range f.Metadata {
		md[k] = v
	}
	m["metadata"] = md
	return m
}
