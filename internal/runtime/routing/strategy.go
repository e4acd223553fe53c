package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/expr"
)

// Destination is a route key understood by a connector's sink, such as a
// topic or subject.
type Destination string

// Multicaster computes every destination an event fans out to.
type Multicaster interface {
	ComputeRoutes(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) ([]Destination, error)
}

// RouteBuilder computes the single destination of an event.
type RouteBuilder interface {
	Build(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) (Destination, error)
}

// MulticasterFunc adapts a function to Multicaster.
type MulticasterFunc func(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) ([]Destination, error)

func (f MulticasterFunc) ComputeRoutes(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) ([]Destination, error) {
	return f(ctx, e, d, a)
}

// RouteBuilderFunc adapts a function to RouteBuilder.
type RouteBuilderFunc func(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) (Destination, error)

func (f RouteBuilderFunc) Build(ctx context.Context, e *envelope.Envelope, d *Device, a *Assignment) (Destination, error) {
	return f(ctx, e, d, a)
}

// StaticMulticaster fans every event out to a fixed list.
type StaticMulticaster struct {
	Routes []Destination
}

func (s StaticMulticaster) ComputeRoutes(context.Context, *envelope.Envelope, *Device, *Assignment) ([]Destination, error) {
	return append([]Destination(nil), s.Routes...), nil
}

// ExpressionMulticaster evaluates a CEL expression returning list(string).
type ExpressionMulticaster struct {
	prog *expr.Program
}

// NewExpressionMulticaster compiles source, for example
// `["area." + event.areaId, "type." + device.deviceTypeId]`.
func NewExpressionMulticaster(source string) (*ExpressionMulticaster, error) {
	prog, err := expr.Compile(source, expr.StringListType)
	if err != nil {
		return nil, fmt.Errorf("multicast expression: %w", err)
	}
	return &ExpressionMulticaster{prog: prog}, nil
}

func (m *ExpressionMulticaster) ComputeRoutes(_ context.Context, e *envelope.Envelope, d *Device, a *Assignment) ([]Destination, error) {
	routes, err := m.prog.EvalStringList(expr.Vars{Event: e, Device: d.vars(), Assignment: a.vars()})
	if err != nil {
		return nil, err
	}
	out := make([]Destination, 0, len(routes))
	for _, r := range routes {
		out = append(out, Destination(r))
	}
	return out, nil
}

// ExpressionRouteBuilder evaluates a CEL expression returning a string.
type ExpressionRouteBuilder struct {
	prog *expr.Program
}

// NewExpressionRouteBuilder compiles source, for example
// `"devices." + device.token`.
func NewExpressionRouteBuilder(source string) (*ExpressionRouteBuilder, error) {
	prog, err := expr.Compile(source, expr.StringType)
	if err != nil {
		return nil, fmt.Errorf("route expression: %w", err)
	}
	return &ExpressionRouteBuilder{prog: prog}, nil
}

func (b *ExpressionRouteBuilder) Build(_ context.Context, e *envelope.Envelope, d *Device, a *Assignment) (Destination, error) {
	route, err := b.prog.EvalString(expr.Vars{Event: e, Device: d.vars(), Assignment: a.vars()})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(route) == "" {
		return "", fmt.Errorf("route expression %q produced an empty destination", b.prog.Source())
	}
	return Destination(route), nil
}
