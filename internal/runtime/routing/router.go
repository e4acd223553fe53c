// Package routing chooses the destinations an outbound event is delivered
// to. Exactly one strategy is configured per connector: multicast, route
// builder or a static destination.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// Mode identifies the configured strategy.
type Mode int

const (
	ModeNone Mode = iota
	ModeStatic
	ModeRouteBuilder
	ModeMulticast
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeRouteBuilder:
		return "route-builder"
	case ModeMulticast:
		return "multicast"
	default:
		return "none"
	}
}

// Config selects the routing strategy of one connector.
type Config struct {
	DestinationTopic string
	Multicaster      Multicaster
	RouteBuilder     RouteBuilder
}

// Mode returns the strategy in priority order: multicast, route builder,
// static.
func (c Config) Mode() Mode {
	switch {
	case c.Multicaster != nil:
		return ModeMulticast
	case c.RouteBuilder != nil:
		return ModeRouteBuilder
	case c.DestinationTopic != "":
		return ModeStatic
	default:
		return ModeNone
	}
}

// Validate requires exactly one strategy.
func (c Config) Validate() error {
	set := 0
	if c.DestinationTopic != "" {
		set++
	}
	if c.Multicaster != nil {
		set++
	}
	if c.RouteBuilder != nil {
		set++
	}
	switch set {
	case 1:
		return nil
	case 0:
		return errspkg.NewConfigValidationError(errors.New("routing requires one of destination topic, multicaster or route builder"))
	default:
		return errspkg.NewConfigValidationError(errors.New("routing accepts only one of destination topic, multicaster or route builder"))
	}
}

// DeliverFunc hands an event to the sink for one destination.
type DeliverFunc func(ctx context.Context, dest Destination, e *envelope.Envelope) error

// RouteResult reports the outcome of routing one event.
type RouteResult struct {
	Delivered []Destination
	Failed    []*errspkg.ConnectorDeliveryError
}

// Err joins the per-destination failures, or returns nil.
func (r RouteResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Router applies a validated Config for one connector.
type Router struct {
	connectorID string
	cfg         Config
	mode        Mode
	devices     DeviceManagement
}

// New validates cfg. devices may be nil, in which case strategies see no
// device or assignment context.
func New(connectorID string, cfg Config, devices DeviceManagement) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{connectorID: connectorID, cfg: cfg, mode: cfg.Mode(), devices: devices}, nil
}

// Mode returns the configured strategy.
func (r *Router) Mode() Mode { return r.mode }

// Route computes the destinations of e and delivers it to each of them.
// Delivery failures and panics are isolated per destination and reported in
// the result. The returned error is only set when no destination could be
// computed.
func (r *Router) Route(ctx context.Context, e *envelope.Envelope, deliver DeliverFunc) (RouteResult, error) {
	dests, err := r.Destinations(ctx, e)
	if err != nil {
		return RouteResult{}, &errspkg.ConnectorDeliveryError{ConnectorID: r.connectorID, Err: err}
	}
	var result RouteResult
	for _, dest := range dests {
		if err := r.deliverOne(ctx, dest, e, deliver); err != nil {
			result.Failed = append(result.Failed, &errspkg.ConnectorDeliveryError{
				ConnectorID: r.connectorID,
				Destination: string(dest),
				Err:         err,
			})
			continue
		}
		result.Delivered = append(result.Delivered, dest)
	}
	return result, nil
}

// Destinations computes the deduplicated destinations of e without
// delivering it.
func (r *Router) Destinations(ctx context.Context, e *envelope.Envelope) ([]Destination, error) {
	if r.mode == ModeStatic {
		return []Destination{Destination(r.cfg.DestinationTopic)}, nil
	}
	device, assignment, err := r.lookup(ctx, e)
	if err != nil {
		return nil, err
	}
	if r.mode == ModeRouteBuilder {
		dest, err := r.cfg.RouteBuilder.Build(ctx, e, device, assignment)
		if err != nil {
			return nil, fmt.Errorf("build route: %w", err)
		}
		return []Destination{dest}, nil
	}
	routes, err := r.cfg.Multicaster.ComputeRoutes(ctx, e, device, assignment)
	if err != nil {
		return nil, fmt.Errorf("compute routes: %w", err)
	}
	return dedupe(routes), nil
}

func (r *Router) lookup(ctx context.Context, e *envelope.Envelope) (*Device, *Assignment, error) {
	if r.devices == nil {
		return nil, nil, nil
	}
	var (
		device     *Device
		assignment *Assignment
		err        error
	)
	if id := e.DeviceID(); id != "" {
		if device, err = r.devices.GetDevice(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("get device %s: %w", id, err)
		}
	}
	if id := e.AssignmentID(); id != "" {
		if assignment, err = r.devices.GetAssignment(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("get assignment %s: %w", id, err)
		}
	}
	return device, assignment, nil
}

func (r *Router) deliverOne(ctx context.Context, dest Destination, e *envelope.Envelope, deliver DeliverFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic delivering to %s: %v", dest, rec)
		}
	}()
	return deliver(ctx, dest, e)
}

func dedupe(routes []Destination) []Destination {
	seen := make(map[Destination]struct{}, len(routes))
	out := make([]Destination, 0, len(routes))
	for _, r := range routes {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
