// Package tenant keeps the live processing context of every tenant and
// resolves tenant tokens to it.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drblury/tenantflow/internal/runtime/connector"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/routing"
)

// State is the lifecycle state of an engine.
type State int32

const (
	StateUnavailable State = iota
	StateInitializing
	StateAvailable
	StateStopping
	// StateFailed marks an engine whose initialization failed. It resolves
	// like Unavailable and is rebuilt on the next refresh.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateInitializing:
		return "initializing"
	case StateAvailable:
		return "available"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Tenant describes one tenant as listed by a Directory.
type Tenant struct {
	Token      string            `yaml:"token" json:"token"`
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Connectors []connector.Spec  `yaml:"connectors,omitempty" json:"connectors,omitempty"`
}

// EventManagement is the event store of a tenant.
type EventManagement interface {
	AddEvents(ctx context.Context, events ...*envelope.Envelope) error
	GetEvent(ctx context.Context, id string) (*envelope.Envelope, error)
}

// Host is a running connector owned by an engine.
type Host interface {
	ConnectorID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	Status() connector.Status
}

// Resources are what an EngineFactory builds for a tenant.
type Resources struct {
	// Implementation is the tenant's own service implementation, handed to
	// synchronous calls routed to this tenant.
	Implementation any
	Devices        routing.DeviceManagement
	Events         EventManagement
	Filters        *filter.Chain
	Hosts          []Host
}

// EngineFactory builds the resources of a tenant engine.
type EngineFactory interface {
	Build(ctx context.Context, t Tenant) (Resources, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(ctx context.Context, t Tenant) (Resources, error)

func (f EngineFactoryFunc) Build(ctx context.Context, t Tenant) (Resources, error) {
	return f(ctx, t)
}

// Engine is the live processing context of one tenant. Only the registry
// moves it through its states.
type Engine struct {
	tenant Tenant
	logger logging.ServiceLogger
	state  atomic.Int32

	mu      sync.RWMutex
	res     Resources
	initErr error

	stopOnce sync.Once
	stopErr  error
}

func newEngine(t Tenant, logger logging.ServiceLogger) *Engine {
	e := &Engine{
		tenant: t,
		logger: logger.With(logging.LogFields{"tenant": t.Token}),
	}
	e.state.Store(int32(StateInitializing))
	return e
}

func (e *Engine) Token() string  { return e.tenant.Token }
func (e *Engine) Tenant() Tenant { return e.tenant }
func (e *Engine) State() State   { return State(e.state.Load()) }

// Available reports whether calls and events may be routed to the engine.
func (e *Engine) Available() bool { return e.State() == StateAvailable }

func (e *Engine) Implementation() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res.Implementation
}

func (e *Engine) DeviceManagement() routing.DeviceManagement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res.Devices
}

func (e *Engine) EventManagement() EventManagement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res.Events
}

func (e *Engine) Filters() *filter.Chain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res.Filters
}

// Hosts returns the connector hosts owned by the engine.
func (e *Engine) Hosts() []Host {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Host(nil), e.res.Hosts...)
}

// Host returns the host of a connector by id.
func (e *Engine) Host(connectorID string) (Host, bool) {
	for _, h := range e.Hosts() {
		if h.ConnectorID() == connectorID {
			return h, true
		}
	}
	return nil, false
}

// Err returns the initialization error of a failed engine.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initErr
}

// Status is a point-in-time view of an engine.
type Status struct {
	Token      string             `json:"token"`
	Name       string             `json:"name,omitempty"`
	State      State              `json:"state"`
	Error      string             `json:"error,omitempty"`
	Connectors []connector.Status `json:"connectors"`
}

func (e *Engine) Status() Status {
	s := Status{Token: e.tenant.Token, Name: e.tenant.Name, State: e.State(), Connectors: []connector.Status{}}
	if err := e.Err(); err != nil {
		s.Error = err.Error()
	}
	for _, h := range e.Hosts() {
		s.Connectors = append(s.Connectors, h.Status())
	}
	return s
}

// initialize builds the engine resources and starts its hosts. A host that
// fails to start is logged and left stopped; the other hosts and the engine
// itself stay up.
func (e *Engine) initialize(ctx context.Context, factory EngineFactory) error {
	res, err := factory.Build(ctx, e.tenant)
	if err != nil {
		e.fail(fmt.Errorf("build tenant %s: %w", e.tenant.Token, err))
		return e.Err()
	}
	e.mu.Lock()
	e.res = res
	e.mu.Unlock()

	for _, h := range res.Hosts {
		if err := h.Start(ctx); err != nil {
			if ctx.Err() != nil {
				e.fail(fmt.Errorf("start tenant %s: %w", e.tenant.Token, ctx.Err()))
				_ = e.stopHosts(context.WithoutCancel(ctx))
				return e.Err()
			}
			e.logger.Error("Connector host failed to start", err, logging.LogFields{"connector": h.Status().ConnectorID})
		}
	}
	if !e.state.CompareAndSwap(int32(StateInitializing), int32(StateAvailable)) {
		return fmt.Errorf("tenant %s: engine left initializing state as %s", e.tenant.Token, e.State())
	}
	e.logger.Info("Tenant engine available", logging.LogFields{"connectors": len(res.Hosts)})
	return nil
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.initErr = err
	e.mu.Unlock()
	e.state.Store(int32(StateFailed))
	e.logger.Error("Tenant engine failed to initialize", err, nil)
}

// stop stops the owned hosts in reverse start order. It is idempotent.
func (e *Engine) stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		prev := e.State()
		e.state.Store(int32(StateStopping))
		e.stopErr = e.stopHosts(ctx)
		if prev == StateFailed {
			e.state.Store(int32(StateFailed))
		} else {
			e.state.Store(int32(StateUnavailable))
		}
		e.logger.Info("Tenant engine stopped", nil)
	})
	return e.stopErr
}

func (e *Engine) stopHosts(ctx context.Context) error {
	hosts := e.Hosts()
	var errs []error
	for i := len(hosts) - 1; i >= 0; i-- {
		if err := hosts[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		e.logger.Warn("Tenant engine stopped with errors", err, nil)
	}
	return err
}
