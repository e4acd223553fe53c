package tenant

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
)

// ErrRegistryStopped is returned by mutations after Stop.
var ErrRegistryStopped = errors.New("tenantflow: tenant registry is stopped")

const (
	DefaultRefreshConcurrency = 4
	DefaultInitTimeout        = 30 * time.Second
	DefaultRefreshInterval    = 30 * time.Second
)

// Config configures a Registry.
type Config struct {
	Factory EngineFactory
	// Directory lists tenants for Refresh and lazy initialization. Optional.
	Directory Directory
	// LazyInit starts initializing an unknown tenant on its first Resolve.
	LazyInit bool
	// RefreshConcurrency bounds concurrent engine initialization.
	RefreshConcurrency int
	// InitTimeout bounds one background engine initialization.
	InitTimeout time.Duration
	Logger      logging.ServiceLogger
	Metrics     *metrics.Metrics
}

type engineMap map[string]*Engine

// Registry maps tenant tokens to engines. Reads go through an atomically
// replaced snapshot and never block; writers build a new map and swap it in.
type Registry struct {
	cfg    Config
	logger logging.ServiceLogger

	snapshot atomicMap
	writeMu  sync.Mutex
	pending  sync.Map // token -> *Engine being initialized
	flights  singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	stopped bool

	stopOnce sync.Once
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errspkg.NewConfigValidationError(errors.New("tenant engine factory is required"))
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = DefaultRefreshConcurrency
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.LogFields{"component": "tenant-registry"}),
		ctx:    ctx,
		cancel: cancel,
	}
	r.snapshot.Store(engineMap{})
	return r, nil
}

// Resolve returns the Available engine for token. It never waits for an
// engine to initialize: a missing or not yet Available engine yields a
// TenantUnavailableError at once. With LazyInit, a missing engine is
// scheduled for initialization first.
func (r *Registry) Resolve(token string) (*Engine, error) {
	if e := r.snapshot.Load()[token]; e != nil {
		if e.Available() {
			return e, nil
		}
		return nil, r.unavailable(token, e.State())
	}
	if p, ok := r.pending.Load(token); ok {
		return nil, r.unavailable(token, p.(*Engine).State())
	}
	if r.cfg.LazyInit && token != "" {
		r.initLazily(token)
		return nil, r.unavailable(token, StateInitializing)
	}
	return nil, r.unavailable(token, StateUnavailable)
}

func (r *Registry) unavailable(token string, s State) error {
	r.logger.Debug("Tenant engine not available", logging.LogFields{"token": token, "state": s.String()})
	return &errspkg.TenantUnavailableError{Token: token, State: s.String()}
}

func (r *Registry) initLazily(token string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.stopped {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		_, _, _ = r.flights.Do("lazy:"+token, func() (any, error) {
			r.initialize(token)
			return nil, nil
		})
	}()
}

func (r *Registry) initialize(token string) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.InitTimeout)
	defer cancel()

	t := Tenant{Token: token}
	if r.cfg.Directory != nil {
		found, ok, err := r.cfg.Directory.Get(ctx, token)
		if err != nil {
			r.logger.Warn("Tenant lookup failed", err, logging.LogFields{"token": token})
			return
		}
		if !ok {
			r.logger.Debug("Unknown tenant requested", logging.LogFields{"token": token})
			return
		}
		t = found
	}
	if _, err := r.Add(ctx, t); err != nil && !errors.Is(err, ErrRegistryStopped) {
		r.logger.Warn("Lazy tenant initialization failed", err, logging.LogFields{"token": token})
	}
}

// Get returns the engine for token in any state.
func (r *Registry) Get(token string) (*Engine, bool) {
	e, ok := r.snapshot.Load()[token]
	return e, ok
}

// Add initializes an engine for t and publishes it. An existing engine that
// is not Failed is returned unchanged; use Update to replace it. Concurrent
// Adds for one token share a single initialization.
func (r *Registry) Add(ctx context.Context, t Tenant) (*Engine, error) {
	if t.Token == "" {
		return nil, errspkg.ErrTenantTokenRequired
	}
	if e, ok := r.Get(t.Token); ok && e.State() != StateFailed {
		return e, nil
	}
	v, err, _ := r.flights.Do(t.Token, func() (any, error) {
		if e, ok := r.Get(t.Token); ok && e.State() != StateFailed {
			return e, nil
		}
		return r.replace(ctx, t)
	})
	e, _ := v.(*Engine)
	return e, err
}

// Update replaces the engine of t.Token with a freshly initialized one and
// stops the previous engine.
func (r *Registry) Update(ctx context.Context, t Tenant) (*Engine, error) {
	if t.Token == "" {
		return nil, errspkg.ErrTenantTokenRequired
	}
	v, err, _ := r.flights.Do(t.Token, func() (any, error) {
		return r.replace(ctx, t)
	})
	e, _ := v.(*Engine)
	return e, err
}

func (r *Registry) replace(ctx context.Context, t Tenant) (*Engine, error) {
	e := r.build(ctx, t)
	if err := r.apply(ctx, []*Engine{e}, nil); err != nil {
		return nil, err
	}
	if e.State() == StateFailed {
		return e, e.Err()
	}
	return e, nil
}

// build initializes an engine off-map. The engine is visible to Resolve as
// pending while it initializes.
func (r *Registry) build(ctx context.Context, t Tenant) *Engine {
	e := newEngine(t, r.cfg.Logger)
	r.pending.Store(t.Token, e)
	defer r.pending.CompareAndDelete(t.Token, e)
	_ = e.initialize(ctx, r.cfg.Factory)
	return e
}

// Remove stops the engine of token and drops it from the registry.
func (r *Registry) Remove(ctx context.Context, token string) error {
	e, ok := r.Get(token)
	if !ok {
		return nil
	}
	err := e.stop(ctx)
	if aerr := r.apply(ctx, nil, []string{token}); aerr != nil {
		return aerr
	}
	r.cfg.Metrics.Forget(token)
	return err
}

// apply swaps added engines in and removed tokens out in one snapshot
// replacement, then stops every engine that left the map.
func (r *Registry) apply(ctx context.Context, added []*Engine, removed []string) error {
	r.writeMu.Lock()
	if r.stopped {
		r.writeMu.Unlock()
		for _, e := range added {
			_ = e.stop(ctx)
		}
		return ErrRegistryStopped
	}
	cur := r.snapshot.Load()
	next := maps.Clone(cur)
	var retired []*Engine
	for _, e := range added {
		if old := next[e.Token()]; old != nil && old != e {
			retired = append(retired, old)
		}
		next[e.Token()] = e
	}
	for _, token := range removed {
		if old := next[token]; old != nil {
			retired = append(retired, old)
			delete(next, token)
		}
	}
	r.snapshot.Store(next)
	r.writeMu.Unlock()

	r.recordStates(next)
	r.stopAll(ctx, retired)
	return nil
}

func (r *Registry) stopAll(ctx context.Context, engines []*Engine) {
	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.stop(ctx)
		}()
	}
	wg.Wait()
}

func (r *Registry) recordStates(m engineMap) {
	if r.cfg.Metrics == nil {
		return
	}
	byState := map[string]int{}
	for _, s := range []State{StateUnavailable, StateInitializing, StateAvailable, StateStopping, StateFailed} {
		byState[s.String()] = 0
	}
	for _, e := range m {
		byState[e.State().String()]++
	}
	r.cfg.Metrics.SetEngines(byState)
}

// Refresh reconciles the registry with the directory: new, changed and
// failed tenants are initialized concurrently, vanished tenants are
// removed, and the result is published as a single snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.cfg.Directory == nil {
		return nil
	}
	tenants, err := r.cfg.Directory.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	cur := r.snapshot.Load()
	listed := make(map[string]bool, len(tenants))
	var todo []Tenant
	for _, t := range tenants {
		if t.Token == "" || listed[t.Token] {
			continue
		}
		listed[t.Token] = true
		e := cur[t.Token]
		if e == nil || e.State() == StateFailed || !reflect.DeepEqual(e.Tenant(), t) {
			todo = append(todo, t)
		}
	}
	var removed []string
	for token := range cur {
		if !listed[token] {
			removed = append(removed, token)
		}
	}

	built := make([]*Engine, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.RefreshConcurrency)
	for i, t := range todo {
		g.Go(func() error {
			built[i] = r.build(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, e := range built {
		if e.State() == StateFailed {
			failed = append(failed, e.Err())
		}
	}
	if err := r.apply(ctx, built, removed); err != nil {
		return err
	}
	for _, token := range removed {
		r.cfg.Metrics.Forget(token)
	}
	r.logger.Debug("Tenant registry refreshed", logging.LogFields{
		"listed": len(listed), "initialized": len(built), "removed": len(removed),
	})
	return errors.Join(failed...)
}

// Run refreshes the registry every interval until ctx is done or the
// registry stops. The first refresh happens immediately.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	r.writeMu.Lock()
	if r.stopped {
		r.writeMu.Unlock()
		return
	}
	r.bg.Add(1)
	r.writeMu.Unlock()
	defer r.bg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Tenant refresh failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tokens returns the registered tokens in sorted order.
func (r *Registry) Tokens() []string {
	m := r.snapshot.Load()
	out := make([]string, 0, len(m))
	for token := range m {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the status of every registered engine, sorted by token.
func (r *Registry) Snapshot() []Status {
	m := r.snapshot.Load()
	out := make([]Status, 0, len(m))
	for _, token := range r.Tokens() {
		if e := m[token]; e != nil {
			out = append(out, e.Status())
		}
	}
	return out
}

// Stop stops every engine and background refresh. It is idempotent. Work
// still running when ctx ends is abandoned with a warning.
func (r *Registry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.writeMu.Lock()
		r.stopped = true
		engines := r.snapshot.Load()
		r.snapshot.Store(engineMap{})
		r.writeMu.Unlock()
		r.cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			list := make([]*Engine, 0, len(engines))
			for _, e := range engines {
				list = append(list, e)
			}
			r.stopAll(ctx, list)
			r.bg.Wait()
		}()
		select {
		case <-done:
			r.logger.Info("Tenant registry stopped", logging.LogFields{"engines": len(engines)})
		case <-ctx.Done():
			r.logger.Warn("Tenant registry stop timed out", ctx.Err(), logging.LogFields{"engines": len(engines)})
		}
		r.recordStates(engineMap{})
	})
	return nil
}
