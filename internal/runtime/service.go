package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/drblury/tenantflow/internal/runtime/calls"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	"github.com/drblury/tenantflow/internal/runtime/connector"
	"github.com/drblury/tenantflow/internal/runtime/consumer"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/kafkalog"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/naming"
	"github.com/drblury/tenantflow/internal/runtime/routing"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
	"github.com/drblury/tenantflow/transport"
)

// SourceFactory builds the partitioned log source feeding one connector of
// a tenant.
type SourceFactory func(ctx context.Context, t tenant.Tenant, spec connector.Spec) (consumer.Source, error)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the configured defaults.
type ServiceDependencies struct {
	Transports *transport.Registry
	Directory  tenant.Directory
	Sources    SourceFactory
	InboundLog InboundLog
	// Devices returns the device-management collaborator of a tenant.
	Devices func(t tenant.Tenant) routing.DeviceManagement
	// Implementation returns the tenant's call implementation. Defaults to
	// an EventService over the tenant's event store.
	Implementation func(t tenant.Tenant, events tenant.EventManagement) any
	Registerer     prometheus.Registerer
	Tracer         trace.Tracer
}

// Service wires the tenant registry, its connector hosts, the call router
// and the notification listener.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps       ServiceDependencies
	codec      envelope.Codec
	metrics    *metrics.Metrics
	transports *transport.Registry
	directory  tenant.Directory
	registry   *tenant.Registry
	router     *calls.Router
	inbound    InboundLog
	memory     *memoryLog
	listener   *tenant.NotificationListener
	resources  *resourceTracker

	running  atomic.Bool
	closers  []func() error
	stopOnce sync.Once
	stopErr  error
}

// NewService constructs a Service for the supplied configuration. Nothing
// runs until Run.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating tenantflow service", loggingpkg.LogFields{
		"instance": conf.InstanceID,
		"source":   conf.Source,
		"config":   conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		deps:       deps,
		codec:      codecFor(conf.Codec),
		metrics:    metrics.New(deps.Registerer),
		transports: deps.Transports,
		resources:  newResourceTracker(),
	}
	if s.transports == nil {
		s.transports = transport.DefaultRegistry
	}
	if s.deps.Tracer == nil {
		s.deps.Tracer = otel.Tracer("tenantflow")
	}
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := s.setup(ctx); err != nil {
		_ = s.closeAll()
		return nil, err
	}
	return s, nil
}

func (s *Service) setup(ctx context.Context) error {
	var err error
	if s.directory, err = s.buildDirectory(); err != nil {
		return err
	}
	if s.inbound, err = s.buildInboundLog(ctx); err != nil {
		return err
	}
	if s.deps.Sources == nil {
		s.deps.Sources = s.defaultSources()
	}

	s.registry, err = tenant.NewRegistry(tenant.Config{
		Factory:            tenant.EngineFactoryFunc(s.buildEngine),
		Directory:          s.directory,
		LazyInit:           s.Conf.LazyInit,
		RefreshConcurrency: s.Conf.RefreshConcurrency,
		InitTimeout:        s.Conf.InitTimeout,
		Logger:             s.Logger,
		Metrics:            s.metrics,
	})
	if err != nil {
		return err
	}
	s.router, err = calls.NewRouter(s.registry,
		calls.WithLogger(s.Logger),
		calls.WithMetrics(s.metrics),
		calls.WithTracer(s.deps.Tracer),
	)
	if err != nil {
		return err
	}

	if s.Conf.Notifications {
		t, err := s.transports.Build(ctx, s.Conf.WithRole(transport.RoleSubscriber), loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return fmt.Errorf("build notification subscriber: %w", err)
		}
		s.closers = append(s.closers, t.Close)
		s.listener, err = tenant.NewNotificationListener(tenant.ListenerConfig{
			Subscriber: t.Subscriber,
			Topic:      naming.TenantModelUpdates(s.Conf.InstanceID),
			Registry:   s.registry,
			Directory:  s.directory,
			Logger:     s.Logger,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func codecFor(name string) envelope.Codec {
	if strings.EqualFold(name, "proto") {
		return envelope.ProtoCodec{}
	}
	return envelope.JSONCodec{}
}

func (s *Service) buildDirectory() (tenant.Directory, error) {
	switch {
	case s.deps.Directory != nil:
		return s.deps.Directory, nil
	case s.Conf.TenantsFile != "":
		return tenant.YAMLDirectory{Path: s.Conf.TenantsFile}, nil
	case s.Conf.RedisAddr != "":
		client, err := tenant.ConnectRedis(s.Conf.RedisAddr)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		return tenant.NewRedisDirectory(client, s.Conf.RedisKey), nil
	default:
		return nil, nil
	}
}

func (s *Service) buildInboundLog(ctx context.Context) (InboundLog, error) {
	if s.deps.InboundLog != nil {
		return s.deps.InboundLog, nil
	}
	if strings.EqualFold(s.Conf.Source, "kafka") {
		conf := *s.Conf
		conf.PubSubSystem = "kafka"
		t, err := s.transports.Build(ctx, conf.WithRole(transport.RolePublisher), loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return nil, fmt.Errorf("build inbound log publisher: %w", err)
		}
		s.closers = append(s.closers, t.Close)
		return &publisherLog{publisher: t.Publisher, contentType: s.codec.ContentType()}, nil
	}
	s.memory = newMemoryLog()
	return s.memory, nil
}

func (s *Service) inboundTopic(token string) string {
	return naming.TenantTopic(s.Conf.InstanceID, token, naming.PurposeInboundEvents)
}

func (s *Service) defaultSources() SourceFactory {
	if s.memory != nil {
		return func(_ context.Context, t tenant.Tenant, _ connector.Spec) (consumer.Source, error) {
			src := consumer.NewMemorySource(s.Conf.PollInterval, s.Conf.MaxPollRecords)
			s.memory.subscribe(s.inboundTopic(t.Token), src)
			return src, nil
		}
	}
	return func(_ context.Context, t tenant.Tenant, spec connector.Spec) (consumer.Source, error) {
		return kafkalog.New(kafkalog.Config{
			Brokers:        s.Conf.KafkaBrokers,
			GroupID:        naming.ConsumerGroup(s.Conf.InstanceID, t.Token, spec.ID),
			Topics:         []string{s.inboundTopic(t.Token)},
			ClientID:       s.Conf.KafkaClientID,
			Version:        s.Conf.KafkaVersion,
			InitialOffset:  s.Conf.KafkaInitialOffset,
			MaxPollRecords: s.Conf.MaxPollRecords,
			PollWait:       s.Conf.PollInterval,
		}, s.Logger.With(loggingpkg.LogFields{"tenant": t.Token, "connector": spec.ID}))
	}
}

// buildEngine is the EngineFactory of the registry: one publisher connector
// and host per connector spec, plus the tenant event store.
func (s *Service) buildEngine(ctx context.Context, t tenant.Tenant) (tenant.Resources, error) {
	log := s.Logger.With(loggingpkg.LogFields{"tenant": t.Token})
	events := newEventStore(s.inboundTopic(t.Token), s.codec, s.inbound, log)

	var devices routing.DeviceManagement
	if s.deps.Devices != nil {
		devices = s.deps.Devices(t)
	}

	var (
		hosts []tenant.Host
		conns []*connector.PublisherConnector
	)
	fail := func(err error) (tenant.Resources, error) {
		for _, h := range hosts {
			_ = h.Stop(ctx)
		}
		for _, c := range conns {
			_ = c.Stop(ctx)
		}
		return tenant.Resources{}, err
	}
	for _, spec := range t.Connectors {
		conn, err := connector.Build(ctx, spec, connector.BuildDeps{
			TenantToken: t.Token,
			Registry:    s.transports,
			Codec:       s.codec,
			Devices:     devices,
			Logger:      log,
			Metrics:     s.metrics,
		})
		if err != nil {
			return fail(err)
		}
		conns = append(conns, conn)
		host, err := connector.NewHost(conn, s.consumerFactory(ctx, t, spec), connector.HostConfig{
			TenantToken: t.Token,
			Logger:      log,
		})
		if err != nil {
			return fail(err)
		}
		hosts = append(hosts, host)
	}

	var impl any
	if s.deps.Implementation != nil {
		impl = s.deps.Implementation(t, events)
	} else {
		impl = calls.NewEventService(events)
	}
	return tenant.Resources{
		Implementation: impl,
		Devices:        devices,
		Events:         events,
		Hosts:          hosts,
	}, nil
}

func (s *Service) consumerFactory(ctx context.Context, t tenant.Tenant, spec connector.Spec) connector.ConsumerFactory {
	return func(h consumer.Handler) (connector.Consumer, error) {
		src, err := s.deps.Sources(ctx, t, spec)
		if err != nil {
			return nil, fmt.Errorf("build source: %w", err)
		}
		c, err := consumer.New(src, h, consumer.Config{
			TenantToken:  t.Token,
			Codec:        s.codec,
			CommitMode:   consumer.CommitMode(s.Conf.CommitMode),
			DrainTimeout: s.Conf.DrainTimeout,
			PollInterval: s.Conf.PollInterval,
			Logger:       s.Logger,
			Metrics:      s.metrics,
			Tracer:       s.deps.Tracer,
		})
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		return c, nil
	}
}

// Run refreshes the registry and listens for tenant notifications until
// ctx is done, then stops the service.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}
	var wg sync.WaitGroup
	if s.directory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.registry.Run(ctx, s.Conf.RefreshInterval)
		}()
	}
	var listenErr error
	if s.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listenErr = s.listener.Run(ctx)
		}()
	}
	s.Logger.Info("Tenantflow service running", loggingpkg.LogFields{"instance": s.Conf.InstanceID})

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout())
	defer cancel()
	err := s.Stop(stopCtx)
	wg.Wait()
	return errors.Join(err, listenErr)
}

// stopTimeout bounds Stop from Run: one consumer drain plus one engine
// initialization, with the component defaults for unset durations.
func (s *Service) stopTimeout() time.Duration {
	drain, startup := s.Conf.DrainTimeout, s.Conf.InitTimeout
	if drain <= 0 {
		drain = consumer.DefaultDrainTimeout
	}
	if startup <= 0 {
		startup = tenant.DefaultInitTimeout
	}
	return drain + startup
}

// Stop stops every tenant engine and closes shared transports. It is
// idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		var errs []error
		if s.registry != nil {
			errs = append(errs, s.registry.Stop(ctx))
		}
		errs = append(errs, s.closeAll())
		s.stopErr = errors.Join(errs...)
		s.Logger.Info("Tenantflow service stopped", nil)
	})
	return s.stopErr
}

func (s *Service) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewGRPCServer returns a gRPC server routing the tenant event service
// through the call router.
func (s *Service) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.router.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(s.router.StreamServerInterceptor()),
	}, opts...)
	server := grpc.NewServer(opts...)
	calls.RegisterEventService(server, calls.EventProxy{})
	return server
}

func (s *Service) Registry() *tenant.Registry      { return s.registry }
func (s *Service) Router() *calls.Router           { return s.router }
func (s *Service) Metrics() *metrics.Metrics       { return s.metrics }
func (s *Service) Transports() *transport.Registry { return s.transports }
func (s *Service) Codec() envelope.Codec           { return s.codec }
func (s *Service) Directory() tenant.Directory     { return s.directory }

// Running reports whether Run is active.
func (s *Service) Running() bool { return s.running.Load() }
