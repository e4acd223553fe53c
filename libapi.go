package tenantflow

import (
	runtimepkg "github.com/drblury/tenantflow/internal/runtime"
	callspkg "github.com/drblury/tenantflow/internal/runtime/calls"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	connectorpkg "github.com/drblury/tenantflow/internal/runtime/connector"
	consumerpkg "github.com/drblury/tenantflow/internal/runtime/consumer"
	envelopepkg "github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	filterpkg "github.com/drblury/tenantflow/internal/runtime/filter"
	idspkg "github.com/drblury/tenantflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/tenantflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/tenantflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/tenantflow/internal/runtime/metrics"
	namingpkg "github.com/drblury/tenantflow/internal/runtime/naming"
	routingpkg "github.com/drblury/tenantflow/internal/runtime/routing"
	tenantpkg "github.com/drblury/tenantflow/internal/runtime/tenant"
	transportpkg "github.com/drblury/tenantflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	SourceFactory       = runtimepkg.SourceFactory
	InboundLog          = runtimepkg.InboundLog
	ResourceUsage       = runtimepkg.ResourceUsage

	// Tenant engines
	Tenant            = tenantpkg.Tenant
	TenantState       = tenantpkg.State
	TenantStatus      = tenantpkg.Status
	Engine            = tenantpkg.Engine
	EngineFactory     = tenantpkg.EngineFactory
	EngineFactoryFunc = tenantpkg.EngineFactoryFunc
	EngineResources   = tenantpkg.Resources
	EventManagement   = tenantpkg.EventManagement
	Registry          = tenantpkg.Registry
	RegistryConfig    = tenantpkg.Config
	Directory         = tenantpkg.Directory
	StaticDirectory   = tenantpkg.StaticDirectory
	YAMLDirectory     = tenantpkg.YAMLDirectory
	RedisDirectory    = tenantpkg.RedisDirectory
	Notification      = tenantpkg.Notification
	NotificationType  = tenantpkg.NotificationType

	// Events
	Envelope       = envelopepkg.Envelope
	EnvelopeFields = envelopepkg.Fields
	Codec          = envelopepkg.Codec
	JSONCodec      = envelopepkg.JSONCodec
	ProtoCodec     = envelopepkg.ProtoCodec
	Metadata       = metadatapkg.Metadata

	// Filtering and routing
	FilterRule        = filterpkg.Rule
	FilterChain       = filterpkg.Chain
	Filter            = filterpkg.Filter
	FilterOperation   = filterpkg.Operation
	RoutingConfig     = routingpkg.Config
	Destination       = routingpkg.Destination
	DeviceManagement  = routingpkg.DeviceManagement
	Device            = routingpkg.Device
	Assignment        = routingpkg.Assignment
	Multicaster       = routingpkg.Multicaster
	RouteBuilder      = routingpkg.RouteBuilder
	StaticMulticaster = routingpkg.StaticMulticaster

	// Consumption and connectors
	ConsumerConfig  = consumerpkg.Config
	CommitMode      = consumerpkg.CommitMode
	Source          = consumerpkg.Source
	Record          = consumerpkg.Record
	Batch           = consumerpkg.Batch
	MemorySource    = consumerpkg.MemorySource
	ConnectorSpec   = connectorpkg.Spec
	SinkSpec        = connectorpkg.SinkSpec
	SinkKind        = connectorpkg.SinkKind
	ConnectorHost   = connectorpkg.Host
	ConnectorStatus = connectorpkg.Status

	// Synchronous calls
	CallRouter   = callspkg.Router
	EventService = callspkg.EventService
	EventClient  = callspkg.EventClient

	Metrics = metricspkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TenantUnavailableError    = errspkg.TenantUnavailableError
	MalformedCallContextError = errspkg.MalformedCallContextError
	DecodeError               = errspkg.DecodeError
	ConnectorDeliveryError    = errspkg.ConnectorDeliveryError
	ConnectorStartupError     = errspkg.ConnectorStartupError
	ConfigValidationError     = errspkg.ConfigValidationError

	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewRegistry             = tenantpkg.NewRegistry
	NewStaticDirectory      = tenantpkg.NewStaticDirectory
	NewRedisDirectory       = tenantpkg.NewRedisDirectory
	ParseTenants            = tenantpkg.ParseTenants
	NewNotificationMessage  = tenantpkg.NewNotificationMessage
	NewNotificationListener = tenantpkg.NewNotificationListener

	NewEnvelope = envelopepkg.New

	NewFilterChain       = filterpkg.NewChain
	FilterChainFromRules = filterpkg.FromRules

	ParseConnectorSpecs = connectorpkg.ParseSpecs
	LoadConnectorSpecs  = connectorpkg.LoadSpecs
	BuildConnector      = connectorpkg.Build
	NewConnectorHost    = connectorpkg.NewHost
	NewConsumer         = consumerpkg.New
	NewMemorySource     = consumerpkg.NewMemorySource

	NewCallRouter           = callspkg.NewRouter
	WithTenant              = callspkg.WithTenant
	TokenFromIncoming       = callspkg.TokenFromIncoming
	UnaryClientInterceptor  = callspkg.UnaryClientInterceptor
	StreamClientInterceptor = callspkg.StreamClientInterceptor
	NewEventService         = callspkg.NewEventService
	NewEventClient          = callspkg.NewEventClient
	RegisterEventService    = callspkg.RegisterEventService

	NewMetrics = metricspkg.New

	TenantTopic   = namingpkg.TenantTopic
	ConsumerGroup = namingpkg.ConsumerGroup

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrTenantUnavailable    = errspkg.ErrTenantUnavailable
	ErrMalformedCallContext = errspkg.ErrMalformedCallContext
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrRegistryRequired     = errspkg.ErrRegistryRequired
	ErrConnectorRequired    = errspkg.ErrConnectorRequired
	ErrSourceRequired       = errspkg.ErrSourceRequired
	ErrCodecRequired        = errspkg.ErrCodecRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrTenantTokenRequired  = errspkg.ErrTenantTokenRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	DiscardLogger        = loggingpkg.Discard

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Tenant engine states.
const (
	TenantUnavailable  = tenantpkg.StateUnavailable
	TenantInitializing = tenantpkg.StateInitializing
	TenantAvailable    = tenantpkg.StateAvailable
	TenantStopping     = tenantpkg.StateStopping
	TenantFailed       = tenantpkg.StateFailed
)

// Filter operations.
const (
	Include = filterpkg.Include
	Exclude = filterpkg.Exclude
)

// Offset commit modes.
const (
	CommitOnDispatch  = consumerpkg.CommitOnDispatch
	CommitOnProcessed = consumerpkg.CommitOnProcessed
)

// Tenant notification types.
const (
	NotificationAdded   = tenantpkg.NotificationAdded
	NotificationUpdated = tenantpkg.NotificationUpdated
	NotificationRemoved = tenantpkg.NotificationRemoved
)

// CallMetadataKey is the gRPC metadata key carrying the tenant token.
const CallMetadataKey = callspkg.MetadataKey

// Topic purposes understood by TenantTopic.
const (
	PurposeInboundEvents       = namingpkg.PurposeInboundEvents
	PurposeOutboundEvents      = namingpkg.PurposeOutboundEvents
	PurposeEnrichedEvents      = namingpkg.PurposeEnrichedEvents
	PurposeUnregisteredDevices = namingpkg.PurposeUnregisteredDevices
)
