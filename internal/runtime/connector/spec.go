package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/routing"
	"github.com/drblury/tenantflow/transport"
)

// SinkKind selects the broker an outbound connector publishes to.
type SinkKind string

const (
	SinkKafka    SinkKind = "kafka"
	SinkRabbitMQ SinkKind = "rabbitmq"
	SinkNATS     SinkKind = "nats"
	SinkAWS      SinkKind = "aws"
	SinkHTTP     SinkKind = "http"
	SinkChannel  SinkKind = "channel"
)

// SinkKinds lists every supported sink.
var SinkKinds = []SinkKind{SinkKafka, SinkRabbitMQ, SinkNATS, SinkAWS, SinkHTTP, SinkChannel}

// AWSSink holds SNS settings.
type AWSSink struct {
	Region          string `yaml:"region" json:"region"`
	AccountID       string `yaml:"accountId,omitempty" json:"accountId,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty" json:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty" json:"secretAccessKey,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// SinkSpec describes the broker of one connector. It implements
// transport.Config so the transport registry can build its publisher.
type SinkSpec struct {
	Kind       SinkKind `yaml:"kind" json:"kind"`
	Brokers    []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	ClientID   string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	URL        string   `yaml:"url,omitempty" json:"url,omitempty"`
	ClientName string   `yaml:"clientName,omitempty" json:"clientName,omitempty"`
	AWS        AWSSink  `yaml:"aws,omitempty" json:"aws,omitempty"`
}

// Validate checks the fields required by the sink kind.
func (s SinkSpec) Validate() error {
	switch s.Kind {
	case SinkKafka:
		if len(s.Brokers) == 0 {
			return errors.New("kafka sink requires brokers")
		}
	case SinkRabbitMQ, SinkNATS, SinkHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s sink requires a url", s.Kind)
		}
	case SinkAWS:
		if s.AWS.Region == "" {
			return errors.New("aws sink requires a region")
		}
	case SinkChannel:
	case "":
		return errors.New("sink kind is required")
	default:
		return fmt.Errorf("unknown sink kind %q", s.Kind)
	}
	return nil
}

func (s SinkSpec) GetPubSubSystem() string          { return string(s.Kind) }
func (s SinkSpec) GetTransportRole() transport.Role { return transport.RolePublisher }
func (s SinkSpec) GetKafkaBrokers() []string        { return s.Brokers }
func (s SinkSpec) GetKafkaConsumerGroup() string    { return "" }
func (s SinkSpec) GetKafkaClientID() string         { return s.ClientID }
func (s SinkSpec) GetRabbitMQURL() string           { return s.urlFor(SinkRabbitMQ) }
func (s SinkSpec) GetNATSURL() string               { return s.urlFor(SinkNATS) }
func (s SinkSpec) GetNATSClientName() string        { return s.ClientName }
func (s SinkSpec) GetHTTPServerAddress() string     { return "" }
func (s SinkSpec) GetHTTPPublisherURL() string      { return s.urlFor(SinkHTTP) }
func (s SinkSpec) GetAWSRegion() string             { return s.AWS.Region }
func (s SinkSpec) GetAWSAccountID() string          { return s.AWS.AccountID }
func (s SinkSpec) GetAWSAccessKeyID() string        { return s.AWS.AccessKeyID }
func (s SinkSpec) GetAWSSecretAccessKey() string    { return s.AWS.SecretAccessKey }
func (s SinkSpec) GetAWSEndpoint() string           { return s.AWS.Endpoint }

func (s SinkSpec) urlFor(kind SinkKind) string {
	if s.Kind != kind {
		return ""
	}
	return s.URL
}

// Spec is the configuration schema of one outbound connector. Exactly one
// of DestinationTopic, the multicast settings or RouteExpression is set.
type Spec struct {
	ID                   string        `yaml:"id" json:"id"`
	Sink                 SinkSpec      `yaml:"sink" json:"sink"`
	NumProcessingThreads int           `yaml:"numProcessingThreads,omitempty" json:"numProcessingThreads,omitempty"`
	DestinationTopic     string        `yaml:"destinationTopic,omitempty" json:"destinationTopic,omitempty"`
	Multicast            []string      `yaml:"multicast,omitempty" json:"multicast,omitempty"`
	MulticastExpression  string        `yaml:"multicastExpression,omitempty" json:"multicastExpression,omitempty"`
	RouteExpression      string        `yaml:"routeExpression,omitempty" json:"routeExpression,omitempty"`
	Filters              []filter.Rule `yaml:"filters,omitempty" json:"filters,omitempty"`
	MaxEventsPerSecond   float64       `yaml:"maxEventsPerSecond,omitempty" json:"maxEventsPerSecond,omitempty"`
	DeadLetterTopic      string        `yaml:"deadLetterTopic,omitempty" json:"deadLetterTopic,omitempty"`
}

// Routing compiles the routing settings. It does not require exactly one
// strategy; that is checked when the connector starts.
func (s Spec) Routing() (routing.Config, error) {
	cfg := routing.Config{DestinationTopic: s.DestinationTopic}
	switch {
	case len(s.Multicast) > 0 && s.MulticastExpression != "":
		return cfg, errors.New("multicast and multicastExpression are mutually exclusive")
	case len(s.Multicast) > 0:
		routes := make([]routing.Destination, len(s.Multicast))
		for i, r := range s.Multicast {
			routes[i] = routing.Destination(r)
		}
		cfg.Multicaster = routing.StaticMulticaster{Routes: routes}
	case s.MulticastExpression != "":
		m, err := routing.NewExpressionMulticaster(s.MulticastExpression)
		if err != nil {
			return cfg, err
		}
		cfg.Multicaster = m
	}
	if s.RouteExpression != "" {
		b, err := routing.NewExpressionRouteBuilder(s.RouteExpression)
		if err != nil {
			return cfg, err
		}
		cfg.RouteBuilder = b
	}
	return cfg, nil
}

// Validate reports every problem found in the connector configuration.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.NumProcessingThreads < 0 {
		errs = append(errs, errors.New("numProcessingThreads must not be negative"))
	}
	if s.MaxEventsPerSecond < 0 {
		errs = append(errs, errors.New("maxEventsPerSecond must not be negative"))
	}
	if err := s.Sink.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg, err := s.Routing(); err != nil {
		errs = append(errs, err)
	} else if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := filter.FromRules(s.Filters); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("connector %q: %w", s.ID, err)
	}
	return nil
}

type specFile struct {
	Connectors []Spec `yaml:"connectors" json:"connectors"`
}

// ParseSpecs reads a YAML document with a top-level "connectors" list.
func ParseSpecs(data []byte) ([]Spec, error) {
	var f specFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse connector specs: %w", err)
	}
	seen := make(map[string]bool, len(f.Connectors))
	var errs []error
	for _, s := range f.Connectors {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate connector id %q", s.ID))
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return f.Connectors, nil
}

// LoadSpecs reads connector specs from a YAML file.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connector specs: %w", err)
	}
	return ParseSpecs(data)
}

// BuildDeps are the shared collaborators used to build connectors.
type BuildDeps struct {
	TenantToken string
	Registry    *transport.Registry
	Codec       envelope.Codec
	Devices     routing.DeviceManagement
	Logger      logging.ServiceLogger
	Metrics     *metrics.Metrics
}

// Build creates the publisher connector described by s.
func Build(ctx context.Context, s Spec, deps BuildDeps) (*PublisherConnector, error) {
	if err := s.Sink.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("connector %q: %w", s.ID, err))
	}
	rcfg, err := s.Routing()
	if err != nil {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("connector %q: %w", s.ID, err))
	}
	chain, err := filter.FromRules(s.Filters)
	if err != nil {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("connector %q: %w", s.ID, err))
	}
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	codec := deps.Codec
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	t, err := registry.Build(ctx, s.Sink, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("connector %q: build %s sink: %w", s.ID, s.Sink.Kind, err)
	}
	caps := registry.GetCapabilities(string(s.Sink.Kind))
	if !caps.PreservesDeviceOrder() {
		logger.Warn("Sink does not preserve per-device ordering", nil, logging.LogFields{
			"tenant": deps.TenantToken, "connector": s.ID, "sink": caps.Name,
		})
	}
	if s.DeadLetterTopic == "" && caps.RequiresDLQEmulation() {
		logger.Debug("Failed batches will only be logged", logging.LogFields{"tenant": deps.TenantToken, "connector": s.ID})
	}
	return NewPublisherConnector(PublisherConfig{
		ID:                 s.ID,
		TenantToken:        deps.TenantToken,
		Threads:            s.NumProcessingThreads,
		Publisher:          t.Publisher,
		Codec:              codec,
		Routing:            rcfg,
		Devices:            deps.Devices,
		Filters:            chain,
		MaxEventsPerSecond: s.MaxEventsPerSecond,
		DeadLetterTopic:    s.DeadLetterTopic,
		Logger:             logger,
		Metrics:            deps.Metrics,
	})
}
