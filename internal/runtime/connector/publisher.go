package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/time/rate"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/tenantflow/internal/runtime/metadata"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/routing"
)

// Metadata keys set on every published message.
const (
	MetadataContentType = "content_type"
	MetadataTenant      = "tenant"
	MetadataEventID     = "event_id"
	MetadataEventType   = "event_type"
	MetadataDeviceID    = "device_id"
	MetadataFailure     = "failure"
)

// PublisherConfig configures a PublisherConnector.
type PublisherConfig struct {
	ID          string
	TenantToken string
	Threads     int
	Publisher   message.Publisher
	Codec       envelope.Codec
	Routing     routing.Config
	Devices     routing.DeviceManagement
	Filters     *filter.Chain
	// MaxEventsPerSecond limits routed events; zero disables the limit.
	MaxEventsPerSecond float64
	// DeadLetterTopic receives events of failed batches when set.
	DeadLetterTopic string
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
}

// PublisherConnector delivers events through a watermill publisher to the
// destinations chosen by its router.
type PublisherConnector struct {
	cfg     PublisherConfig
	logger  logging.ServiceLogger
	limiter *rate.Limiter

	mu     sync.RWMutex
	router *routing.Router
}

// NewPublisherConnector checks the required collaborators. The routing
// configuration is validated when the connector starts.
func NewPublisherConnector(cfg PublisherConfig) (*PublisherConnector, error) {
	if cfg.ID == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("connector id is required"))
	}
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Codec == nil {
		return nil, errspkg.ErrCodecRequired
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p := &PublisherConnector{
		cfg: cfg,
		logger: cfg.Logger.With(logging.LogFields{
			"tenant":    cfg.TenantToken,
			"connector": cfg.ID,
		}),
	}
	if cfg.MaxEventsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxEventsPerSecond), max(1, int(cfg.MaxEventsPerSecond)))
	}
	return p, nil
}

func (p *PublisherConnector) ConnectorID() string       { return p.cfg.ID }
func (p *PublisherConnector) NumProcessingThreads() int { return p.cfg.Threads }
func (p *PublisherConnector) Filters() *filter.Chain    { return p.cfg.Filters }

// Initialize implements Lifecycle.
func (p *PublisherConnector) Initialize(context.Context) error { return nil }

// Start validates the routing configuration.
func (p *PublisherConnector) Start(context.Context) error {
	router, err := routing.New(p.cfg.ID, p.cfg.Routing, p.cfg.Devices)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.router = router
	p.mu.Unlock()
	p.logger.Debug("Publisher connector routing", logging.LogFields{"mode": router.Mode().String()})
	return nil
}

// Stop closes the publisher.
func (p *PublisherConnector) Stop(context.Context) error {
	p.mu.Lock()
	p.router = nil
	p.mu.Unlock()
	return p.cfg.Publisher.Close()
}

// ProcessEventBatch routes every event. Per-destination failures do not
// stop delivery of the remaining events; they are joined into the returned
// error.
func (p *PublisherConnector) ProcessEventBatch(ctx context.Context, events []*envelope.Envelope) error {
	p.mu.RLock()
	router := p.router
	p.mu.RUnlock()
	if router == nil {
		return errspkg.ErrConnectorNotStarted
	}

	var errs []error
	for _, e := range events {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		res, err := router.Route(ctx, e, p.publish)
		if err != nil {
			p.cfg.Metrics.RecordRouteFailures(p.cfg.TenantToken, p.cfg.ID, 1)
			errs = append(errs, err)
			continue
		}
		p.cfg.Metrics.RecordRouteFailures(p.cfg.TenantToken, p.cfg.ID, len(res.Failed))
		if rerr := res.Err(); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	return errors.Join(errs...)
}

func (p *PublisherConnector) publish(_ context.Context, dest routing.Destination, e *envelope.Envelope) error {
	msg, err := p.message(e)
	if err != nil {
		return err
	}
	return p.cfg.Publisher.Publish(string(dest), msg)
}

func (p *PublisherConnector) message(e *envelope.Envelope) (*message.Message, error) {
	payload, err := p.cfg.Codec.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID(), err)
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(e.Metadata())
	msg.Metadata.Set(MetadataContentType, p.cfg.Codec.ContentType())
	msg.Metadata.Set(MetadataTenant, p.cfg.TenantToken)
	msg.Metadata.Set(MetadataEventID, e.ID())
	if t := e.EventType(); t != "" {
		msg.Metadata.Set(MetadataEventType, t)
	}
	if d := e.DeviceID(); d != "" {
		msg.Metadata.Set(MetadataDeviceID, d)
	}
	return msg, nil
}

// HandleFailedBatch logs the failure and forwards the events to the dead
// letter topic when one is configured.
func (p *PublisherConnector) HandleFailedBatch(_ context.Context, events []*envelope.Envelope, cause error) {
	p.logger.Warn("Event batch delivery failed", cause, logging.LogFields{"events": len(events)})
	if p.cfg.DeadLetterTopic == "" {
		return
	}
	msgs := make([]*message.Message, 0, len(events))
	for _, e := range events {
		msg, err := p.message(e)
		if err != nil {
			p.logger.Warn("Skipping event for dead letter topic", err, logging.LogFields{"event_id": e.ID()})
			continue
		}
		if cause != nil {
			msg.Metadata.Set(MetadataFailure, cause.Error())
		}
		msgs = append(msgs, msg)
	}
	if err := p.cfg.Publisher.Publish(p.cfg.DeadLetterTopic, msgs...); err != nil {
		p.logger.Error("Publishing to dead letter topic failed", err, logging.LogFields{"topic": p.cfg.DeadLetterTopic})
		return
	}
	p.cfg.Metrics.RecordDeadLettered(p.cfg.TenantToken, p.cfg.ID, len(msgs))
}
