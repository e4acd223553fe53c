package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/jsoncodec"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// NotificationType is the kind of tenant model change.
type NotificationType string

const (
	NotificationAdded   NotificationType = "added"
	NotificationUpdated NotificationType = "updated"
	NotificationRemoved NotificationType = "removed"
)

// Notification announces a tenant model change on the tenant model updates
// topic. Tenant is optional; without it the listener looks the tenant up in
// its directory.
type Notification struct {
	Type   NotificationType `json:"type"`
	Token  string           `json:"token"`
	Tenant *Tenant          `json:"tenant,omitempty"`
}

// NewNotificationMessage encodes n as a watermill message.
func NewNotificationMessage(n Notification) (*message.Message, error) {
	if n.Token == "" && n.Tenant != nil {
		n.Token = n.Tenant.Token
	}
	if n.Token == "" {
		return nil, errspkg.ErrTenantTokenRequired
	}
	payload, err := jsoncodec.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode tenant notification: %w", err)
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set("tenant", n.Token)
	msg.Metadata.Set("notification", string(n.Type))
	return msg, nil
}

// ListenerConfig configures a NotificationListener.
type ListenerConfig struct {
	Subscriber message.Subscriber
	Topic      string
	Registry   *Registry
	// Directory resolves notifications that carry only a token.
	Directory Directory
	Logger    logging.ServiceLogger
}

// NotificationListener applies tenant model notifications to a registry.
type NotificationListener struct {
	cfg    ListenerConfig
	logger logging.ServiceLogger
}

func NewNotificationListener(cfg ListenerConfig) (*NotificationListener, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("tenantflow: notification subscriber is required")
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &NotificationListener{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.LogFields{"component": "tenant-notifications", "topic": cfg.Topic}),
	}, nil
}

// Run consumes notifications until ctx is done or the subscription closes.
// Every message is acked: a notification that cannot be applied is logged
// and left for the next registry refresh.
func (l *NotificationListener) Run(ctx context.Context) error {
	msgs, err := l.cfg.Subscriber.Subscribe(ctx, l.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.cfg.Topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			l.handleMessage(ctx, msg)
			msg.Ack()
		}
	}
}

func (l *NotificationListener) handleMessage(ctx context.Context, msg *message.Message) {
	var n Notification
	if err := jsoncodec.Unmarshal(msg.Payload, &n); err != nil {
		l.logger.Warn("Dropping malformed tenant notification", err, logging.LogFields{"message_id": msg.UUID})
		return
	}
	if err := l.Apply(ctx, n); err != nil {
		l.logger.Warn("Tenant notification not applied", err, logging.LogFields{
			"message_id": msg.UUID, "token": n.Token, "type": string(n.Type),
		})
	}
}

// Apply applies one notification to the registry.
func (l *NotificationListener) Apply(ctx context.Context, n Notification) error {
	if n.Token == "" && n.Tenant != nil {
		n.Token = n.Tenant.Token
	}
	if n.Token == "" {
		return errspkg.ErrTenantTokenRequired
	}
	switch n.Type {
	case NotificationRemoved:
		return l.cfg.Registry.Remove(ctx, n.Token)
	case NotificationAdded, NotificationUpdated:
		t, err := l.tenant(ctx, n)
		if err != nil {
			return err
		}
		if n.Type == NotificationAdded {
			_, err = l.cfg.Registry.Add(ctx, t)
		} else {
			_, err = l.cfg.Registry.Update(ctx, t)
		}
		return err
	default:
		return fmt.Errorf("unknown tenant notification type %q", n.Type)
	}
}

func (l *NotificationListener) tenant(ctx context.Context, n Notification) (Tenant, error) {
	if n.Tenant != nil {
		t := *n.Tenant
		t.Token = n.Token
		return t, nil
	}
	if l.cfg.Directory == nil {
		return Tenant{Token: n.Token}, nil
	}
	t, ok, err := l.cfg.Directory.Get(ctx, n.Token)
	if err != nil {
		return Tenant{}, err
	}
	if !ok {
		return Tenant{}, fmt.Errorf("tenant %q not found in directory", n.Token)
	}
	return t, nil
}
