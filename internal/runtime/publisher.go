package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/internal/runtime/connector"
	"github.com/drblury/tenantflow/internal/runtime/consumer"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/transport/kafka"
)

// InboundLog appends encoded events to a tenant's partitioned log.
type InboundLog interface {
	Append(ctx context.Context, topic string, e *envelope.Envelope, payload []byte) error
}

// NewMessageFromEnvelope converts an encoded envelope into a watermill
// message keyed by device so partitioning keeps per-device order.
func NewMessageFromEnvelope(e *envelope.Envelope, payload []byte, contentType string) (*message.Message, error) {
	if e == nil || len(payload) == 0 {
		return nil, errspkg.ErrEventPayloadRequired
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(kafka.KeyMetadata, e.DeviceID())
	msg.Metadata.Set(connector.MetadataEventID, e.ID())
	msg.Metadata.Set(connector.MetadataContentType, contentType)
	return msg, nil
}

// publisherLog appends through a watermill publisher, typically the kafka
// transport writing to the same topics the log source reads.
type publisherLog struct {
	publisher   message.Publisher
	contentType string
}

func (l *publisherLog) Append(ctx context.Context, topic string, e *envelope.Envelope, payload []byte) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	msg, err := NewMessageFromEnvelope(e, payload, l.contentType)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return l.publisher.Publish(topic, msg)
}

// memoryLog fans appended events out to every in-process source reading
// the topic, one per connector consumer group.
type memoryLog struct {
	mu      sync.Mutex
	sources map[string][]*consumer.MemorySource
}

func newMemoryLog() *memoryLog {
	return &memoryLog{sources: make(map[string][]*consumer.MemorySource)}
}

// subscribe registers a new source for topic. Closed sources are pruned.
func (l *memoryLog) subscribe(topic string, src *consumer.MemorySource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := l.sources[topic][:0]
	for _, s := range l.sources[topic] {
		if !s.Closed() {
			live = append(live, s)
		}
	}
	l.sources[topic] = append(live, src)
}

func (l *memoryLog) Append(_ context.Context, topic string, e *envelope.Envelope, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources[topic] {
		if !s.Closed() {
			s.Append(topic, 0, []byte(e.DeviceID()), payload)
		}
	}
	return nil
}

// eventStore is the default tenant event store. It keeps the most recent
// events for lookup and appends every added event to the tenant's inbound
// log, where the tenant's connectors consume it.
type eventStore struct {
	topic    string
	codec    envelope.Codec
	log      InboundLog
	logger   logging.ServiceLogger
	capacity int

	mu     sync.RWMutex
	events map[string]*envelope.Envelope
	order  []string
}

const defaultEventStoreCapacity = 10000

func newEventStore(topic string, codec envelope.Codec, log InboundLog, logger logging.ServiceLogger) *eventStore {
	return &eventStore{
		topic:    topic,
		codec:    codec,
		log:      log,
		logger:   logger,
		capacity: defaultEventStoreCapacity,
		events:   make(map[string]*envelope.Envelope),
	}
}

func (s *eventStore) AddEvents(ctx context.Context, events ...*envelope.Envelope) error {
	for _, e := range events {
		payload, err := s.codec.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID(), err)
		}
		if err := s.log.Append(ctx, s.topic, e, payload); err != nil {
			return fmt.Errorf("append event %s to %s: %w", e.ID(), s.topic, err)
		}
		s.remember(e)
	}
	s.logger.Debug("Events added", logging.LogFields{"topic": s.topic, "count": len(events)})
	return nil
}

func (s *eventStore) remember(e *envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID()]; !ok {
		s.order = append(s.order, e.ID())
	}
	s.events[e.ID()] = e
	for len(s.order) > s.capacity {
		delete(s.events, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *eventStore) GetEvent(_ context.Context, id string) (*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[id], nil
}
