// Package kafkalog implements consumer.Source on a Kafka consumer group.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/drblury/tenantflow/internal/runtime/consumer"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// ErrNoSession is returned by Commit while the group is rebalancing.
var ErrNoSession = errors.New("kafkalog: no active consumer group session")

// ConsumerGroupFactory allows overriding the consumer group creation for
// testing.
var ConsumerGroupFactory = func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, groupID, cfg)
}

// Config holds the settings of one consumer group subscription.
type Config struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	ClientID       string
	Version        string
	InitialOffset  string
	MaxPollRecords int
	PollWait       time.Duration
	// BufferSize bounds the records held between the group and Poll.
	BufferSize int
}

func (c Config) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group id is required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("at least one topic is required"))
	}
	return errors.Join(errs...)
}

// SaramaConfig translates c into a sarama configuration. Offsets are only
// committed through Source.Commit.
func (c Config) SaramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version: %w", err)
		}
		sc.Version = v
	}
	switch strings.ToLower(c.InitialOffset) {
	case "", "oldest", "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest", "latest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("unknown initial offset %q", c.InitialOffset)
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return sc, nil
}

// Source buffers messages claimed by the group and hands them out per
// partition on Poll.
type Source struct {
	cfg     Config
	group   sarama.ConsumerGroup
	logger  logging.ServiceLogger
	records chan *sarama.ConsumerMessage

	mu      sync.Mutex
	session sarama.ConsumerGroupSession

	commitMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New joins the consumer group and starts consuming in the background.
func New(cfg Config, logger logging.ServiceLogger) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("kafkalog: %w", err)
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = consumer.DefaultPollInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.MaxPollRecords
	}
	if logger == nil {
		logger = logging.Discard()
	}
	sc, err := cfg.SaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("kafkalog: %w", err)
	}
	group, err := ConsumerGroupFactory(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkalog: create consumer group %s: %w", cfg.GroupID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:     cfg,
		group:   group,
		logger:  logger.With(logging.LogFields{"group": cfg.GroupID}),
		records: make(chan *sarama.ConsumerMessage, cfg.BufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.consume(ctx)
	go s.drainErrors(ctx)
	return s, nil
}

// consume rejoins the group after every rebalance until the source closes.
func (s *Source) consume(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.group.Consume(ctx, s.cfg.Topics, &groupHandler{src: s}); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("Consumer group session ended", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollWait):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Source) drainErrors(ctx context.Context) {
	errs := s.group.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("Consumer group error", err, nil)
		}
	}
}

// Poll waits up to the configured wait for the first message, then drains
// what is buffered up to MaxPollRecords and groups it per partition in
// arrival order.
func (s *Source) Poll(ctx context.Context) ([]consumer.Batch, error) {
	timer := time.NewTimer(s.cfg.PollWait)
	defer timer.Stop()

	var first *sarama.ConsumerMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, sarama.ErrClosedConsumerGroup
	case <-timer.C:
		return nil, nil
	case first = <-s.records:
	}

	msgs := []*sarama.ConsumerMessage{first}
drain:
	for len(msgs) < s.cfg.MaxPollRecords {
		select {
		case m := <-s.records:
			msgs = append(msgs, m)
		default:
			break drain
		}
	}
	return toBatches(msgs), nil
}

func toBatches(msgs []*sarama.ConsumerMessage) []consumer.Batch {
	index := make(map[consumer.PartitionKey]int)
	var out []consumer.Batch
	for _, m := range msgs {
		key := consumer.PartitionKey{Topic: m.Topic, Partition: m.Partition}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, consumer.Batch{Topic: m.Topic, Partition: m.Partition})
		}
		out[i].Records = append(out[i].Records, consumer.Record{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

// Pause stops fetching from the batch's partition.
func (s *Source) Pause(b consumer.Batch) {
	s.group.Pause(map[string][]int32{b.Topic: {b.Partition}})
}

// Resume restarts fetching from the batch's partition.
func (s *Source) Resume(b consumer.Batch) {
	s.group.Resume(map[string][]int32{b.Topic: {b.Partition}})
}

// Commit marks the batch consumed and flushes offsets to the broker.
func (s *Source) Commit(_ context.Context, b consumer.Batch) error {
	next := b.NextOffset()
	if next < 0 {
		return nil
	}
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	session.MarkOffset(b.Topic, b.Partition, next, "")
	session.Commit()
	return nil
}

// Close leaves the group and waits for the background consumer.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.group.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *Source) setSession(session sarama.ConsumerGroupSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

type groupHandler struct {
	src *Source
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.src.setSession(session)
	h.src.logger.Debug("Partitions assigned", logging.LogFields{
		"claims":     session.Claims(),
		"generation": session.GenerationID(),
	})
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.src.setSession(nil)
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.src.records <- msg:
			case <-session.Context().Done():
				return nil
			}
		}
	}
}
