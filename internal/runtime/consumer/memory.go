package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSourceClosed is returned by a closed MemorySource.
var ErrSourceClosed = errors.New("source is closed")

// MemorySource is an in-process Source. It serves local development and
// tests; records are kept until the source is closed.
type MemorySource struct {
	mu        sync.Mutex
	wait      time.Duration
	maxPoll   int
	logs      map[PartitionKey][]Record
	position  map[PartitionKey]int64
	committed map[PartitionKey]int64
	paused    map[PartitionKey]bool
	notify    chan struct{}
	closed    bool
	commitErr error
	commits   int
}

// NewMemorySource returns a source whose Poll waits at most wait for new
// records and returns at most maxPoll records per partition.
func NewMemorySource(wait time.Duration, maxPoll int) *MemorySource {
	if wait <= 0 {
		wait = DefaultPollInterval
	}
	if maxPoll <= 0 {
		maxPoll = 500
	}
	return &MemorySource{
		wait:      wait,
		maxPoll:   maxPoll,
		logs:      make(map[PartitionKey][]Record),
		position:  make(map[PartitionKey]int64),
		committed: make(map[PartitionKey]int64),
		paused:    make(map[PartitionKey]bool),
		notify:    make(chan struct{}, 1),
	}
}

// Append adds a record to a partition and returns its offset.
func (s *MemorySource) Append(topic string, partition int32, key, value []byte) int64 {
	s.mu.Lock()
	pk := PartitionKey{Topic: topic, Partition: partition}
	offset := int64(len(s.logs[pk]))
	s.logs[pk] = append(s.logs[pk], Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return offset
}

// Poll implements Source.
func (s *MemorySource) Poll(ctx context.Context) ([]Batch, error) {
	if batches, err := s.take(); err != nil || len(batches) > 0 {
		return batches, err
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-s.notify:
	}
	return s.take()
}

func (s *MemorySource) take() ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	keys := make([]PartitionKey, 0, len(s.logs))
	for pk := range s.logs {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Partition < keys[j].Partition
	})
	var out []Batch
	for _, pk := range keys {
		if s.paused[pk] {
			continue
		}
		log := s.logs[pk]
		pos := s.position[pk]
		if pos >= int64(len(log)) {
			continue
		}
		end := min(pos+int64(s.maxPoll), int64(len(log)))
		records := append([]Record(nil), log[pos:end]...)
		s.position[pk] = end
		out = append(out, Batch{Topic: pk.Topic, Partition: pk.Partition, Records: records})
	}
	return out, nil
}

// Pause implements Source.
func (s *MemorySource) Pause(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[b.Key()] = true
}

// Resume implements Source.
func (s *MemorySource) Resume(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, b.Key())
}

// Commit implements Source. Offsets only move forward.
func (s *MemorySource) Commit(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.commitErr != nil {
		return s.commitErr
	}
	pk := b.Key()
	if next := b.NextOffset(); next > s.committed[pk] {
		s.committed[pk] = next
	}
	return nil
}

// Close implements Source.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Committed returns the committed next offset of a partition.
func (s *MemorySource) Committed(topic string, partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[PartitionKey{Topic: topic, Partition: partition}]
}

// Paused reports whether a partition is paused.
func (s *MemorySource) Paused(topic string, partition int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[PartitionKey{Topic: topic, Partition: partition}]
}

// Commits returns the number of commit attempts.
func (s *MemorySource) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// FailCommits makes every later commit return err. Nil restores success.
func (s *MemorySource) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Closed reports whether Close was called.
func (s *MemorySource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
