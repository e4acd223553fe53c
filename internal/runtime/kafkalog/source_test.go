package kafkalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/internal/runtime/consumer"
)

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marked  map[int32]int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"t": {0, 1}} }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[partition] = offset
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) ResetOffset(string, int32, int64, string)     {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}

type fakeClaim struct {
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "t" }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type fakeGroup struct {
	claims  map[int32]*fakeClaim
	session *fakeSession
	ready   chan struct{}
	errs    chan error

	mu      sync.Mutex
	paused  map[int32]bool
	closed  bool
	started bool
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		claims: map[int32]*fakeClaim{
			0: {partition: 0, messages: make(chan *sarama.ConsumerMessage, 16)},
			1: {partition: 1, messages: make(chan *sarama.ConsumerMessage, 16)},
		},
		ready:  make(chan struct{}),
		errs:   make(chan error),
		paused: map[int32]bool{},
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	g.started = true
	g.mu.Unlock()

	g.session = &fakeSession{ctx: ctx, marked: map[int32]int64{}}
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, c := range g.claims {
		wg.Add(1)
		go func(c *fakeClaim) {
			defer wg.Done()
			_ = handler.ConsumeClaim(g.session, c)
		}(c)
	}
	close(g.ready)
	wg.Wait()
	return handler.Cleanup(g.session)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) Pause(partitions map[string][]int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range partitions["t"] {
		g.paused[p] = true
	}
}

func (g *fakeGroup) Resume(partitions map[string][]int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range partitions["t"] {
		delete(g.paused, p)
	}
}

func (g *fakeGroup) PauseAll()  {}
func (g *fakeGroup) ResumeAll() {}

func (g *fakeGroup) isPaused(p int32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused[p]
}

func (g *fakeGroup) produce(partition int32, offset int64, value string) {
	g.claims[partition].messages <- &sarama.ConsumerMessage{
		Topic: "t", Partition: partition, Offset: offset, Value: []byte(value), Timestamp: time.Now(),
	}
}

func withFakeGroup(t *testing.T) *fakeGroup {
	t.Helper()
	g := newFakeGroup()
	orig := ConsumerGroupFactory
	var got *sarama.Config
	ConsumerGroupFactory = func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
		got = cfg
		assert.Equal(t, []string{"localhost:9092"}, brokers)
		assert.Equal(t, "prod.acme.webhook", groupID)
		return g, nil
	}
	t.Cleanup(func() {
		ConsumerGroupFactory = orig
		if got != nil {
			assert.False(t, got.Consumer.Offsets.AutoCommit.Enable)
		}
	})
	return g
}

func testConfig() Config {
	return Config{
		Brokers:  []string{"localhost:9092"},
		GroupID:  "prod.acme.webhook",
		Topics:   []string{"t"},
		PollWait: 20 * time.Millisecond,
	}
}

func TestPollGroupsRecordsPerPartition(t *testing.T) {
	g := withFakeGroup(t)
	src, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer src.Close()
	<-g.ready

	g.produce(0, 0, "a")
	g.produce(0, 1, "b")
	g.produce(1, 7, "c")

	var batches []consumer.Batch
	require.Eventually(t, func() bool {
		polled, _ := src.Poll(context.Background())
		batches = append(batches, polled...)
		n := 0
		for _, b := range batches {
			n += len(b.Records)
		}
		return n == 3
	}, time.Second, time.Millisecond)

	byPartition := map[int32][]int64{}
	for _, b := range batches {
		for _, r := range b.Records {
			assert.Equal(t, b.Partition, r.Partition)
			byPartition[b.Partition] = append(byPartition[b.Partition], r.Offset)
		}
	}
	assert.Equal(t, []int64{0, 1}, byPartition[0])
	assert.Equal(t, []int64{7}, byPartition[1])
}

func TestPollTimesOutEmpty(t *testing.T) {
	g := withFakeGroup(t)
	src, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer src.Close()
	<-g.ready

	batches, err := src.Poll(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, batches)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommitMarksNextOffset(t *testing.T) {
	g := withFakeGroup(t)
	src, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer src.Close()
	<-g.ready

	b := consumer.Batch{Topic: "t", Partition: 1, Records: []consumer.Record{{Offset: 4}, {Offset: 5}}}
	require.NoError(t, src.Commit(context.Background(), b))
	require.NoError(t, src.Commit(context.Background(), consumer.Batch{Topic: "t", Partition: 0}))

	g.session.mu.Lock()
	defer g.session.mu.Unlock()
	assert.Equal(t, int64(6), g.session.marked[1])
	assert.Equal(t, 1, g.session.commits)
}

func TestCommitWithoutSession(t *testing.T) {
	g := withFakeGroup(t)
	src, err := New(testConfig(), nil)
	require.NoError(t, err)
	<-g.ready
	require.NoError(t, src.Close())

	err = src.Commit(context.Background(), consumer.Batch{Topic: "t", Records: []consumer.Record{{Offset: 1}}})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.True(t, g.closed)
	assert.NoError(t, src.Close())
}

func TestPauseResume(t *testing.T) {
	g := withFakeGroup(t)
	src, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer src.Close()

	b := consumer.Batch{Topic: "t", Partition: 1}
	src.Pause(b)
	assert.True(t, g.isPaused(1))
	src.Resume(b)
	assert.False(t, g.isPaused(1))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")

	cfg := testConfig()
	cfg.InitialOffset = "middle"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	orig := ConsumerGroupFactory
	defer func() { ConsumerGroupFactory = orig }()
	ConsumerGroupFactory = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, errors.New("no brokers reachable")
	}
	_, err = New(testConfig(), nil)
	assert.ErrorContains(t, err, "no brokers reachable")
}

func TestSaramaConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ClientID = "tenantflow"
	cfg.Version = "3.5.0"
	cfg.InitialOffset = "newest"
	sc, err := cfg.SaramaConfig()
	require.NoError(t, err)
	assert.Equal(t, "tenantflow", sc.ClientID)
	assert.Equal(t, sarama.V3_5_0_0, sc.Version)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)

	cfg.Version = "banana"
	_, err = cfg.SaramaConfig()
	assert.Error(t, err)
}
