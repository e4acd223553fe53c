package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

const topic = "prod.tenant.acme.outbound-events"

type fakeHandler struct {
	ready   atomic.Bool
	threads int
	chain   *filter.Chain
	fail    error
	block   chan struct{}
	// holdID restricts block to batches carrying this event ID.
	holdID string

	mu        sync.Mutex
	delivered []string
	failed    []error
}

func newHandler() *fakeHandler {
	h := &fakeHandler{threads: 2}
	h.ready.Store(true)
	return h
}

func (h *fakeHandler) ConnectorID() string       { return "webhook" }
func (h *fakeHandler) NumProcessingThreads() int { return h.threads }
func (h *fakeHandler) Ready() bool               { return h.ready.Load() }
func (h *fakeHandler) Filters() *filter.Chain    { return h.chain }

func (h *fakeHandler) ProcessEventBatch(ctx context.Context, events []*envelope.Envelope) error {
	if h.block != nil && (h.holdID == "" || carries(events, h.holdID)) {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.fail != nil {
		return h.fail
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		h.delivered = append(h.delivered, e.ID())
	}
	return nil
}

func carries(events []*envelope.Envelope, id string) bool {
	for _, e := range events {
		if e.ID() == id {
			return true
		}
	}
	return false
}

func (h *fakeHandler) HandleFailedBatch(_ context.Context, _ []*envelope.Envelope, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, cause)
}

func (h *fakeHandler) Delivered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.delivered...)
}

func (h *fakeHandler) Failed() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.failed...)
}

func encode(t *testing.T, f envelope.Fields) []byte {
	t.Helper()
	data, err := envelope.JSONCodec{}.Encode(envelope.New(f))
	require.NoError(t, err)
	return data
}

func newConsumer(t *testing.T, src Source, h Handler, mutate func(*Config)) (*Consumer, *logging.Recorder) {
	t.Helper()
	rec := logging.NewRecorder()
	cfg := Config{
		TenantToken:  "acme",
		Codec:        envelope.JSONCodec{},
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: time.Second,
		Logger:       rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(src, h, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, rec
}

func TestBatchWithUndecodableRecord(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	for i := 1; i <= 10; i++ {
		if i == 5 {
			src.Append(topic, 0, nil, []byte("{not json"))
			continue
		}
		src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: fmt.Sprintf("e%d", i)}))
	}
	h := newHandler()
	h.threads = 1
	c, rec := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.Delivered()) == 9 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.Committed(topic, 0) == 10 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, h.Delivered(), "e5")

	warnings := rec.Filter("warn")
	require.Len(t, warnings, 1)
	var derr *errspkg.DecodeError
	require.ErrorAs(t, warnings[0].Err, &derr)
	assert.Equal(t, int64(4), derr.Offset)
	assert.Empty(t, h.Failed())
}

func TestBatchesDeferredWhileConnectorNotStarted(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	h := newHandler()
	h.threads = 1
	h.ready.Store(false)
	c, _ := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 3; i++ {
		src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: fmt.Sprintf("e%d", i)}))
	}
	require.Eventually(t, func() bool { return src.Paused(topic, 0) && c.Deferred() == 1 }, time.Second, 5*time.Millisecond)

	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e3"}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.Delivered())
	assert.Zero(t, src.Commits())

	h.ready.Store(true)
	require.Eventually(t, func() bool { return len(h.Delivered()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e0", "e1", "e2"}, h.Delivered()[:3])
	assert.False(t, src.Paused(topic, 0))
	require.Eventually(t, func() bool { return src.Committed(topic, 0) == 4 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Deferred())
}

func TestFailedBatchIsHandledAndCommitted(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	src.Append(topic, 1, nil, encode(t, envelope.Fields{ID: "e1"}))
	h := newHandler()
	h.fail = errors.New("sink rejected")
	c, _ := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.Failed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, h.Failed()[0], "sink rejected")
	require.Eventually(t, func() bool { return src.Committed(topic, 1) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFilterChainWithholdsEvents(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "a1", AreaID: "A1"}))
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "a2", AreaID: "A2"}))
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "none"}))
	h := newHandler()
	h.chain = filter.NewChain(filter.Area("A1", filter.Exclude))
	c, rec := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.Delivered()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a2", "none"}, h.Delivered())

	var withheld []logging.Entry
	for _, e := range rec.Filter("trace") {
		if e.Message == "Event withheld by filter" {
			withheld = append(withheld, e)
		}
	}
	require.Len(t, withheld, 1)
	assert.Equal(t, "a1", withheld[0].Fields["event"])
	assert.Equal(t, "exclude area=A1", withheld[0].Fields["filter"])
}

func TestCommitOnProcessedWaitsForConnector(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e1"}))
	h := newHandler()
	h.block = make(chan struct{})
	c, _ := newConsumer(t, src, h, func(cfg *Config) { cfg.CommitMode = CommitOnProcessed })
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.Stats().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, src.Commits())

	close(h.block)
	require.Eventually(t, func() bool { return src.Committed(topic, 0) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCommitOnProcessedNeverPassesUnfinishedBatch(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 1)
	for _, id := range []string{"e1", "e2", "e3"} {
		src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: id}))
	}
	h := newHandler()
	h.threads = 2
	h.block = make(chan struct{})
	h.holdID = "e1"
	c, _ := newConsumer(t, src, h, func(cfg *Config) { cfg.CommitMode = CommitOnProcessed })
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.Delivered()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e2", "e3"}, h.Delivered())
	assert.Zero(t, src.Committed(topic, 0))

	close(h.block)
	require.Eventually(t, func() bool { return src.Committed(topic, 0) == 3 }, time.Second, 5*time.Millisecond)
}

func TestCommitOnDispatchDoesNotWaitForConnector(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e1"}))
	h := newHandler()
	h.block = make(chan struct{})
	c, _ := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return src.Committed(topic, 0) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Delivered())
	close(h.block)
	require.Eventually(t, func() bool { return len(h.Delivered()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCommitFailureIsLoggedAndPollingContinues(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 1)
	src.FailCommits(errors.New("coordinator unavailable"))
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e1"}))
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e2"}))
	h := newHandler()
	c, rec := newConsumer(t, src, h, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return len(h.Delivered()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.Filter("warn")) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, src.Committed(topic, 0))
}

func TestStopIsIdempotentAndBounded(t *testing.T) {
	src := NewMemorySource(5*time.Millisecond, 100)
	src.Append(topic, 0, nil, encode(t, envelope.Fields{ID: "e1"}))
	h := newHandler()
	h.block = make(chan struct{})
	c, rec := newConsumer(t, src, h, func(cfg *Config) { cfg.DrainTimeout = 50 * time.Millisecond })
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Stats().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, c.Stop(context.Background()))
	assert.True(t, src.Closed())
	assert.NotEmpty(t, rec.Filter("warn"))
	assert.Error(t, c.Start(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	src := NewMemorySource(0, 0)
	c, _ := newConsumer(t, src, newHandler(), nil)
	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, src.Closed())
}

func TestNewValidates(t *testing.T) {
	src := NewMemorySource(0, 0)
	h := newHandler()
	_, err := New(nil, h, Config{Codec: envelope.JSONCodec{}})
	assert.ErrorIs(t, err, errspkg.ErrSourceRequired)
	_, err = New(src, nil, Config{Codec: envelope.JSONCodec{}})
	assert.ErrorIs(t, err, errspkg.ErrConnectorRequired)
	_, err = New(src, h, Config{})
	assert.ErrorIs(t, err, errspkg.ErrCodecRequired)
	_, err = New(src, h, Config{Codec: envelope.JSONCodec{}, CommitMode: "eventually"})
	assert.Error(t, err)
}

func TestParseCommitMode(t *testing.T) {
	mode, err := ParseCommitMode("")
	require.NoError(t, err)
	assert.Equal(t, CommitOnDispatch, mode)
	mode, err = ParseCommitMode(" Processed ")
	require.NoError(t, err)
	assert.Equal(t, CommitOnProcessed, mode)
}

func TestBatchNextOffset(t *testing.T) {
	assert.Equal(t, int64(-1), Batch{}.NextOffset())
	b := Batch{Topic: "t", Partition: 3, Records: []Record{{Offset: 7}, {Offset: 8}}}
	assert.Equal(t, int64(9), b.NextOffset())
	assert.Equal(t, PartitionKey{Topic: "t", Partition: 3}, b.Key())
}
