// Package consumer drives one tenant connector from a partitioned log: it
// polls batches, defers them while the connector is not started, processes
// them on a bounded worker pool and commits offsets.
package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/workerpool"
)

// DefaultDrainTimeout bounds Stop when Config.DrainTimeout is zero.
const DefaultDrainTimeout = 10 * time.Second

// DefaultPollInterval is the idle wait between unproductive poll cycles.
const DefaultPollInterval = 100 * time.Millisecond

// CommitMode selects when offsets are committed.
type CommitMode string

const (
	// CommitOnDispatch commits asynchronously as soon as a batch has been
	// accepted by the worker pool. A crash before processing finishes loses
	// that batch.
	CommitOnDispatch CommitMode = "dispatch"
	// CommitOnProcessed commits after the connector has handled the batch.
	CommitOnProcessed CommitMode = "processed"
)

// ParseCommitMode accepts "dispatch" (the default for "") or "processed".
func ParseCommitMode(s string) (CommitMode, error) {
	switch CommitMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CommitOnDispatch:
		return CommitOnDispatch, nil
	case CommitOnProcessed:
		return CommitOnProcessed, nil
	default:
		return "", fmt.Errorf("unknown commit mode %q", s)
	}
}

// Handler is the connector side of a consumer.
type Handler interface {
	ConnectorID() string
	NumProcessingThreads() int
	// Ready reports whether the connector is started and may receive batches.
	Ready() bool
	Filters() *filter.Chain
	ProcessEventBatch(ctx context.Context, events []*envelope.Envelope) error
	HandleFailedBatch(ctx context.Context, events []*envelope.Envelope, cause error)
}

// Config holds consumer settings.
type Config struct {
	TenantToken  string
	Codec        envelope.Codec
	CommitMode   CommitMode
	DrainTimeout time.Duration
	PollInterval time.Duration
	// QueueSize bounds the pool queue. Zero means one slot per worker.
	QueueSize int
	Logger    logging.ServiceLogger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

// Consumer is the partitioned batch consumer of one tenant connector.
type Consumer struct {
	src     Source
	handler Handler
	cfg     Config
	logger  logging.ServiceLogger
	tracer  trace.Tracer
	id      string

	mu       sync.Mutex
	pool     *workerpool.WorkerPool
	deferred map[PartitionKey]Batch
	order    []PartitionKey
	paused   map[PartitionKey]bool
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}

	tracker      *commitTracker
	commits      sync.WaitGroup
	commitCtx    context.Context
	commitCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// New validates its arguments. The consumer does nothing until Start.
func New(src Source, handler Handler, cfg Config) (*Consumer, error) {
	if src == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if handler == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	if cfg.Codec == nil {
		return nil, errspkg.ErrCodecRequired
	}
	mode, err := ParseCommitMode(string(cfg.CommitMode))
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	cfg.CommitMode = mode
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("tenantflow/consumer")
	}
	commitCtx, commitCancel := context.WithCancel(context.Background())
	return &Consumer{
		src:     src,
		handler: handler,
		cfg:     cfg,
		logger: cfg.Logger.With(logging.LogFields{
			"tenant":    cfg.TenantToken,
			"connector": handler.ConnectorID(),
		}),
		tracer:       cfg.Tracer,
		id:           ids.NewPrefixed("consumer"),
		deferred:     make(map[PartitionKey]Batch),
		paused:       make(map[PartitionKey]bool),
		tracker:      newCommitTracker(),
		done:         make(chan struct{}),
		commitCtx:    commitCtx,
		commitCancel: commitCancel,
	}, nil
}

// Initialize creates the worker pool sized by the connector.
func (c *Consumer) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return workerpool.ErrStopped
	}
	if c.pool != nil {
		return nil
	}
	c.pool = workerpool.New(workerpool.Config{
		Name:       c.id,
		MaxWorkers: c.handler.NumProcessingThreads(),
		QueueSize:  c.cfg.QueueSize,
		Logger:     c.logger,
	})
	return nil
}

// Start launches the poll loop.
func (c *Consumer) Start(context.Context) error {
	if err := c.Initialize(context.Background()); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return workerpool.ErrStopped
	}
	if c.started {
		return errspkg.ErrAlreadyStarted
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	c.logger.Info("Consumer started", logging.LogFields{"commit_mode": string(c.cfg.CommitMode)})
	return nil
}

// Deferred returns the number of batches retained for a connector that is
// not started.
func (c *Consumer) Deferred() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}

// Stats returns the worker pool statistics.
func (c *Consumer) Stats() workerpool.Stats {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return workerpool.Stats{Name: c.id}
	}
	return pool.Stats()
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for ctx.Err() == nil {
		batches := c.takeDeferred()
		polled, err := c.src.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("Poll failed", err, nil)
		}
		for _, b := range polled {
			c.cfg.Metrics.RecordPolled(c.cfg.TenantToken, c.handler.ConnectorID(), len(b.Records))
		}
		batches = append(batches, polled...)

		progressed := false
		for _, b := range batches {
			if ctx.Err() != nil {
				return
			}
			if len(b.Records) == 0 {
				continue
			}
			if c.dispatch(ctx, b) {
				progressed = true
			}
		}
		if !progressed {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}
}

// takeDeferred removes retained batches in the order they were first
// deferred.
func (c *Consumer) takeDeferred() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := make([]Batch, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.deferred[key])
	}
	c.deferred = make(map[PartitionKey]Batch)
	c.order = nil
	return out
}

// dispatch hands b to the pool, or retains it while the connector is not
// started. It reports whether the batch was handed off.
func (c *Consumer) dispatch(ctx context.Context, b Batch) bool {
	key := b.Key()
	if !c.handler.Ready() {
		c.retain(b)
		return false
	}
	c.resume(b)

	var tracked *inflight
	if c.cfg.CommitMode == CommitOnProcessed {
		tracked = c.tracker.track(b)
	}
	task := workerpool.Task{
		ID: fmt.Sprintf("%s/%d@%d", b.Topic, b.Partition, b.Records[0].Offset),
		Fn: func(taskCtx context.Context) error {
			c.process(taskCtx, b)
			if tracked != nil {
				c.tracker.finish(tracked, c.commit)
			}
			return nil
		},
	}
	if err := c.pool.SubmitWithContext(ctx, task); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Batch not accepted by worker pool", err, logging.LogFields{
				"topic":     key.Topic,
				"partition": key.Partition,
			})
		}
		return false
	}
	if c.cfg.CommitMode == CommitOnDispatch {
		c.commitAsync(b)
	}
	return true
}

func (c *Consumer) retain(b Batch) {
	key := b.Key()
	c.mu.Lock()
	existing, ok := c.deferred[key]
	if ok {
		existing.Records = append(existing.Records, b.Records...)
		c.deferred[key] = existing
	} else {
		c.deferred[key] = b
		c.order = append(c.order, key)
	}
	pause := !c.paused[key]
	c.paused[key] = true
	c.mu.Unlock()

	if pause {
		c.cfg.Metrics.RecordDeferred(c.cfg.TenantToken, c.handler.ConnectorID())
		c.src.Pause(b)
		c.logger.Debug("Connector not started, pausing partition", logging.LogFields{
			"topic":     key.Topic,
			"partition": key.Partition,
		})
	}
}

func (c *Consumer) resume(b Batch) {
	key := b.Key()
	c.mu.Lock()
	wasPaused := c.paused[key]
	delete(c.paused, key)
	c.mu.Unlock()
	if wasPaused {
		c.src.Resume(b)
	}
}

// process decodes, filters and delivers one batch. Failures are reported to
// the connector and never escape.
func (c *Consumer) process(ctx context.Context, b Batch) {
	start := time.Now()
	connectorID := c.handler.ConnectorID()
	ctx, span := c.tracer.Start(ctx, "ProcessBatch", trace.WithAttributes(
		attribute.String("tenant", c.cfg.TenantToken),
		attribute.String("connector", connectorID),
		attribute.String("topic", b.Topic),
		attribute.Int("partition", int(b.Partition)),
		attribute.Int("records", len(b.Records)),
	))
	defer span.End()
	defer func() {
		c.cfg.Metrics.ObserveBatch(c.cfg.TenantToken, connectorID, time.Since(start))
	}()

	events := make([]*envelope.Envelope, 0, len(b.Records))
	filtered := 0
	chain := c.handler.Filters()
	for _, r := range b.Records {
		e, err := c.cfg.Codec.Decode(r.Value)
		if err != nil {
			derr := &errspkg.DecodeError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Err: err}
			c.logger.Warn("Dropping undecodable record", derr, logging.LogFields{
				"topic":     r.Topic,
				"partition": r.Partition,
				"offset":    r.Offset,
			})
			c.cfg.Metrics.RecordDropped(c.cfg.TenantToken, connectorID)
			continue
		}
		if by := chain.ExcludedBy(e); by != "" {
			filtered++
			c.logger.Trace("Event withheld by filter", logging.LogFields{"event": e.ID(), "filter": by})
			continue
		}
		events = append(events, e)
	}
	c.cfg.Metrics.RecordFiltered(c.cfg.TenantToken, connectorID, filtered)
	span.SetAttributes(attribute.Int("events", len(events)))
	if len(events) == 0 {
		return
	}

	if err := c.deliver(ctx, events); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cfg.Metrics.RecordBatchFailed(c.cfg.TenantToken, connectorID)
		c.logger.Warn("Connector failed to process batch", err, logging.LogFields{
			"topic":     b.Topic,
			"partition": b.Partition,
			"events":    len(events),
		})
		c.handleFailed(ctx, events, err)
		return
	}
	c.cfg.Metrics.RecordDelivered(c.cfg.TenantToken, connectorID, len(events))
}

func (c *Consumer) deliver(ctx context.Context, events []*envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()
	return c.handler.ProcessEventBatch(ctx, events)
}

func (c *Consumer) handleFailed(ctx context.Context, events []*envelope.Envelope, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Connector failure handler panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	c.handler.HandleFailedBatch(ctx, events, cause)
}

func (c *Consumer) commitAsync(b Batch) {
	c.commits.Add(1)
	go func() {
		defer c.commits.Done()
		_ = c.commit(b)
	}()
}

func (c *Consumer) commit(b Batch) error {
	err := c.src.Commit(c.commitCtx, b)
	if err != nil {
		c.cfg.Metrics.RecordCommitFailure(c.cfg.TenantToken, c.handler.ConnectorID())
		c.logger.Warn("Offset commit failed", err, logging.LogFields{
			"topic":       b.Topic,
			"partition":   b.Partition,
			"next_offset": b.NextOffset(),
		})
	}
	return err
}

// Stop ends polling, drains the worker pool and outstanding commits within
// the drain timeout, then closes the source. Work still running after the
// timeout is abandoned with a warning. Stop is idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Consumer) stop(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	c.stopped = true
	started, cancel, pool := c.started, c.cancel, c.pool
	c.mu.Unlock()

	if started {
		cancel()
		if !waitUntil(c.done, deadline) {
			c.logger.Warn("Poll loop did not stop before drain timeout", nil, nil)
		}
	}
	if pool != nil {
		// the pool logs its own timeout warning
		_ = pool.Stop(time.Until(deadline))
	}

	commitsDone := make(chan struct{})
	go func() {
		c.commits.Wait()
		close(commitsDone)
	}()
	if !waitUntil(commitsDone, deadline) {
		c.logger.Warn("Outstanding offset commits abandoned at drain timeout", nil, nil)
	}
	c.commitCancel()

	if err := c.src.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	c.logger.Info("Consumer stopped", nil)
	return nil
}

func waitUntil(done <-chan struct{}, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
