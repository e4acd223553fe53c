package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drblury/tenantflow/internal/runtime/consumer"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/workerpool"
)

// Consumer is the log consumer paired with a connector.
type Consumer interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ConsumerFactory builds the consumer that feeds a host.
type ConsumerFactory func(handler consumer.Handler) (Consumer, error)

// HostConfig holds host settings.
type HostConfig struct {
	TenantToken string
	// Filters overrides the connector's own filters when set.
	Filters *filter.Chain
	Logger  logging.ServiceLogger
}

// Status is a point-in-time view of a host.
type Status struct {
	TenantToken string           `json:"tenant"`
	ConnectorID string           `json:"connector"`
	State       State            `json:"state"`
	Threads     int              `json:"threads"`
	Filters     int              `json:"filters"`
	Pool        workerpool.Stats `json:"pool"`
	// Utilization of the pool workers and queue, in percent.
	WorkerUtilization float64 `json:"worker_utilization"`
	QueueUtilization  float64 `json:"queue_utilization"`
}

// Host owns one connector and the consumer feeding it. Start brings the
// connector up before the consumer; Stop tears them down in reverse.
type Host struct {
	conn     Connector
	consumer Consumer
	tenant   string
	filters  *filter.Chain
	logger   logging.ServiceLogger

	state       atomic.Int32
	mu          sync.Mutex
	initialized bool
	stopped     bool
}

// NewHost pairs conn with the consumer built by newConsumer.
func NewHost(conn Connector, newConsumer ConsumerFactory, cfg HostConfig) (*Host, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	if newConsumer == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	h := &Host{
		conn:    conn,
		tenant:  cfg.TenantToken,
		filters: cfg.Filters,
		logger: cfg.Logger.With(logging.LogFields{
			"tenant":    cfg.TenantToken,
			"connector": conn.ConnectorID(),
		}),
	}
	if h.filters == nil {
		if fp, ok := conn.(FilterProvider); ok {
			h.filters = fp.Filters()
		}
	}
	c, err := newConsumer(h)
	if err != nil {
		return nil, fmt.Errorf("connector %s: build consumer: %w", conn.ConnectorID(), err)
	}
	h.consumer = c
	return h, nil
}

// State returns the current lifecycle state.
func (h *Host) State() State { return State(h.state.Load()) }

func (h *Host) setState(s State) { h.state.Store(int32(s)) }

// Initialize prepares the connector and then the consumer.
func (h *Host) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("connector %s: host is stopped", h.conn.ConnectorID())
	}
	if h.initialized {
		return nil
	}
	if lc, ok := h.conn.(Lifecycle); ok {
		if err := lc.Initialize(ctx); err != nil {
			h.setState(StateFailed)
			return &errspkg.ConnectorStartupError{ConnectorID: h.conn.ConnectorID(), Err: fmt.Errorf("initialize: %w", err)}
		}
	}
	if err := h.consumer.Initialize(ctx); err != nil {
		h.setState(StateFailed)
		return fmt.Errorf("connector %s: initialize consumer: %w", h.conn.ConnectorID(), err)
	}
	h.initialized = true
	return nil
}

// Start starts the connector and, once it is started, the consumer. When the
// connector fails to start the consumer is never started.
func (h *Host) Start(ctx context.Context) error {
	if err := h.Initialize(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.State() {
	case StateStarted, StatePaused:
		return nil
	}

	h.setState(StateStarting)
	if lc, ok := h.conn.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			h.setState(StateFailed)
			h.logger.Error("Connector failed to start", err, nil)
			return &errspkg.ConnectorStartupError{ConnectorID: h.conn.ConnectorID(), Err: err}
		}
	}
	h.setState(StateStarted)

	if err := h.consumer.Start(ctx); err != nil {
		h.setState(StateFailed)
		if lc, ok := h.conn.(Lifecycle); ok {
			if stopErr := lc.Stop(ctx); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
		}
		return fmt.Errorf("connector %s: start consumer: %w", h.conn.ConnectorID(), err)
	}
	h.logger.Info("Connector started", logging.LogFields{"threads": h.conn.NumProcessingThreads()})
	return nil
}

// Stop drains the consumer and then stops the connector. Stop is
// idempotent and a stopped host cannot be restarted.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	h.setState(StateStopping)

	var errs []error
	if err := h.consumer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumer: %w", err))
	}
	if lc, ok := h.conn.(Lifecycle); ok && h.initialized {
		if err := lc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop connector: %w", err))
		}
	}
	h.setState(StateStopped)
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("Connector stopped with errors", err, nil)
		return err
	}
	h.logger.Info("Connector stopped", nil)
	return nil
}

// Pause withholds batches from the connector. The consumer defers them and
// pauses the affected partitions until Resume.
func (h *Host) Pause() error {
	if !h.state.CompareAndSwap(int32(StateStarted), int32(StatePaused)) {
		return fmt.Errorf("connector %s: cannot pause in state %s: %w", h.conn.ConnectorID(), h.State(), errspkg.ErrConnectorNotStarted)
	}
	h.logger.Info("Connector paused", nil)
	return nil
}

// Resume undoes Pause.
func (h *Host) Resume() error {
	if !h.state.CompareAndSwap(int32(StatePaused), int32(StateStarted)) {
		return fmt.Errorf("connector %s: cannot resume in state %s", h.conn.ConnectorID(), h.State())
	}
	h.logger.Info("Connector resumed", nil)
	return nil
}

// Status reports the host state.
func (h *Host) Status() Status {
	s := Status{
		TenantToken: h.tenant,
		ConnectorID: h.conn.ConnectorID(),
		State:       h.State(),
		Threads:     h.NumProcessingThreads(),
		Filters:     h.filters.Len(),
	}
	if sp, ok := h.consumer.(interface{ Stats() workerpool.Stats }); ok {
		s.Pool = sp.Stats()
		s.WorkerUtilization = s.Pool.WorkerUtilization()
		s.QueueUtilization = s.Pool.QueueUtilization()
	}
	return s
}

// ConnectorID implements consumer.Handler.
func (h *Host) ConnectorID() string { return h.conn.ConnectorID() }

// NumProcessingThreads implements consumer.Handler. It is at least one.
func (h *Host) NumProcessingThreads() int {
	return max(h.conn.NumProcessingThreads(), 1)
}

// Ready implements consumer.Handler.
func (h *Host) Ready() bool { return h.State() == StateStarted }

// Filters implements consumer.Handler.
func (h *Host) Filters() *filter.Chain { return h.filters }

// ProcessEventBatch implements consumer.Handler.
func (h *Host) ProcessEventBatch(ctx context.Context, events []*envelope.Envelope) error {
	return h.conn.ProcessEventBatch(ctx, events)
}

// HandleFailedBatch implements consumer.Handler.
func (h *Host) HandleFailedBatch(ctx context.Context, events []*envelope.Envelope, cause error) {
	h.conn.HandleFailedBatch(ctx, events, cause)
}
