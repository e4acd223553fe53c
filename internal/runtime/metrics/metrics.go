// Package metrics tracks delivery statistics per tenant connector and
// exposes them as Prometheus collectors. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tenantflow"

// Metrics tracks consumer, connector, routing and registry statistics.
type Metrics struct {
	mu sync.RWMutex

	connectors map[connectorKey]*ConnectorCounts

	recordsPolled   *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	eventsFiltered  *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	batchesDeferred *prometheus.CounterVec
	batchesFailed   *prometheus.CounterVec
	commitFailures  *prometheus.CounterVec
	routeFailures   *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	batchSeconds    *prometheus.HistogramVec
	engines         *prometheus.GaugeVec
	calls           *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

type connectorKey struct {
	tenant    string
	connector string
}

// ConnectorCounts holds the counters of one tenant connector.
type ConnectorCounts struct {
	RecordsPolled   uint64    `json:"records_polled"`
	RecordsDropped  uint64    `json:"records_dropped"`
	EventsFiltered  uint64    `json:"events_filtered"`
	EventsDelivered uint64    `json:"events_delivered"`
	BatchesDeferred uint64    `json:"batches_deferred"`
	BatchesFailed   uint64    `json:"batches_failed"`
	CommitFailures  uint64    `json:"commit_failures"`
	RouteFailures   uint64    `json:"route_failures"`
	DeadLettered    uint64    `json:"dead_lettered"`
	LastBatchAt     time.Time `json:"last_batch_at,omitempty"`
}

// Snapshot provides a point-in-time view of the connector counters.
type Snapshot struct {
	Connectors  map[string]map[string]ConnectorCounts `json:"connectors"`
	CollectedAt time.Time                             `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. They are not registered until Register.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := []string{"tenant", "connector"}
	return &Metrics{
		connectors:      make(map[connectorKey]*ConnectorCounts),
		registerer:      registerer,
		recordsPolled:   newCounterVec("consumer", "records_polled_total", "Records received from the partitioned log", labels),
		recordsDropped:  newCounterVec("consumer", "records_dropped_total", "Records dropped because they could not be decoded", labels),
		eventsFiltered:  newCounterVec("consumer", "events_filtered_total", "Events withheld by the connector filter chain", labels),
		batchesDeferred: newCounterVec("consumer", "batches_deferred_total", "Batches retained because the connector was not started", labels),
		commitFailures:  newCounterVec("consumer", "commit_failures_total", "Offset commits that failed", labels),
		batchSeconds:    newHistogramVec("consumer", "batch_duration_seconds", "Time spent processing one batch", prometheus.DefBuckets, labels),
		eventsDelivered: newCounterVec("connector", "events_delivered_total", "Events accepted by the connector", labels),
		batchesFailed:   newCounterVec("connector", "batches_failed_total", "Batches handed to the connector failure handler", labels),
		routeFailures:   newCounterVec("connector", "route_failures_total", "Per-destination delivery failures", labels),
		deadLettered:    newCounterVec("connector", "dead_lettered_total", "Events forwarded to the dead letter topic", labels),
		engines:         newGaugeVec("registry", "engines", "Tenant engines by state", []string{"state"}),
		calls:           newCounterVec("calls", "routed_total", "Synchronous calls routed to tenants", []string{"method", "code"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.recordsPolled,
		m.recordsDropped,
		m.eventsFiltered,
		m.eventsDelivered,
		m.batchesDeferred,
		m.batchesFailed,
		m.commitFailures,
		m.routeFailures,
		m.deadLettered,
		m.batchSeconds,
		m.engines,
		m.calls,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) update(tenant, connector string, fn func(*ConnectorCounts)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connectorKey{tenant: tenant, connector: connector}
	counts, ok := m.connectors[key]
	if !ok {
		counts = &ConnectorCounts{}
		m.connectors[key] = counts
	}
	fn(counts)
}

// RecordPolled records records received for a connector.
func (m *Metrics) RecordPolled(tenant, connector string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.RecordsPolled += uint64(n) })
	m.recordsPolled.WithLabelValues(tenant, connector).Add(float64(n))
}

// RecordDropped records an undecodable record.
func (m *Metrics) RecordDropped(tenant, connector string) {
	if m == nil {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.RecordsDropped++ })
	m.recordsDropped.WithLabelValues(tenant, connector).Inc()
}

// RecordFiltered records events withheld by filters.
func (m *Metrics) RecordFiltered(tenant, connector string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.EventsFiltered += uint64(n) })
	m.eventsFiltered.WithLabelValues(tenant, connector).Add(float64(n))
}

// RecordDelivered records events accepted by the connector.
func (m *Metrics) RecordDelivered(tenant, connector string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.EventsDelivered += uint64(n) })
	m.eventsDelivered.WithLabelValues(tenant, connector).Add(float64(n))
}

// RecordDeferred records a batch retained for a stopped or paused connector.
func (m *Metrics) RecordDeferred(tenant, connector string) {
	if m == nil {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.BatchesDeferred++ })
	m.batchesDeferred.WithLabelValues(tenant, connector).Inc()
}

// RecordBatchFailed records a batch given to the failure handler.
func (m *Metrics) RecordBatchFailed(tenant, connector string) {
	if m == nil {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.BatchesFailed++ })
	m.batchesFailed.WithLabelValues(tenant, connector).Inc()
}

// RecordCommitFailure records a failed offset commit.
func (m *Metrics) RecordCommitFailure(tenant, connector string) {
	if m == nil {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.CommitFailures++ })
	m.commitFailures.WithLabelValues(tenant, connector).Inc()
}

// RecordRouteFailures records destinations that failed for one event.
func (m *Metrics) RecordRouteFailures(tenant, connector string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.RouteFailures += uint64(n) })
	m.routeFailures.WithLabelValues(tenant, connector).Add(float64(n))
}

// RecordDeadLettered records events forwarded to a dead letter topic.
func (m *Metrics) RecordDeadLettered(tenant, connector string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.DeadLettered += uint64(n) })
	m.deadLettered.WithLabelValues(tenant, connector).Add(float64(n))
}

// ObserveBatch records the processing time of one batch.
func (m *Metrics) ObserveBatch(tenant, connector string, d time.Duration) {
	if m == nil {
		return
	}
	m.update(tenant, connector, func(c *ConnectorCounts) { c.LastBatchAt = time.Now() })
	m.batchSeconds.WithLabelValues(tenant, connector).Observe(d.Seconds())
}

// SetEngines publishes the number of tenant engines per state.
func (m *Metrics) SetEngines(byState map[string]int) {
	if m == nil {
		return
	}
	m.engines.Reset()
	for state, n := range byState {
		m.engines.WithLabelValues(state).Set(float64(n))
	}
}

// RecordCall records one synchronous call outcome.
func (m *Metrics) RecordCall(method, code string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, code).Inc()
}

// Connector returns a copy of the counters of one connector, or nil.
func (m *Metrics) Connector(tenant, connector string) *ConnectorCounts {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counts, ok := m.connectors[connectorKey{tenant: tenant, connector: connector}]; ok {
		c := *counts
		return &c
	}
	return nil
}

// Snapshot returns a point-in-time copy of every connector's counters,
// grouped by tenant.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Connectors: map[string]map[string]ConnectorCounts{}, CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, counts := range m.connectors {
		byConnector, ok := snap.Connectors[key.tenant]
		if !ok {
			byConnector = map[string]ConnectorCounts{}
			snap.Connectors[key.tenant] = byConnector
		}
		byConnector[key.connector] = *counts
	}
	return snap
}

// Forget drops the counters of a removed tenant.
func (m *Metrics) Forget(tenant string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.connectors {
		if key.tenant == tenant {
			delete(m.connectors, key)
		}
	}
	for _, vec := range []*prometheus.CounterVec{
		m.recordsPolled, m.recordsDropped, m.eventsFiltered, m.eventsDelivered,
		m.batchesDeferred, m.batchesFailed, m.commitFailures, m.routeFailures,
		m.deadLettered,
	} {
		vec.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	}
	m.batchSeconds.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
}
