// Package connector hosts outbound connectors: pluggable sinks that receive
// filtered event batches from a partitioned log consumer.
package connector

import (
	"context"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/filter"
)

// Connector is the capability set every outbound sink implements.
// ProcessEventBatch is called from at most NumProcessingThreads goroutines
// at once.
type Connector interface {
	ConnectorID() string
	NumProcessingThreads() int
	ProcessEventBatch(ctx context.Context, events []*envelope.Envelope) error
	HandleFailedBatch(ctx context.Context, events []*envelope.Envelope, cause error)
}

// Lifecycle is implemented by connectors that hold resources.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FilterProvider is implemented by connectors carrying their own filters.
type FilterProvider interface {
	Filters() *filter.Chain
}

// State is the lifecycle state of a hosted connector.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StatePaused
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
