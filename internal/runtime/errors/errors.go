package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("tenantflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("tenantflow: logger is required")
	ErrRegistryRequired     = sterrors.New("tenantflow: tenant registry is required")
	ErrConnectorRequired    = sterrors.New("tenantflow: connector is required")
	ErrSourceRequired       = sterrors.New("tenantflow: record source is required")
	ErrCodecRequired        = sterrors.New("tenantflow: event codec is required")
	ErrPublisherRequired    = sterrors.New("tenantflow: publisher is required")
	ErrTopicRequired        = sterrors.New("tenantflow: topic is required")
	ErrTenantTokenRequired  = sterrors.New("tenantflow: tenant token is required")
	ErrEventPayloadRequired = sterrors.New("tenantflow: event payload is required")

	// ErrTenantUnavailable is matched by every TenantUnavailableError. Callers
	// may retry at a higher layer.
	ErrTenantUnavailable = sterrors.New("tenantflow: tenant engine not available")

	// ErrMalformedCallContext is matched by every MalformedCallContextError.
	ErrMalformedCallContext = sterrors.New("tenantflow: malformed call context")

	ErrConnectorNotStarted = sterrors.New("tenantflow: connector is not started")
	ErrAlreadyStarted      = sterrors.New("tenantflow: component already started")
)

// TenantUnavailableError reports that no Available engine exists for a token.
type TenantUnavailableError struct {
	Token string
	State string
}

func (e *TenantUnavailableError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("tenantflow: tenant engine %q not available", e.Token)
	}
	return fmt.Sprintf("tenantflow: tenant engine %q not available (state %s)", e.Token, e.State)
}

func (e *TenantUnavailableError) Is(target error) bool {
	return target == ErrTenantUnavailable
}

// DecodeError wraps a failure to decode a single log record.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tenantflow: decode record %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectorDeliveryError reports a failure delivering events to a destination.
type ConnectorDeliveryError struct {
	ConnectorID string
	Destination string
	Err         error
}

func (e *ConnectorDeliveryError) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("tenantflow: connector %s delivery failed: %v", e.ConnectorID, e.Err)
	}
	return fmt.Sprintf("tenantflow: connector %s delivery to %q failed: %v", e.ConnectorID, e.Destination, e.Err)
}

func (e *ConnectorDeliveryError) Unwrap() error { return e.Err }

// ConnectorStartupError is returned by a host whose connector failed to start.
type ConnectorStartupError struct {
	ConnectorID string
	Err         error
}

func (e *ConnectorStartupError) Error() string {
	return fmt.Sprintf("tenantflow: connector %s failed to start: %v", e.ConnectorID, e.Err)
}

func (e *ConnectorStartupError) Unwrap() error { return e.Err }

// MalformedCallContextError is a caller bug: required call metadata is missing.
type MalformedCallContextError struct {
	Key string
}

func (e *MalformedCallContextError) Error() string {
	return fmt.Sprintf("tenantflow: call metadata %q is missing", e.Key)
}

func (e *MalformedCallContextError) Is(target error) bool {
	return target == ErrMalformedCallContext
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "tenantflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
