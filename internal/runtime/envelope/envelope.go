// Package envelope defines the decoded, immutable representation of one
// device event plus its context, and the codecs that move it on and off the
// wire.
package envelope

import (
	"encoding/json"
	"maps"
	"time"

	metadatapkg "github.com/drblury/tenantflow/internal/runtime/metadata"
)

// Attribute names understood by Envelope.Attribute and by filter rules.
const (
	AttrArea          = "area"
	AttrCustomer      = "customer"
	AttrDeviceType    = "deviceType"
	AttrSpecification = "specification"
	AttrDevice        = "device"
	AttrAssignment    = "assignment"
	AttrSource        = "source"
	AttrEventType     = "eventType"
)

// Attributes lists every attribute name in a stable order.
var Attributes = []string{
	AttrArea, AttrCustomer, AttrDeviceType, AttrSpecification,
	AttrDevice, AttrAssignment, AttrSource, AttrEventType,
}

// Fields is the plain, mutable form of an envelope. It is what codecs
// serialize and what callers fill in before calling New.
type Fields struct {
	ID              string               `json:"id"`
	EventType       string               `json:"eventType,omitempty"`
	DeviceID        string               `json:"deviceId,omitempty"`
	AssignmentID    string               `json:"assignmentId,omitempty"`
	AreaID          string               `json:"areaId,omitempty"`
	CustomerID      string               `json:"customerId,omitempty"`
	DeviceTypeID    string               `json:"deviceTypeId,omitempty"`
	SpecificationID string               `json:"specificationId,omitempty"`
	SourceID        string               `json:"sourceId,omitempty"`
	EventDate       time.Time            `json:"eventDate"`
	ReceivedDate    time.Time            `json:"receivedDate"`
	Payload         map[string]any       `json:"payload,omitempty"`
	Metadata        metadatapkg.Metadata `json:"metadata,omitempty"`
}

// Envelope is immutable once constructed: every accessor returns copies.
type Envelope struct {
	f Fields
}

// New builds an Envelope from f. Maps are copied and times normalized to UTC.
// Payload numbers are held as float64, the only number type both codecs
// decode to, so an envelope equals its decoded copy.
func New(f Fields) *Envelope {
	return &Envelope{f: normalize(f)}
}

func normalize(f Fields) Fields {
	f.EventDate = f.EventDate.UTC()
	f.ReceivedDate = f.ReceivedDate.UTC()
	if len(f.Payload) > 0 {
		f.Payload = normalizeMap(f.Payload)
	} else {
		f.Payload = nil
	}
	if len(f.Metadata) > 0 {
		f.Metadata = f.Metadata.Clone()
	} else {
		f.Metadata = nil
	}
	return f
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeList[T any](l []T) []any {
	out := make([]any, len(l))
	for i, v := range l {
		out[i] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case map[string]any:
		return normalizeMap(n)
	case []any:
		return normalizeList(n)
	case []string:
		return normalizeList(n)
	case []int:
		return normalizeList(n)
	case []float64:
		return normalizeList(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

// Fields returns a copy of the envelope contents.
func (e *Envelope) Fields() Fields {
	return normalize(e.f)
}

func (e *Envelope) ID() string              { return e.f.ID }
func (e *Envelope) EventType() string       { return e.f.EventType }
func (e *Envelope) DeviceID() string        { return e.f.DeviceID }
func (e *Envelope) AssignmentID() string    { return e.f.AssignmentID }
func (e *Envelope) AreaID() string          { return e.f.AreaID }
func (e *Envelope) CustomerID() string      { return e.f.CustomerID }
func (e *Envelope) DeviceTypeID() string    { return e.f.DeviceTypeID }
func (e *Envelope) SpecificationID() string { return e.f.SpecificationID }
func (e *Envelope) SourceID() string        { return e.f.SourceID }
func (e *Envelope) EventDate() time.Time    { return e.f.EventDate }
func (e *Envelope) ReceivedDate() time.Time { return e.f.ReceivedDate }

// Payload returns a copy of the event payload.
func (e *Envelope) Payload() map[string]any { return maps.Clone(e.f.Payload) }

// Metadata returns a copy of the event metadata.
func (e *Envelope) Metadata() metadatapkg.Metadata { return e.f.Metadata.Clone() }

// Attribute returns the value of a named context attribute. ok is false when
// the attribute is unknown or empty on this event.
func (e *Envelope) Attribute(name string) (value string, ok bool) {
	switch name {
	case AttrArea:
		value = e.f.AreaID
	case AttrCustomer:
		value = e.f.CustomerID
	case AttrDeviceType:
		value = e.f.DeviceTypeID
	case AttrSpecification:
		value = e.f.SpecificationID
	case AttrDevice:
		value = e.f.DeviceID
	case AttrAssignment:
		value = e.f.AssignmentID
	case AttrSource:
		value = e.f.SourceID
	case AttrEventType:
		value = e.f.EventType
	}
	return value, value != ""
}

// IsAttribute reports whether name is a known attribute.
func IsAttribute(name string) bool {
	for _, a := range Attributes {
		if a == name {
			return true
		}
	}
	return false
}
