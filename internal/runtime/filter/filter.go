// Package filter decides whether an outbound event is withheld from a
// connector. Filters are evaluated in order and the first exclusion wins.
package filter

import (
	"fmt"
	"strings"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// Operation selects how a filter treats a matching event.
type Operation int

const (
	// Include passes only events whose attribute matches.
	Include Operation = iota
	// Exclude withholds events whose attribute matches.
	Exclude
)

func (o Operation) String() string {
	if o == Exclude {
		return "exclude"
	}
	return "include"
}

// ParseOperation accepts "include" or "exclude". An empty string is Include.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "include":
		return Include, nil
	case "exclude":
		return Exclude, nil
	default:
		return Include, fmt.Errorf("unknown filter operation %q", s)
	}
}

// UnmarshalText lets operations be read from YAML and JSON configuration.
func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// MarshalText renders the operation name.
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Filter withholds events from a connector.
type Filter interface {
	Name() string
	IsExcluded(e *envelope.Envelope) bool
}

// AttributeFilter compares one envelope attribute with a configured value.
// Events lacking the attribute are never excluded.
type AttributeFilter struct {
	attribute string
	value     string
	op        Operation
}

// NewAttributeFilter builds a filter for one of envelope.Attributes.
func NewAttributeFilter(attribute, value string, op Operation) (*AttributeFilter, error) {
	if !envelope.IsAttribute(attribute) {
		return nil, fmt.Errorf("unknown filter attribute %q", attribute)
	}
	if value == "" {
		return nil, fmt.Errorf("filter on %q requires a value", attribute)
	}
	return &AttributeFilter{attribute: attribute, value: value, op: op}, nil
}

func mustAttribute(attribute, value string, op Operation) *AttributeFilter {
	return &AttributeFilter{attribute: attribute, value: value, op: op}
}

// Area filters on the event area.
func Area(id string, op Operation) *AttributeFilter { return mustAttribute(envelope.AttrArea, id, op) }

// Customer filters on the event customer.
func Customer(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrCustomer, id, op)
}

// DeviceType filters on the device type of the emitting device.
func DeviceType(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrDeviceType, id, op)
}

// Specification filters on the device specification.
func Specification(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrSpecification, id, op)
}

// Device filters on the emitting device.
func Device(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrDevice, id, op)
}

// Assignment filters on the device assignment.
func Assignment(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrAssignment, id, op)
}

// Source filters on the inbound source that produced the event.
func Source(id string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrSource, id, op)
}

// EventType filters on the event kind.
func EventType(kind string, op Operation) *AttributeFilter {
	return mustAttribute(envelope.AttrEventType, kind, op)
}

// Name describes the filter for logs.
func (f *AttributeFilter) Name() string {
	return fmt.Sprintf("%s %s=%s", f.op, f.attribute, f.value)
}

// IsExcluded implements Filter.
func (f *AttributeFilter) IsExcluded(e *envelope.Envelope) bool {
	actual, ok := e.Attribute(f.attribute)
	if !ok {
		return false
	}
	matches := actual == f.value
	if f.op == Exclude {
		return matches
	}
	return !matches
}
