package filter

import (
	"errors"
	"fmt"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// Rule is the configuration form of a filter. Exactly one of Attribute or
// Expression is set.
type Rule struct {
	Attribute  string    `yaml:"attribute,omitempty" json:"attribute,omitempty" mapstructure:"attribute"`
	Value      string    `yaml:"value,omitempty" json:"value,omitempty" mapstructure:"value"`
	Expression string    `yaml:"expression,omitempty" json:"expression,omitempty" mapstructure:"expression"`
	Operation  Operation `yaml:"operation,omitempty" json:"operation,omitempty" mapstructure:"operation"`
}

// Build turns the rule into a Filter.
func (r Rule) Build() (Filter, error) {
	switch {
	case r.Attribute != "" && r.Expression != "":
		return nil, errors.New("filter rule sets both attribute and expression")
	case r.Expression != "":
		return NewExpressionFilter(r.Expression, r.Operation)
	case r.Attribute != "":
		return NewAttributeFilter(r.Attribute, r.Value, r.Operation)
	default:
		return nil, errors.New("filter rule requires an attribute or an expression")
	}
}

// Chain is an ordered list of filters. An event is excluded as soon as any
// filter excludes it. The zero value and nil exclude nothing.
type Chain struct {
	filters []Filter
}

// NewChain keeps the given order. Nil filters are skipped.
func NewChain(filters ...Filter) *Chain {
	c := &Chain{filters: make([]Filter, 0, len(filters))}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

// FromRules builds a chain from configuration, reporting every bad rule.
func FromRules(rules []Rule) (*Chain, error) {
	filters := make([]Filter, 0, len(rules))
	var errs []error
	for i, r := range rules {
		f, err := r.Build()
		if err != nil {
			errs = append(errs, fmt.Errorf("filter %d: %w", i, err))
			continue
		}
		filters = append(filters, f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewChain(filters...), nil
}

// Len returns the number of filters.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.filters)
}

// Filters returns a copy of the chain's filters.
func (c *Chain) Filters() []Filter {
	if c == nil {
		return nil
	}
	return append([]Filter(nil), c.filters...)
}

// IsExcluded reports whether any filter withholds e.
func (c *Chain) IsExcluded(e *envelope.Envelope) bool {
	if c == nil {
		return false
	}
	for _, f := range c.filters {
		if f.IsExcluded(e) {
			return true
		}
	}
	return false
}

// ExcludedBy returns the name of the first filter withholding e, or "".
func (c *Chain) ExcludedBy(e *envelope.Envelope) string {
	if c == nil {
		return ""
	}
	for _, f := range c.filters {
		if f.IsExcluded(e) {
			return f.Name()
		}
	}
	return ""
}
