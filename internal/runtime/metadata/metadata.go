// Package metadata holds the string headers that travel with an event from
// the inbound log to every sink.
package metadata

import "maps"

type Metadata map[string]string

// Clone never returns nil, so callers can write to the result directly.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// With returns a copy of m with key set to value; m is left untouched.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

func (m Metadata) Get(key string) string { return m[key] }

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
