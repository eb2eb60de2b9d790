package settings

import (
	"maps"
	"slices"
)

// Meta is one section's key/value settings. A Meta handed to a listener is
// never mutated afterwards; reloads build a fresh Meta.
type Meta struct {
	values map[string]Value
}

// NewMeta returns an empty Meta.
func NewMeta() *Meta {
	return &Meta{values: make(map[string]Value)}
}

// Set stores v under key and returns m for chaining.
func (m *Meta) Set(key string, v Value) *Meta {
	m.values[key] = v
	return m
}

// Get returns the raw value for key.
func (m *Meta) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of keys.
func (m *Meta) Len() int {
	if m == nil {
		return 0
	}
	return len(m.values)
}

// Keys returns the keys in sorted order.
func (m *Meta) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.values))
}

// Equal reports whether both sections hold the same keys with equal values.
func (m *Meta) Equal(o *Meta) bool {
	if m.Len() != o.Len() {
		return false
	}
	if m == nil || o == nil {
		return true
	}
	return maps.EqualFunc(m.values, o.values, Value.Equal)
}

// Clone returns an independent copy.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return NewMeta()
	}
	return &Meta{values: maps.Clone(m.values)}
}

// Int32OrDefault returns the int32 stored under key, or def when the key is
// missing or holds another kind.
func (m *Meta) Int32OrDefault(key string, def int32) int32 {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.AsInt32(); ok {
		return n
	}
	return def
}

// Int64OrDefault returns the int64 stored under key, or def.
func (m *Meta) Int64OrDefault(key string, def int64) int64 {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.AsInt64(); ok {
		return n
	}
	return def
}

// DoubleOrDefault returns the double stored under key, or def.
func (m *Meta) DoubleOrDefault(key string, def float64) float64 {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	if f, ok := v.AsDouble(); ok {
		return f
	}
	return def
}

// BoolOrDefault returns the bool stored under key, or def.
func (m *Meta) BoolOrDefault(key string, def bool) bool {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	return def
}

// StringOrDefault returns the string stored under key, or def.
func (m *Meta) StringOrDefault(key string, def string) string {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}
