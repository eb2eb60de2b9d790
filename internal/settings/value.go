package settings

import (
	"fmt"
	"strconv"
)

// Kind identifies which field of a Value is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt32
	KindInt64
	KindDouble
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the setting types the agent understands.
// The zero Value has KindInvalid and never matches a typed getter.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

func Int32(v int32) Value    { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value    { return Value{kind: KindInt64, i: v} }
func Double(v float64) Value { return Value{kind: KindDouble, f: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }

// Kind returns the populated kind.
func (v Value) Kind() Kind { return v.kind }

// AsInt32 returns the value and true only when the kind is KindInt32.
func (v Value) AsInt32() (int32, bool) {
	if v.kind != KindInt32 {
		return 0, false
	}
	return int32(v.i), true
}

// AsInt64 returns the value and true only when the kind is KindInt64.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindInt64 {
		return 0, false
	}
	return v.i, true
}

// AsDouble returns the value and true only when the kind is KindDouble.
func (v Value) AsDouble() (float64, bool) {
	if v.kind != KindDouble {
		return 0, false
	}
	return v.f, true
}

// AsBool returns the value and true only when the kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the value and true only when the kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt32, KindInt64:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "<invalid>"
	}
}

// GoString renders the kind alongside the payload, used in debug logs.
func (v Value) GoString() string {
	return fmt.Sprintf("%s(%s)", v.kind, v)
}
