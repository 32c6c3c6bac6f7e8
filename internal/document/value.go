package document

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// ErrUnsupportedValue indicates a native value that has no document representation.
var ErrUnsupportedValue = errors.New("unsupported document value")

// Value is one of String, Number, Bool, Sequence or Mapping.
type Value interface {
	Kind() Kind
	isValue()
}

// String is a text leaf.
type String string

// Number is a numeric leaf. Integers above 2^53 lose precision.
type Number float64

// Bool is a boolean leaf.
type Bool bool

// Sequence is an ordered list of values. It is replaced, never merged.
type Sequence []Value

// Mapping is a nested document keyed by string.
type Mapping map[string]Value

func (String) Kind() Kind   { return KindString }
func (Number) Kind() Kind   { return KindNumber }
func (Bool) Kind() Kind     { return KindBool }
func (Sequence) Kind() Kind { return KindSequence }
func (Mapping) Kind() Kind  { return KindMapping }

func (String) isValue()   {}
func (Number) isValue()   {}
func (Bool) isValue()     {}
func (Sequence) isValue() {}
func (Mapping) isValue()  {}

// From converts decoder output (encoding/json, yaml.v3, toml, ini) into a Value.
// Nil entries are dropped from mappings and sequences.
func From(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return Number(t), nil
	case int8:
		return Number(t), nil
	case int16:
		return Number(t), nil
	case int32:
		return Number(t), nil
	case int64:
		return Number(t), nil
	case uint:
		return Number(t), nil
	case uint8:
		return Number(t), nil
	case uint16:
		return Number(t), nil
	case uint32:
		return Number(t), nil
	case uint64:
		return Number(t), nil
	case time.Time:
		return String(t.Format(time.RFC3339Nano)), nil
	case map[string]any:
		out := make(Mapping, len(t))
		for key, raw := range t {
			if raw == nil {
				continue
			}
			item, err := From(raw)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[key] = item
		}
		return out, nil
	case map[any]any:
		out := make(Mapping, len(t))
		for key, raw := range t {
			if raw == nil {
				continue
			}
			item, err := From(raw)
			if err != nil {
				return nil, fmt.Errorf("key %v: %w", key, err)
			}
			out[fmt.Sprint(key)] = item
		}
		return out, nil
	case []any:
		out := make(Sequence, 0, len(t))
		for idx, raw := range t {
			if raw == nil {
				continue
			}
			item, err := From(raw)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", idx, err)
			}
			out = append(out, item)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedValue)
	}

	return fromReflect(reflect.ValueOf(v))
}

// finite rejects NaN and the infinities, which have no JSON encoding.
func finite(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v", ErrUnsupportedValue, f)
	}
	return Number(f), nil
}

// fromReflect handles typed slices and maps such as []string or []map[string]any.
func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make(Sequence, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := rv.Index(i).Interface()
			if elem == nil {
				continue
			}
			item, err := From(elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, item)
		}
		return out, nil
	case reflect.Map:
		out := make(Mapping, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem := iter.Value().Interface()
			if elem == nil {
				continue
			}
			item, err := From(elem)
			if err != nil {
				return nil, fmt.Errorf("key %v: %w", iter.Key().Interface(), err)
			}
			out[fmt.Sprint(iter.Key().Interface())] = item
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil", ErrUnsupportedValue)
		}
		return From(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, rv.Interface())
}

// ToAny converts a Value back into plain Go values.
func ToAny(v Value) any {
	switch t := v.(type) {
	case String:
		return string(t)
	case Number:
		return float64(t)
	case Bool:
		return bool(t)
	case Sequence:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ToAny(item)
		}
		return out
	case Mapping:
		out := make(map[string]any, len(t))
		for key, item := range t {
			out[key] = ToAny(item)
		}
		return out
	}
	return nil
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Sequence:
		out := make(Sequence, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	case Mapping:
		return t.Clone()
	}
	return v
}

// Equal reports whether a and b hold the same variant and contents.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch t := a.(type) {
	case Number:
		u := b.(Number)
		return t == u || (math.IsNaN(float64(t)) && math.IsNaN(float64(u)))
	case Sequence:
		u := b.(Sequence)
		if len(t) != len(u) {
			return false
		}
		for i := range t {
			if !Equal(t[i], u[i]) {
				return false
			}
		}
		return true
	case Mapping:
		u := b.(Mapping)
		if len(t) != len(u) {
			return false
		}
		for key, item := range t {
			other, ok := u[key]
			if !ok || !Equal(item, other) {
				return false
			}
		}
		return true
	}
	return a == b
}

// SortedKeys returns the mapping keys in lexical order.
func (m Mapping) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
