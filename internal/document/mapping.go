package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotMapping indicates a document whose root is not a mapping.
var ErrNotMapping = errors.New("document root is not a mapping")

// PathSeparator splits override paths such as "db.mysql.port".
const PathSeparator = "."

// SplitPath breaks a dot-delimited path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, PathSeparator)
}

// Set stores value at path, creating intermediate mappings as needed.
// An intermediate that is not a mapping is replaced by an empty one.
func (m Mapping) Set(path string, value Value) {
	keys := SplitPath(path)
	current := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(Mapping)
		if !ok {
			next = Mapping{}
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
}

// Lookup returns the value stored at path.
func (m Mapping) Lookup(path string) (Value, bool) {
	if path == "" {
		return m, true
	}
	var current Value = m
	for _, key := range SplitPath(path) {
		node, ok := current.(Mapping)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Section returns the nested mapping stored under key, or nil.
func (m Mapping) Section(key string) Mapping {
	section, _ := m[key].(Mapping)
	return section
}

// Clone returns a deep copy of the mapping.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for key, item := range m {
		out[key] = Clone(item)
	}
	return out
}

// Merge overlays src onto base and returns the result. Nested mappings are
// merged key by key; every other value in src replaces the one in base.
// Neither argument is modified.
func Merge(base, src Mapping) Mapping {
	out := base.Clone()
	if out == nil {
		out = Mapping{}
	}
	for key, item := range src {
		overlay, isMapping := item.(Mapping)
		existing, hasMapping := out[key].(Mapping)
		if isMapping && hasMapping {
			out[key] = Merge(existing, overlay)
			continue
		}
		out[key] = Clone(item)
	}
	return out
}

// Flatten lists every leaf keyed by its dot-delimited path. Sequences are leaves;
// empty mappings are reported as leaves so they survive a diff.
func (m Mapping) Flatten() map[string]Value {
	out := make(map[string]Value)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]Value, prefix string, m Mapping) {
	for key, item := range m {
		path := key
		if prefix != "" {
			path = prefix + PathSeparator + key
		}
		if nested, ok := item.(Mapping); ok && len(nested) > 0 {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = item
	}
}

// ParseJSON decodes strict JSON text into a Mapping.
func ParseJSON(data []byte) (Mapping, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return AsMapping(raw)
}

// AsMapping converts decoder output into a Mapping, failing when the root is
// anything else.
func AsMapping(raw any) (Mapping, error) {
	if raw == nil {
		return Mapping{}, nil
	}
	value, err := From(raw)
	if err != nil {
		return nil, err
	}
	m, ok := value.(Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNotMapping, value.Kind())
	}
	return m, nil
}
