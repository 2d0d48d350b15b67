package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ValueKind tells which variant a Value holds.
type ValueKind int

const (
	ValueString ValueKind = iota + 1
	ValueNumber
	ValueList
)

// Value is a metadata value: a string, a number or a list of strings.
// The zero Value is empty and is dropped when serialized.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	list []string
}

// String returns a string Value.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: ValueNumber, num: n} }

// List returns a string-list Value.
func List(items ...string) Value {
	return Value{kind: ValueList, list: append([]string(nil), items...)}
}

// Kind returns the variant held, or 0 for the empty Value.
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether v holds nothing.
func (v Value) IsZero() bool { return v.kind == 0 }

// Str returns the string variant.
func (v Value) Str() (string, bool) { return v.str, v.kind == ValueString }

// Num returns the numeric variant.
func (v Value) Num() (float64, bool) { return v.num, v.kind == ValueNumber }

// Strings returns the list variant.
func (v Value) Strings() ([]string, bool) { return v.list, v.kind == ValueList }

// Text flattens any variant to a display string.
func (v Value) Text() string {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueList:
		if len(v.list) == 0 {
			return ""
		}
		return v.list[0]
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueString:
		return json.Marshal(v.str)
	case ValueNumber:
		return json.Marshal(v.num)
	case ValueList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = String(s)
	case '[':
		var l []string
		if err := json.Unmarshal(b, &l); err != nil {
			return fmt.Errorf("metadata list: %w", err)
		}
		*v = List(l...)
	default:
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("metadata value: %w", err)
		}
		*v = Number(n)
	}
	return nil
}

// Metadata is the per-item bibliographic map. No key is guaranteed present.
type Metadata map[string]Value

// Get returns the value stored under key.
func (m Metadata) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok && !v.IsZero()
}

// Text returns the flattened text of key, or "".
func (m Metadata) Text(key string) string {
	v, _ := m.Get(key)
	return v.Text()
}

// Set stores v under key; empty values delete the key.
func (m Metadata) Set(key string, v Value) {
	if v.IsZero() {
		delete(m, key)
		return
	}
	m[key] = v
}

// Add appends s to the list under key, promoting a string to a list.
func (m Metadata) Add(key, s string) {
	cur, ok := m.Get(key)
	switch {
	case !ok:
		m[key] = List(s)
	case cur.kind == ValueList:
		m[key] = List(append(cur.list, s)...)
	default:
		m[key] = List(cur.Text(), s)
	}
}

// Merge copies every key of other into m, overwriting existing keys.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m.Set(k, v)
	}
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeMetadata serializes m for storage.
func EncodeMetadata(m Metadata) (string, error) {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		if !v.IsZero() {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses the stored form; empty input is an empty map.
func DecodeMetadata(raw string) (Metadata, error) {
	m := Metadata{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	for k, v := range m {
		if v.IsZero() {
			delete(m, k)
		}
	}
	return m, nil
}
