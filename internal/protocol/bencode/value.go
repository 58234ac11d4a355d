// Package bencode implements the self-describing value encoding used by
// extension payloads and metadata.
//
// Dictionaries keep parse order so that Encode(Decode(b)) reproduces b exactly.
// Canonical form (keys sorted by raw bytes) is a separate, explicit step.
package bencode

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one of the four value variants.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindBytes
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "invalid"
	}
}

// Value is a tagged union over integer, byte string, list and dictionary.
// The zero Value is invalid.
type Value struct {
	kind    Kind
	integer int64
	bytes   []byte
	list    []Value
	dict    []Entry
}

// Entry is one dictionary key/value pair. Keys are opaque bytes.
type Entry struct {
	Key   []byte
	Value Value
}

// Int creates an integer value.
func Int(n int64) Value {
	return Value{kind: KindInteger, integer: n}
}

// Bytes creates a byte string value holding a copy of b.
func Bytes(b []byte) Value {
	buf := make([]byte, len(b))
	copy(buf, b)
	return Value{kind: KindBytes, bytes: buf}
}

// String creates a byte string value from s.
func String(s string) Value {
	return Value{kind: KindBytes, bytes: []byte(s)}
}

// List creates a list value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Dict creates a dictionary value in the given entry order.
func Dict(entries ...Entry) Value {
	if entries == nil {
		entries = []Entry{}
	}
	return Value{kind: KindDict, dict: entries}
}

// Pair creates a dictionary entry with a string key.
func Pair(key string, v Value) Entry {
	return Entry{Key: []byte(key), Value: v}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsValid() bool {
	return v.kind != KindInvalid
}

// Int returns the integer payload.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.integer, true
}

// Bytes returns the byte string payload without copying.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.bytes, true
}

// Str returns the byte string payload as a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindBytes {
		return "", false
	}
	return string(v.bytes), true
}

// List returns the list items.
func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Entries returns dictionary entries in stored order.
func (v Value) Entries() ([]Entry, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.dict, true
}

// Lookup returns the value stored under key in a dictionary.
func (v Value) Lookup(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Len returns the element count of a list or dictionary, or the byte length
// of a byte string.
func (v Value) Len() int {
	switch v.kind {
	case KindBytes:
		return len(v.bytes)
	case KindList:
		return len(v.list)
	case KindDict:
		return len(v.dict)
	default:
		return 0
	}
}

// Equal reports structural equality, including dictionary entry order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInteger:
		return a.integer == b.integer
	case KindBytes:
		return bytes.Equal(a.bytes, b.bytes)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for i := range a.dict {
			if !bytes.Equal(a.dict[i].Key, b.dict[i].Key) || !Equal(a.dict[i].Value, b.dict[i].Value) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders a compact debug form; byte strings are quoted.
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb)
	return sb.String()
}

func (v Value) format(sb *strings.Builder) {
	switch v.kind {
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.integer, 10))
	case KindBytes:
		fmt.Fprintf(sb, "%q", v.bytes)
	case KindList:
		sb.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				sb.WriteString(", ")
			}
			item.format(sb)
		}
		sb.WriteByte(']')
	case KindDict:
		sb.WriteByte('{')
		for i, e := range v.dict {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%q: ", e.Key)
			e.Value.format(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("<invalid>")
	}
}
