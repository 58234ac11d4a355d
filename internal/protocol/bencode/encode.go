package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var ErrNotCanonical = errors.New("bencode: not canonical")

// Encode serializes v, keeping dictionary entries in stored order.
func Encode(v Value) []byte {
	return AppendEncode(nil, v)
}

// AppendEncode appends the encoding of v to dst.
func AppendEncode(dst []byte, v Value) []byte {
	switch v.kind {
	case KindInteger:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v.integer, 10)
		dst = append(dst, 'e')
	case KindBytes:
		dst = appendByteString(dst, v.bytes)
	case KindList:
		dst = append(dst, 'l')
		for _, item := range v.list {
			dst = AppendEncode(dst, item)
		}
		dst = append(dst, 'e')
	case KindDict:
		dst = append(dst, 'd')
		for _, e := range v.dict {
			dst = appendByteString(dst, e.Key)
			dst = AppendEncode(dst, e.Value)
		}
		dst = append(dst, 'e')
	}
	return dst
}

func appendByteString(dst, b []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, ':')
	return append(dst, b...)
}

// Canonical returns a copy of v with every dictionary sorted by raw key bytes.
func Canonical(v Value) Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = Canonical(item)
		}
		return Value{kind: KindList, list: items}
	case KindDict:
		entries := make([]Entry, len(v.dict))
		for i, e := range v.dict {
			entries[i] = Entry{Key: e.Key, Value: Canonical(e.Value)}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		return Value{kind: KindDict, dict: entries}
	default:
		return v
	}
}

// EncodeCanonical serializes the canonical form of v, for hashing and signing.
func EncodeCanonical(v Value) []byte {
	return Encode(Canonical(v))
}

// IsCanonical reports whether every dictionary in v has strictly increasing keys.
func IsCanonical(v Value) bool {
	return checkCanonical(v) == nil
}

// CheckCanonical decodes buf as exactly one value and verifies strict key order.
func CheckCanonical(buf []byte) error {
	v, err := DecodeAll(buf)
	if err != nil {
		return err
	}
	return checkCanonical(v)
}

func checkCanonical(v Value) error {
	switch v.kind {
	case KindList:
		for _, item := range v.list {
			if err := checkCanonical(item); err != nil {
				return err
			}
		}
	case KindDict:
		for i, e := range v.dict {
			if i > 0 && bytes.Compare(v.dict[i-1].Key, e.Key) >= 0 {
				return fmt.Errorf("%w: key %q follows %q", ErrNotCanonical, e.Key, v.dict[i-1].Key)
			}
			if err := checkCanonical(e.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
