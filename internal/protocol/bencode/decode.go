package bencode

import (
	"strconv"

	"github.com/danmuck/peerwire/internal/protocol"
)

const (
	// MaxDepth bounds list/dict nesting so hostile input cannot exhaust the stack.
	MaxDepth = 128

	maxLengthDigits  = 10
	maxIntegerDigits = 20
)

// Decode parses one value from the front of buf and reports how many bytes it
// consumed. buf may be a partial window of a stream: when it ends inside a
// value that is valid so far, Decode returns protocol.ErrNeedMoreBytes.
// Grammar violations return a *protocol.MalformedError.
//
// Dictionary key order is not checked here; see CheckCanonical.
func Decode(buf []byte) (Value, int, error) {
	d := decoder{buf: buf}
	v, err := d.value()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

// DecodeAll parses buf as exactly one value. Trailing bytes are malformed and
// a truncated value is reported as protocol.ErrNeedMoreBytes.
func DecodeAll(buf []byte) (Value, error) {
	v, n, err := Decode(buf)
	if err != nil {
		return Value{}, err
	}
	if n != len(buf) {
		return Value{}, protocol.Malformed(buf, n, "trailing bytes after value")
	}
	return v, nil
}

type decoder struct {
	buf   []byte
	pos   int
	depth int
}

func (d *decoder) value() (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, protocol.ErrNeedMoreBytes
	}
	c := d.buf[d.pos]
	switch {
	case c == 'i':
		return d.integer()
	case isDigit(c):
		b, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindBytes, bytes: b}, nil
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	default:
		return Value{}, protocol.Malformed(d.buf, d.pos, "unexpected type byte")
	}
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	i := start + 1
	neg := false
	if i < len(d.buf) && d.buf[i] == '-' {
		neg = true
		i++
	}
	digitsStart := i
	for i < len(d.buf) && isDigit(d.buf[i]) {
		i++
	}
	digits := d.buf[digitsStart:i]
	if len(digits) > 1 && digits[0] == '0' {
		return Value{}, protocol.Malformed(d.buf, digitsStart, "integer has leading zero")
	}
	if neg && len(digits) > 0 && digits[0] == '0' {
		return Value{}, protocol.Malformed(d.buf, digitsStart, "negative zero")
	}
	if len(digits) > maxIntegerDigits {
		return Value{}, protocol.Malformed(d.buf, digitsStart, "integer too long")
	}
	if i >= len(d.buf) {
		return Value{}, protocol.ErrNeedMoreBytes
	}
	if d.buf[i] != 'e' {
		return Value{}, protocol.Malformed(d.buf, i, "expected integer terminator")
	}
	if len(digits) == 0 {
		return Value{}, protocol.Malformed(d.buf, i, "empty integer")
	}
	n, err := strconv.ParseInt(string(d.buf[start+1:i]), 10, 64)
	if err != nil {
		return Value{}, protocol.Malformed(d.buf, digitsStart, "integer out of range")
	}
	d.pos = i + 1
	return Int(n), nil
}

// byteString parses <length>:<bytes> and returns a copy of the bytes.
func (d *decoder) byteString() ([]byte, error) {
	start := d.pos
	i := start
	for i < len(d.buf) && isDigit(d.buf[i]) {
		i++
	}
	digits := d.buf[start:i]
	if len(digits) > 1 && digits[0] == '0' {
		return nil, protocol.Malformed(d.buf, start, "length has leading zero")
	}
	if len(digits) > maxLengthDigits {
		return nil, protocol.Malformed(d.buf, start, "length too long")
	}
	if i >= len(d.buf) {
		return nil, protocol.ErrNeedMoreBytes
	}
	if d.buf[i] != ':' {
		return nil, protocol.Malformed(d.buf, i, "expected length separator")
	}
	n, err := strconv.ParseUint(string(digits), 10, 63)
	if err != nil {
		return nil, protocol.Malformed(d.buf, start, "length out of range")
	}
	i++
	if n > uint64(len(d.buf)-i) {
		return nil, protocol.ErrNeedMoreBytes
	}
	end := i + int(n)
	out := make([]byte, n)
	copy(out, d.buf[i:end])
	d.pos = end
	return out, nil
}

func (d *decoder) list() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer d.leave()
	d.pos++
	items := []Value{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, protocol.ErrNeedMoreBytes
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: KindList, list: items}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer d.leave()
	d.pos++
	entries := []Entry{}
	seen := make(map[string]struct{})
	for {
		if d.pos >= len(d.buf) {
			return Value{}, protocol.ErrNeedMoreBytes
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: KindDict, dict: entries}, nil
		}
		if !isDigit(d.buf[d.pos]) {
			return Value{}, protocol.Malformed(d.buf, d.pos, "dictionary key is not a byte string")
		}
		keyAt := d.pos
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		if _, dup := seen[string(key)]; dup {
			return Value{}, protocol.Malformed(d.buf, keyAt, "duplicate dictionary key")
		}
		seen[string(key)] = struct{}{}
		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: key, Value: val})
	}
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > MaxDepth {
		return protocol.Malformed(d.buf, d.pos, "nesting too deep")
	}
	return nil
}

func (d *decoder) leave() {
	d.depth--
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
