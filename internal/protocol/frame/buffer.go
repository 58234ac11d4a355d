package frame

// compactThreshold is the consumed prefix size that triggers a copy-down.
const compactThreshold = 64 * 1024

// Buffer accumulates received bytes for one connection and hands out frames
// in arrival order. It is not safe for concurrent use; a connection owns
// exactly one.
type Buffer struct {
	limits Limits
	buf    []byte
	off    int
}

func NewBuffer(limits Limits) *Buffer {
	return &Buffer{limits: limits}
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next extracts the next frame. On any error, including
// protocol.ErrNeedMoreBytes, the buffered bytes are left untouched.
func (b *Buffer) Next() (Frame, error) {
	f, n, err := TryExtract(b.buf[b.off:], b.limits)
	if err != nil {
		return Frame{}, err
	}
	b.consume(n)
	return f, nil
}

func (b *Buffer) consume(n int) {
	b.off += n
	switch {
	case b.off == len(b.buf):
		b.buf = b.buf[:0]
		b.off = 0
	case b.off >= compactThreshold:
		remaining := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:remaining]
		b.off = 0
	}
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Bytes returns the unconsumed bytes. The slice aliases the buffer and is
// valid until the next Write, Next or Reset.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Reset discards any buffered partial frame.
func (b *Buffer) Reset() {
	b.buf = nil
	b.off = 0
}
