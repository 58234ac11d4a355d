// Package frame splits a peer byte stream into length-prefixed frames.
//
// Wire format: [4-byte big-endian length][1-byte message id][payload].
// A length of zero is a keep-alive and carries neither id nor payload.
package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/peerwire/internal/protocol"
)

const (
	// LengthPrefixLen is the size of the big-endian length field.
	LengthPrefixLen = 4
	// HeaderLen is the length prefix plus the message id byte.
	HeaderLen = LengthPrefixLen + 1

	// DefaultMaxFrameBytes admits a 1 MiB payload plus a piece header.
	DefaultMaxFrameBytes uint32 = 1<<20 + 9
)

var ErrTruncated = errors.New("frame: stream ended inside a frame")

// Frame is one complete wire unit.
type Frame struct {
	KeepAlive bool
	ID        uint8
	Payload   []byte
}

// KeepAliveFrame returns the zero-length frame.
func KeepAliveFrame() Frame {
	return Frame{KeepAlive: true}
}

// Len returns the value carried in the length prefix.
func (f Frame) Len() uint32 {
	if f.KeepAlive {
		return 0
	}
	return uint32(len(f.Payload)) + 1
}

// Size returns the number of bytes the frame occupies on the wire.
func (f Frame) Size() int {
	return LengthPrefixLen + int(f.Len())
}

// Limits constrains frame memory use per connection.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: DefaultMaxFrameBytes}
}

func (l Limits) ceiling() uint32 {
	if l.MaxFrameBytes == 0 {
		return DefaultMaxFrameBytes
	}
	return l.MaxFrameBytes
}

// TryExtract returns the first complete frame in buf and its wire size.
// It never blocks and never mutates buf. When buf holds less than one frame it
// returns protocol.ErrNeedMoreBytes and zero consumed; a declared length above
// the ceiling returns protocol.OversizedFrameError. Bytes after the first frame
// are left for the next call.
func TryExtract(buf []byte, limits Limits) (Frame, int, error) {
	if len(buf) < LengthPrefixLen {
		return Frame{}, 0, protocol.ErrNeedMoreBytes
	}
	declared := binary.BigEndian.Uint32(buf[:LengthPrefixLen])
	if limit := limits.ceiling(); declared > limit {
		return Frame{}, 0, protocol.OversizedFrameError{Declared: declared, Limit: limit}
	}
	if declared == 0 {
		return KeepAliveFrame(), LengthPrefixLen, nil
	}
	total := uint64(LengthPrefixLen) + uint64(declared)
	if uint64(len(buf)) < total {
		return Frame{}, 0, protocol.ErrNeedMoreBytes
	}
	payload := make([]byte, int(total)-HeaderLen)
	copy(payload, buf[HeaderLen:total])
	return Frame{ID: buf[LengthPrefixLen], Payload: payload}, int(total), nil
}

// Append appends the wire encoding of f to dst.
func Append(dst []byte, f Frame) []byte {
	var prefix [LengthPrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], f.Len())
	dst = append(dst, prefix[:]...)
	if f.KeepAlive {
		return dst
	}
	dst = append(dst, f.ID)
	return append(dst, f.Payload...)
}

func Encode(f Frame) []byte {
	return Append(make([]byte, 0, f.Size()), f)
}

// ReadFrame blocks until one complete frame has been read from r.
// A clean end of stream before any byte returns io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	declared := binary.BigEndian.Uint32(prefix[:])
	if limit := limits.ceiling(); declared > limit {
		return Frame{}, protocol.OversizedFrameError{Declared: declared, Limit: limit}
	}
	if declared == 0 {
		return KeepAliveFrame(), nil
	}
	body := make([]byte, declared)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return Frame{ID: body[0], Payload: body[1:]}, nil
}

// WriteFrame writes f to w in one call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if limit := limits.ceiling(); f.Len() > limit {
		return protocol.OversizedFrameError{Declared: f.Len(), Limit: limit}
	}
	_, err := w.Write(Encode(f))
	return err
}
