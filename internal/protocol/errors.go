package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreBytes is a control signal, not a failure: retry once more
	// bytes have arrived. Buffers are left untouched when it is returned.
	ErrNeedMoreBytes       = errors.New("protocol: need more bytes")
	ErrMalformedEncoding   = errors.New("protocol: malformed encoding")
	ErrUnknownMessageType  = errors.New("protocol: unknown message type")
	ErrInvalidMessageValue = errors.New("protocol: invalid message value")
	ErrOversizedFrame      = errors.New("protocol: oversized frame")
)

// windowRadius bounds the diagnostic byte window carried by MalformedError.
const windowRadius = 16

// MalformedError reports a structural violation at Offset.
type MalformedError struct {
	Offset int
	Window []byte
	Reason string
}

// Malformed builds a MalformedError with a copy of the bytes around offset.
func Malformed(buf []byte, offset int, reason string) *MalformedError {
	start := offset - windowRadius
	if start < 0 {
		start = 0
	}
	end := offset + windowRadius
	if end > len(buf) {
		end = len(buf)
	}
	if start > end {
		start = end
	}
	window := make([]byte, end-start)
	copy(window, buf[start:end])
	return &MalformedError{Offset: offset, Window: window, Reason: reason}
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: malformed encoding at offset %d: %s (window %q)", e.Offset, e.Reason, e.Window)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedEncoding
}

// UnknownMessageTypeError names the id (and extension, if any) with no codec.
type UnknownMessageTypeError struct {
	ID        uint16
	Extension string
}

func (e UnknownMessageTypeError) Error() string {
	if e.Extension != "" {
		return fmt.Sprintf("protocol: unknown message type %d (extension %q)", e.ID, e.Extension)
	}
	return fmt.Sprintf("protocol: unknown message type %d", e.ID)
}

func (e UnknownMessageTypeError) Unwrap() error {
	return ErrUnknownMessageType
}

// InvalidValueError is returned by message constructors; values are never clamped.
type InvalidValueError struct {
	Field  string
	Value  int64
	Reason string
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("protocol: invalid %s=%d: %s", e.Field, e.Value, e.Reason)
}

func (e InvalidValueError) Unwrap() error {
	return ErrInvalidMessageValue
}

// OversizedFrameError reports a declared length above the configured ceiling.
type OversizedFrameError struct {
	Declared uint32
	Limit    uint32
}

func (e OversizedFrameError) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds limit %d", e.Declared, e.Limit)
}

func (e OversizedFrameError) Unwrap() error {
	return ErrOversizedFrame
}
