package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// ProtocolName is the fixed protocol string of the connection handshake.
	ProtocolName = "BitTorrent protocol"
	HandshakeLen = 1 + len(ProtocolName) + 8 + 20 + 20

	reservedExtensionByte = 5
	reservedExtensionBit  = 0x10
	reservedDHTByte       = 7
	reservedDHTBit        = 0x01
)

var (
	ErrInvalidHandshake = errors.New("session: invalid handshake")
	ErrInfoHashMismatch = errors.New("session: info hash mismatch")
	ErrSelfConnection   = errors.New("session: connected to self")
)

// Handshake is the fixed header both sides send before any frame.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising the given capabilities.
func NewHandshake(infoHash, peerID [20]byte, extensions, dht bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	if extensions {
		h.Reserved[reservedExtensionByte] |= reservedExtensionBit
	}
	if dht {
		h.Reserved[reservedDHTByte] |= reservedDHTBit
	}
	return h
}

// SupportsExtensions reports the extension protocol bit.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[reservedExtensionByte]&reservedExtensionBit != 0
}

// SupportsDHT reports the DHT bit.
func (h Handshake) SupportsDHT() bool {
	return h.Reserved[reservedDHTByte]&reservedDHTBit != 0
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolName)))
	buf = append(buf, ProtocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	return append(buf, h.PeerID[:]...), nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != HandshakeLen {
		return fmt.Errorf("%w: length %d", ErrInvalidHandshake, len(b))
	}
	if int(b[0]) != len(ProtocolName) || !bytes.Equal(b[1:1+len(ProtocolName)], []byte(ProtocolName)) {
		return fmt.Errorf("%w: unexpected protocol string", ErrInvalidHandshake)
	}
	off := 1 + len(ProtocolName)
	copy(h.Reserved[:], b[off:off+8])
	copy(h.InfoHash[:], b[off+8:off+28])
	copy(h.PeerID[:], b[off+28:off+48])
	return nil
}

func WriteHandshake(w io.Writer, h Handshake) error {
	b, _ := h.MarshalBinary()
	_, err := w.Write(b)
	return err
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Handshake{}, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
		}
		return Handshake{}, err
	}
	var h Handshake
	if err := h.UnmarshalBinary(buf); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// Exchange sends local and reads the peer handshake concurrently, bounded
// by timeout. The peer must name the same info hash and a different peer id.
func Exchange(ctx context.Context, conn net.Conn, local Handshake, timeout time.Duration) (Handshake, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return Handshake{}, err
		}
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	var (
		remote Handshake
		g      errgroup.Group
	)
	abort := func(err error) error {
		if err != nil {
			_ = conn.SetDeadline(time.Now())
		}
		return err
	}
	g.Go(func() error {
		return abort(WriteHandshake(conn, local))
	})
	g.Go(func() error {
		var err error
		remote, err = ReadHandshake(conn)
		return abort(err)
	})
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	err := g.Wait()
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Handshake{}, ctxErr
		}
		return Handshake{}, err
	}
	if remote.InfoHash != local.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	if remote.PeerID == local.PeerID {
		return Handshake{}, ErrSelfConnection
	}
	return remote, nil
}
