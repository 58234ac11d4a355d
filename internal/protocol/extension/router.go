package extension

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

var (
	// ErrNotNegotiated means an extension message cannot be routed yet, or the
	// peer never advertised the extension. Producers hitting it are skipped.
	ErrNotNegotiated     = errors.New("extension: not negotiated")
	ErrAlreadyNegotiated = errors.New("extension: handshake already received")
	ErrDisabled          = fmt.Errorf("%w: peer does not support the extension protocol", ErrNotNegotiated)
)

// Register adds the extended handshake and the built-in extension codecs to reg.
func Register(reg *message.Registry) error {
	for name, c := range map[string]message.Codec{
		HandshakeName: handshakeCodec{},
		PEXName:       pexCodec{},
		MetadataName:  metadataCodec{},
	} {
		if err := reg.RegisterExtension(name, c); err != nil {
			return err
		}
	}
	return nil
}

// Router translates between frames and messages for one connection. It owns
// the negotiation state: Unnegotiated until the peer's extended handshake is
// received, then Negotiated with an immutable remote table.
//
// Incoming extended frames carry the id we advertised, so they are resolved
// against the local table. Outgoing extension messages are stamped with the
// id the peer advertised.
//
// A Router is owned by one connection and is not safe for concurrent use.
type Router struct {
	registry   *message.Registry
	local      Table
	remote     Table
	negotiated bool
	disabled   bool
	peerHS     Handshake
}

func NewRouter(reg *message.Registry, local Table) *Router {
	return &Router{registry: reg, local: local}
}

// Disable marks the peer as lacking the extension protocol bit; every
// extension message, the handshake included, becomes unsendable.
func (r *Router) Disable() {
	r.disabled = true
}

func (r *Router) Local() Table {
	return r.local
}

func (r *Router) Remote() Table {
	return r.remote
}

func (r *Router) Negotiated() bool {
	return r.negotiated
}

// Enabled reports whether the peer advertised the extension protocol.
func (r *Router) Enabled() bool {
	return !r.disabled
}

// Supports reports whether both sides have negotiated name.
func (r *Router) Supports(name string) bool {
	if !r.negotiated {
		return false
	}
	if _, ok := r.remote.ID(name); !ok {
		return false
	}
	_, ok := r.local.ID(name)
	return ok
}

// PeerHandshake returns the peer's extended handshake once negotiated.
func (r *Router) PeerHandshake() (Handshake, bool) {
	return r.peerHS, r.negotiated
}

// Sendable reports whether msg can be encoded now. Extension messages fail
// with an error wrapping ErrNotNegotiated until the peer has advertised them.
func (r *Router) Sendable(msg message.Message) error {
	ext, ok := msg.(message.ExtensionMessage)
	if !ok {
		return nil
	}
	if r.disabled {
		return ErrDisabled
	}
	name := ext.ExtensionName()
	if name == HandshakeName {
		return nil
	}
	if !r.negotiated {
		return fmt.Errorf("%w: %s", ErrNotNegotiated, name)
	}
	if _, ok := r.remote.ID(name); !ok {
		return fmt.Errorf("%w: peer did not advertise %s", ErrNotNegotiated, name)
	}
	return nil
}

// DecodeFrame decodes one received frame. A peer handshake moves the router
// to Negotiated before the handshake message is returned.
func (r *Router) DecodeFrame(f frame.Frame) (message.Message, error) {
	if f.KeepAlive {
		return message.KeepAlive{}, nil
	}
	id := message.ID(f.ID)
	if id != message.IDExtended {
		return r.registry.DecodePayload(id, f.Payload)
	}
	if len(f.Payload) == 0 {
		return nil, protocol.Malformed(f.Payload, 0, "extended frame without extension id")
	}
	extID, body := f.Payload[0], f.Payload[1:]
	if extID == 0 {
		msg, err := r.registry.DecodeExtension(HandshakeName, body)
		if err != nil {
			return nil, err
		}
		if err := r.accept(msg.(Handshake)); err != nil {
			return nil, err
		}
		return msg, nil
	}
	if !r.negotiated {
		return nil, fmt.Errorf("%w: extended id %d before handshake", ErrNotNegotiated, extID)
	}
	name, ok := r.local.Name(extID)
	if !ok {
		return nil, protocol.UnknownMessageTypeError{ID: uint16(message.IDExtended), Extension: strconv.Itoa(int(extID))}
	}
	return r.registry.DecodeExtension(name, body)
}

func (r *Router) accept(hs Handshake) error {
	if r.negotiated {
		return ErrAlreadyNegotiated
	}
	r.remote = remoteTable(hs.M)
	r.peerHS = hs
	r.negotiated = true
	return nil
}

// EncodeMessage encodes msg into a frame ready for the wire.
func (r *Router) EncodeMessage(msg message.Message) (frame.Frame, error) {
	if _, ok := msg.(message.KeepAlive); ok {
		return frame.KeepAliveFrame(), nil
	}
	ext, isExt := msg.(message.ExtensionMessage)
	if !isExt {
		id := msg.MessageID()
		if !id.IsWire() || id == message.IDExtended {
			return frame.Frame{}, protocol.UnknownMessageTypeError{ID: uint16(id)}
		}
		payload, err := r.registry.EncodePayload(msg)
		if err != nil {
			return frame.Frame{}, err
		}
		return frame.Frame{ID: uint8(id), Payload: payload}, nil
	}
	if err := r.Sendable(msg); err != nil {
		return frame.Frame{}, err
	}
	var extID uint8
	if ext.ExtensionName() != HandshakeName {
		extID, _ = r.remote.ID(ext.ExtensionName())
	}
	body, err := r.registry.EncodePayload(msg)
	if err != nil {
		return frame.Frame{}, err
	}
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, extID)
	payload = append(payload, body...)
	return frame.Frame{ID: uint8(message.IDExtended), Payload: payload}, nil
}
