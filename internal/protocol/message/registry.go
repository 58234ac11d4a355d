package message

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/peerwire/internal/protocol"
)

var (
	ErrRegistryFrozen = errors.New("message: registry already in use")
	ErrCodecExists    = errors.New("message: codec already registered")
	ErrReservedID     = errors.New("message: id is reserved")
)

// Registry maps wire ids and extension names to codecs. Registration must
// finish before the first lookup; after that the registry is read-only and
// safe for concurrent use by many connections.
type Registry struct {
	mu     sync.RWMutex
	frozen atomic.Bool
	base   map[ID]Codec
	ext    map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{
		base: make(map[ID]Codec),
		ext:  make(map[string]Codec),
	}
}

// DefaultRegistry returns a new registry holding every base codec.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for id, c := range BaseCodecs() {
		r.base[id] = c
	}
	return r
}

// Register binds a wire id to a codec.
func (r *Registry) Register(id ID, c Codec) error {
	if !id.IsWire() || id == IDExtended {
		return fmt.Errorf("%w: %s", ErrReservedID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if _, ok := r.base[id]; ok {
		return fmt.Errorf("%w: %s", ErrCodecExists, id)
	}
	r.base[id] = c
	return nil
}

// RegisterExtension binds an extension name to the codec of its payload,
// which follows the one-byte extended id.
func (r *Registry) RegisterExtension(name string, c Codec) error {
	if name == "" {
		return fmt.Errorf("%w: empty extension name", ErrReservedID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if _, ok := r.ext[name]; ok {
		return fmt.Errorf("%w: extension %q", ErrCodecExists, name)
	}
	r.ext[name] = c
	return nil
}

// Freeze ends registration. Lookups freeze implicitly.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

func (r *Registry) codec(id ID) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.frozen.Store(true)
	c, ok := r.base[id]
	return c, ok
}

// ExtensionCodec returns the codec registered under name.
func (r *Registry) ExtensionCodec(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.frozen.Store(true)
	c, ok := r.ext[name]
	if !ok {
		return nil, protocol.UnknownMessageTypeError{ID: uint16(IDExtended), Extension: name}
	}
	return c, nil
}

// Extensions returns the registered extension names in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ext))
	for name := range r.ext {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodePayload decodes a base message payload. An id with no codec returns
// protocol.UnknownMessageTypeError; whether that is fatal is the caller's call.
func (r *Registry) DecodePayload(id ID, payload []byte) (Message, error) {
	c, ok := r.codec(id)
	if !ok {
		return nil, protocol.UnknownMessageTypeError{ID: uint16(id)}
	}
	return decodeWith(c, payload)
}

// DecodeExtension decodes the payload of the named extension message.
func (r *Registry) DecodeExtension(name string, payload []byte) (Message, error) {
	c, err := r.ExtensionCodec(name)
	if err != nil {
		return nil, err
	}
	return decodeWith(c, payload)
}

// EncodePayload encodes msg with the codec matching its variant.
func (r *Registry) EncodePayload(msg Message) ([]byte, error) {
	key := KeyOf(msg)
	var (
		c   Codec
		err error
	)
	if key.Extension != "" {
		c, err = r.ExtensionCodec(key.Extension)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if c, ok = r.codec(key.ID); !ok {
			return nil, protocol.UnknownMessageTypeError{ID: uint16(key.ID)}
		}
	}
	return c.Encode(nil, msg)
}

func decodeWith(c Codec, payload []byte) (Message, error) {
	msg, consumed, err := c.Decode(payload, len(payload))
	if err != nil {
		return nil, err
	}
	if consumed < 0 || consumed > len(payload) {
		return nil, protocol.Malformed(payload, len(payload), fmt.Sprintf("codec consumed %d of %d bytes", consumed, len(payload)))
	}
	return msg, nil
}
