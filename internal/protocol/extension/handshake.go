package extension

import (
	"fmt"
	"math"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/bencode"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

// HandshakeName addresses the extended handshake, which always travels
// with extended id 0.
const HandshakeName = "handshake"

// Handshake is the bencoded dictionary exchanged once per connection.
// Zero values mean the key is absent. Unrecognized keys survive in Extra.
type Handshake struct {
	M            map[string]int
	Port         uint16
	Client       string
	ReqQ         int
	YourIP       []byte
	MetadataSize int64
	Extra        []bencode.Entry
}

func (Handshake) MessageID() message.ID { return message.IDExtended }

func (Handshake) ExtensionName() string { return HandshakeName }

// Options carries the optional handshake fields a node advertises.
type Options struct {
	ListenPort   int
	Client       string
	ReqQ         int
	MetadataSize int64
}

// NewHandshake builds the local handshake advertising t.
func NewHandshake(t Table, opts Options) (Handshake, error) {
	if opts.ListenPort < 0 || opts.ListenPort > math.MaxUint16 {
		return Handshake{}, protocol.InvalidValueError{Field: "handshake.p", Value: int64(opts.ListenPort), Reason: "must be within 0..65535"}
	}
	if opts.ReqQ < 0 {
		return Handshake{}, protocol.InvalidValueError{Field: "handshake.reqq", Value: int64(opts.ReqQ), Reason: "must not be negative"}
	}
	if opts.MetadataSize < 0 {
		return Handshake{}, protocol.InvalidValueError{Field: "handshake.metadata_size", Value: opts.MetadataSize, Reason: "must not be negative"}
	}
	return Handshake{
		M:            t.Map(),
		Port:         uint16(opts.ListenPort),
		Client:       opts.Client,
		ReqQ:         opts.ReqQ,
		MetadataSize: opts.MetadataSize,
	}, nil
}

type handshakeCodec struct{}

func (handshakeCodec) Decode(payload []byte, declared int) (message.Message, int, error) {
	if err := message.CheckDeclared(payload, declared, 0); err != nil {
		return nil, 0, err
	}
	v, n, err := decodePayload(payload, declared)
	if err != nil {
		return nil, 0, err
	}
	entries, ok := v.Entries()
	if !ok {
		return nil, 0, protocol.Malformed(payload, 0, "extended handshake is not a dictionary")
	}
	hs := Handshake{M: map[string]int{}}
	for _, e := range entries {
		switch string(e.Key) {
		case "m":
			m, ok := e.Value.Entries()
			if !ok {
				return nil, 0, protocol.Malformed(payload, 0, "extended handshake m is not a dictionary")
			}
			for _, me := range m {
				if id, ok := me.Value.Int(); ok && id >= 0 && id <= 255 {
					hs.M[string(me.Key)] = int(id)
				}
			}
		case "p":
			if p, ok := e.Value.Int(); ok && p > 0 && p <= math.MaxUint16 {
				hs.Port = uint16(p)
			}
		case "v":
			if s, ok := e.Value.Str(); ok {
				hs.Client = s
			}
		case "reqq":
			if q, ok := e.Value.Int(); ok && q > 0 && q <= math.MaxInt32 {
				hs.ReqQ = int(q)
			}
		case "yourip":
			if b, ok := e.Value.Bytes(); ok && (len(b) == 4 || len(b) == 16) {
				hs.YourIP = b
			}
		case "metadata_size":
			if s, ok := e.Value.Int(); ok && s > 0 {
				hs.MetadataSize = s
			}
		default:
			hs.Extra = append(hs.Extra, e)
		}
	}
	return hs, n, nil
}

func (handshakeCodec) Encode(dst []byte, msg message.Message) ([]byte, error) {
	hs, ok := msg.(Handshake)
	if !ok {
		return dst, fmt.Errorf("%w: extended handshake codec cannot encode %T", protocol.ErrInvalidMessageValue, msg)
	}
	m := make([]bencode.Entry, 0, len(hs.M))
	for name, id := range hs.M {
		m = append(m, bencode.Pair(name, bencode.Int(int64(id))))
	}
	entries := []bencode.Entry{bencode.Pair("m", bencode.Dict(m...))}
	if hs.Port != 0 {
		entries = append(entries, bencode.Pair("p", bencode.Int(int64(hs.Port))))
	}
	if hs.Client != "" {
		entries = append(entries, bencode.Pair("v", bencode.String(hs.Client)))
	}
	if hs.ReqQ > 0 {
		entries = append(entries, bencode.Pair("reqq", bencode.Int(int64(hs.ReqQ))))
	}
	if len(hs.YourIP) > 0 {
		entries = append(entries, bencode.Pair("yourip", bencode.Bytes(hs.YourIP)))
	}
	if hs.MetadataSize > 0 {
		entries = append(entries, bencode.Pair("metadata_size", bencode.Int(hs.MetadataSize)))
	}
	entries = append(entries, hs.Extra...)
	return append(dst, bencode.EncodeCanonical(bencode.Dict(entries...))...), nil
}
