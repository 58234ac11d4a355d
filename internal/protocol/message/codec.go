package message

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/peerwire/internal/protocol"
)

// Codec decodes and encodes the payload of one message variant.
//
// Decode receives the payload bytes and the declared payload length and
// reports how many bytes it used. Fixed-size codecs require at least their
// size and tolerate trailing padding inside the declared length.
type Codec interface {
	Decode(payload []byte, declared int) (Message, int, error)
	Encode(dst []byte, msg Message) ([]byte, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs struct {
	DecodeFunc func(payload []byte, declared int) (Message, int, error)
	EncodeFunc func(dst []byte, msg Message) ([]byte, error)
}

func (c CodecFuncs) Decode(payload []byte, declared int) (Message, int, error) {
	return c.DecodeFunc(payload, declared)
}

func (c CodecFuncs) Encode(dst []byte, msg Message) ([]byte, error) {
	return c.EncodeFunc(dst, msg)
}

// CheckDeclared rejects payloads shorter than their declared length and
// payloads shorter than min. It never fabricates a value from missing bytes.
func CheckDeclared(payload []byte, declared, min int) error {
	if declared > len(payload) {
		return protocol.Malformed(payload, len(payload), fmt.Sprintf("declared %d bytes, have %d", declared, len(payload)))
	}
	if declared < min {
		return protocol.Malformed(payload, declared, fmt.Sprintf("need %d bytes, declared %d", min, declared))
	}
	return nil
}

// WrongType is returned by Encode when handed a message of another variant.
func WrongType(want ID, msg Message) error {
	return fmt.Errorf("%w: codec for %s cannot encode %T", protocol.ErrInvalidMessageValue, want, msg)
}

// signalCodec handles the payload-less state messages.
type signalCodec struct {
	msg Message
}

func (c signalCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 0); err != nil {
		return nil, 0, err
	}
	return c.msg, 0, nil
}

func (c signalCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	if msg.MessageID() != c.msg.MessageID() {
		return dst, WrongType(c.msg.MessageID(), msg)
	}
	return dst, nil
}

type haveCodec struct{}

func (haveCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 4); err != nil {
		return nil, 0, err
	}
	return Have{Index: binary.BigEndian.Uint32(payload)}, 4, nil
}

func (haveCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	m, ok := msg.(Have)
	if !ok {
		return dst, WrongType(IDHave, msg)
	}
	return binary.BigEndian.AppendUint32(dst, m.Index), nil
}

type bitfieldCodec struct{}

func (bitfieldCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 0); err != nil {
		return nil, 0, err
	}
	bits := make([]byte, declared)
	copy(bits, payload)
	return Bitfield{Bits: bits}, declared, nil
}

func (bitfieldCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	m, ok := msg.(Bitfield)
	if !ok {
		return dst, WrongType(IDBitfield, msg)
	}
	return append(dst, m.Bits...), nil
}

// blockRefCodec decodes the index/begin/length triple shared by request and
// cancel, validating through the same constructors outgoing messages use.
type blockRefCodec struct {
	id ID
}

func (c blockRefCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 12); err != nil {
		return nil, 0, err
	}
	index := int(binary.BigEndian.Uint32(payload[0:4]))
	begin := int(binary.BigEndian.Uint32(payload[4:8]))
	length := int(binary.BigEndian.Uint32(payload[8:12]))
	var (
		msg Message
		err error
	)
	if c.id == IDCancel {
		msg, err = NewCancel(index, begin, length)
	} else {
		msg, err = NewRequest(index, begin, length)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, 12, nil
}

func (c blockRefCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	var index, begin, length uint32
	switch m := msg.(type) {
	case Request:
		if c.id != IDRequest {
			return dst, WrongType(c.id, msg)
		}
		index, begin, length = m.Index, m.Begin, m.Length
	case Cancel:
		if c.id != IDCancel {
			return dst, WrongType(c.id, msg)
		}
		index, begin, length = m.Index, m.Begin, m.Length
	default:
		return dst, WrongType(c.id, msg)
	}
	dst = binary.BigEndian.AppendUint32(dst, index)
	dst = binary.BigEndian.AppendUint32(dst, begin)
	return binary.BigEndian.AppendUint32(dst, length), nil
}

type pieceCodec struct{}

func (pieceCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 9); err != nil {
		return nil, 0, err
	}
	block := make([]byte, declared-8)
	copy(block, payload[8:declared])
	msg, err := NewPiece(
		int(binary.BigEndian.Uint32(payload[0:4])),
		int(binary.BigEndian.Uint32(payload[4:8])),
		block,
	)
	if err != nil {
		return nil, 0, err
	}
	return msg, declared, nil
}

func (pieceCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	m, ok := msg.(Piece)
	if !ok {
		return dst, WrongType(IDPiece, msg)
	}
	dst = binary.BigEndian.AppendUint32(dst, m.Index)
	dst = binary.BigEndian.AppendUint32(dst, m.Begin)
	return append(dst, m.Block...), nil
}

type portCodec struct{}

func (portCodec) Decode(payload []byte, declared int) (Message, int, error) {
	if err := CheckDeclared(payload, declared, 2); err != nil {
		return nil, 0, err
	}
	msg, err := NewPort(int(binary.BigEndian.Uint16(payload)))
	if err != nil {
		return nil, 0, err
	}
	return msg, 2, nil
}

func (portCodec) Encode(dst []byte, msg Message) ([]byte, error) {
	m, ok := msg.(Port)
	if !ok {
		return dst, WrongType(IDPort, msg)
	}
	return binary.BigEndian.AppendUint16(dst, m.Port), nil
}

// BaseCodecs returns the codecs of the core protocol messages.
func BaseCodecs() map[ID]Codec {
	return map[ID]Codec{
		IDChoke:         signalCodec{msg: Choke{}},
		IDUnchoke:       signalCodec{msg: Unchoke{}},
		IDInterested:    signalCodec{msg: Interested{}},
		IDNotInterested: signalCodec{msg: NotInterested{}},
		IDHave:          haveCodec{},
		IDBitfield:      bitfieldCodec{},
		IDRequest:       blockRefCodec{id: IDRequest},
		IDPiece:         pieceCodec{},
		IDCancel:        blockRefCodec{id: IDCancel},
		IDPort:          portCodec{},
	}
}
