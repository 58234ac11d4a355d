package message

import (
	"math"

	"github.com/danmuck/peerwire/internal/protocol"
)

// MaxBlockLength is the largest block a request, cancel or piece may carry.
const MaxBlockLength = 128 * 1024

type KeepAlive struct{}

func (KeepAlive) MessageID() ID { return IDKeepAlive }

type Choke struct{}

func (Choke) MessageID() ID { return IDChoke }

type Unchoke struct{}

func (Unchoke) MessageID() ID { return IDUnchoke }

type Interested struct{}

func (Interested) MessageID() ID { return IDInterested }

type NotInterested struct{}

func (NotInterested) MessageID() ID { return IDNotInterested }

// Have announces one completed piece.
type Have struct {
	Index uint32
}

func (Have) MessageID() ID { return IDHave }

func NewHave(index int) (Have, error) {
	if err := checkUint32("have.index", index); err != nil {
		return Have{}, err
	}
	return Have{Index: uint32(index)}, nil
}

// Bitfield is the packed piece set, high bit first.
type Bitfield struct {
	Bits []byte
}

func (Bitfield) MessageID() ID { return IDBitfield }

// Has reports whether piece i is set.
func (b Bitfield) Has(i int) bool {
	if i < 0 || i/8 >= len(b.Bits) {
		return false
	}
	return b.Bits[i/8]&(0x80>>(uint(i)%8)) != 0
}

// Count returns the number of set pieces.
func (b Bitfield) Count() int {
	n := 0
	for _, c := range b.Bits {
		for ; c != 0; c &= c - 1 {
			n++
		}
	}
	return n
}

// Request asks for one block of a piece.
type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (Request) MessageID() ID { return IDRequest }

func NewRequest(index, begin, length int) (Request, error) {
	idx, beg, ln, err := blockRef("request", index, begin, length)
	if err != nil {
		return Request{}, err
	}
	return Request{Index: idx, Begin: beg, Length: ln}, nil
}

// Cancel withdraws an earlier Request.
type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (Cancel) MessageID() ID { return IDCancel }

func NewCancel(index, begin, length int) (Cancel, error) {
	idx, beg, ln, err := blockRef("cancel", index, begin, length)
	if err != nil {
		return Cancel{}, err
	}
	return Cancel{Index: idx, Begin: beg, Length: ln}, nil
}

// Piece carries one block of data.
type Piece struct {
	Index uint32
	Begin uint32
	Block []byte
}

func (Piece) MessageID() ID { return IDPiece }

func NewPiece(index, begin int, block []byte) (Piece, error) {
	idx, beg, _, err := blockRef("piece", index, begin, len(block))
	if err != nil {
		return Piece{}, err
	}
	return Piece{Index: idx, Begin: beg, Block: block}, nil
}

// Port announces the DHT node port of the sender.
type Port struct {
	Port uint16
}

func (Port) MessageID() ID { return IDPort }

// NewPort validates port against 0..65535; out of range values are rejected,
// never clamped.
func NewPort(port int) (Port, error) {
	if port < 0 || port > math.MaxUint16 {
		return Port{}, protocol.InvalidValueError{Field: "port", Value: int64(port), Reason: "must be within 0..65535"}
	}
	return Port{Port: uint16(port)}, nil
}

func blockRef(kind string, index, begin, length int) (uint32, uint32, uint32, error) {
	if err := checkUint32(kind+".index", index); err != nil {
		return 0, 0, 0, err
	}
	if err := checkUint32(kind+".begin", begin); err != nil {
		return 0, 0, 0, err
	}
	if length < 1 || length > MaxBlockLength {
		return 0, 0, 0, protocol.InvalidValueError{Field: kind + ".length", Value: int64(length), Reason: "must be within 1..131072"}
	}
	return uint32(index), uint32(begin), uint32(length), nil
}

func checkUint32(field string, v int) error {
	if v < 0 || int64(v) > math.MaxUint32 {
		return protocol.InvalidValueError{Field: field, Value: int64(v), Reason: "must be within 0..4294967295"}
	}
	return nil
}
