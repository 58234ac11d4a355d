package extension

import (
	"fmt"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/bencode"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

const MetadataName = "ut_metadata"

// MetadataPieceSize is the fixed piece size of the metadata exchange.
const MetadataPieceSize = 16 * 1024

type MetadataType int

const (
	MetadataRequest MetadataType = 0
	MetadataData    MetadataType = 1
	MetadataReject  MetadataType = 2
)

func (t MetadataType) String() string {
	switch t {
	case MetadataRequest:
		return "request"
	case MetadataData:
		return "data"
	case MetadataReject:
		return "reject"
	default:
		return fmt.Sprintf("metadata_type(%d)", int(t))
	}
}

// Metadata is one ut_metadata message. Data pieces carry their raw bytes
// after the bencoded dictionary.
type Metadata struct {
	Type      MetadataType
	Piece     int
	TotalSize int64
	Data      []byte
}

func (Metadata) MessageID() message.ID { return message.IDExtended }

func (Metadata) ExtensionName() string { return MetadataName }

func NewMetadataRequest(piece int) (Metadata, error) {
	if piece < 0 {
		return Metadata{}, protocol.InvalidValueError{Field: "metadata.piece", Value: int64(piece), Reason: "must not be negative"}
	}
	return Metadata{Type: MetadataRequest, Piece: piece}, nil
}

func NewMetadataReject(piece int) (Metadata, error) {
	if piece < 0 {
		return Metadata{}, protocol.InvalidValueError{Field: "metadata.piece", Value: int64(piece), Reason: "must not be negative"}
	}
	return Metadata{Type: MetadataReject, Piece: piece}, nil
}

// NewMetadataData validates that data is the correctly sized piece of a
// totalSize metadata blob.
func NewMetadataData(piece int, totalSize int64, data []byte) (Metadata, error) {
	if piece < 0 {
		return Metadata{}, protocol.InvalidValueError{Field: "metadata.piece", Value: int64(piece), Reason: "must not be negative"}
	}
	if totalSize <= 0 {
		return Metadata{}, protocol.InvalidValueError{Field: "metadata.total_size", Value: totalSize, Reason: "must be positive"}
	}
	if want := MetadataPieceLen(totalSize, piece); len(data) != want {
		return Metadata{}, protocol.InvalidValueError{Field: "metadata.data", Value: int64(len(data)), Reason: fmt.Sprintf("piece %d must be %d bytes", piece, want)}
	}
	return Metadata{Type: MetadataData, Piece: piece, TotalSize: totalSize, Data: data}, nil
}

// MetadataPieces returns how many pieces a blob of totalSize spans.
func MetadataPieces(totalSize int64) int {
	if totalSize <= 0 {
		return 0
	}
	return int((totalSize + MetadataPieceSize - 1) / MetadataPieceSize)
}

// MetadataPieceLen returns the length of piece within a blob of totalSize,
// or 0 when piece is out of range.
func MetadataPieceLen(totalSize int64, piece int) int {
	if piece < 0 || piece >= MetadataPieces(totalSize) {
		return 0
	}
	rest := totalSize - int64(piece)*MetadataPieceSize
	if rest > MetadataPieceSize {
		return MetadataPieceSize
	}
	return int(rest)
}

type metadataCodec struct{}

func (metadataCodec) Decode(payload []byte, declared int) (message.Message, int, error) {
	if err := message.CheckDeclared(payload, declared, 0); err != nil {
		return nil, 0, err
	}
	v, n, err := decodePayload(payload, declared)
	if err != nil {
		return nil, 0, err
	}
	if v.Kind() != bencode.KindDict {
		return nil, 0, protocol.Malformed(payload, 0, "ut_metadata payload is not a dictionary")
	}
	msgType, ok := lookupInt(v, "msg_type")
	if !ok || msgType < int64(MetadataRequest) || msgType > int64(MetadataReject) {
		return nil, 0, protocol.Malformed(payload, 0, "ut_metadata msg_type missing or unknown")
	}
	piece, ok := lookupInt(v, "piece")
	if !ok || piece < 0 || piece > int64(^uint32(0)) {
		return nil, 0, protocol.Malformed(payload, 0, "ut_metadata piece missing or out of range")
	}
	switch MetadataType(msgType) {
	case MetadataRequest:
		m, err := NewMetadataRequest(int(piece))
		if err != nil {
			return nil, 0, err
		}
		return m, n, nil
	case MetadataReject:
		m, err := NewMetadataReject(int(piece))
		if err != nil {
			return nil, 0, err
		}
		return m, n, nil
	}
	total, ok := lookupInt(v, "total_size")
	if !ok || total <= 0 {
		return nil, 0, protocol.Malformed(payload, 0, "ut_metadata data without total_size")
	}
	data := make([]byte, declared-n)
	copy(data, payload[n:declared])
	m, err := NewMetadataData(int(piece), total, data)
	if err != nil {
		return nil, 0, err
	}
	return m, declared, nil
}

func (metadataCodec) Encode(dst []byte, msg message.Message) ([]byte, error) {
	m, ok := msg.(Metadata)
	if !ok {
		return dst, fmt.Errorf("%w: ut_metadata codec cannot encode %T", protocol.ErrInvalidMessageValue, msg)
	}
	entries := []bencode.Entry{
		bencode.Pair("msg_type", bencode.Int(int64(m.Type))),
		bencode.Pair("piece", bencode.Int(int64(m.Piece))),
	}
	if m.Type == MetadataData {
		entries = append(entries, bencode.Pair("total_size", bencode.Int(m.TotalSize)))
	}
	dst = append(dst, bencode.EncodeCanonical(bencode.Dict(entries...))...)
	if m.Type == MetadataData {
		dst = append(dst, m.Data...)
	}
	return dst, nil
}

func lookupInt(v bencode.Value, key string) (int64, bool) {
	item, ok := v.Lookup(key)
	if !ok {
		return 0, false
	}
	return item.Int()
}
