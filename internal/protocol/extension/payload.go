package extension

import (
	"errors"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/bencode"
)

// decodePayload decodes the bencoded head of an extension payload. The frame
// is already complete, so a value running past declared is malformed.
func decodePayload(payload []byte, declared int) (bencode.Value, int, error) {
	v, n, err := bencode.Decode(payload[:declared])
	if errors.Is(err, protocol.ErrNeedMoreBytes) {
		return bencode.Value{}, 0, protocol.Malformed(payload, declared, "truncated bencoded payload")
	}
	return v, n, err
}
