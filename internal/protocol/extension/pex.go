package extension

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/bencode"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

const PEXName = "ut_pex"

// Peer flags carried in added.f / added6.f.
const (
	FlagPrefersEncryption byte = 0x01
	FlagSeedOnly          byte = 0x02
	FlagSupportsUTP       byte = 0x04
	FlagHolepunch         byte = 0x08
	FlagReachable         byte = 0x10
)

const (
	compactV4Len = 6
	compactV6Len = 18
)

// PeerEntry is one added peer and its flags.
type PeerEntry struct {
	Addr  netip.AddrPort
	Flags byte
}

// PEX is a peer-exchange delta. IPv4 and IPv6 peers share the slices; the
// codec splits them into the added/added6 wire keys.
type PEX struct {
	Added   []PeerEntry
	Dropped []netip.AddrPort
}

func (PEX) MessageID() message.ID { return message.IDExtended }

func (PEX) ExtensionName() string { return PEXName }

// Empty reports whether the delta carries nothing.
func (p PEX) Empty() bool {
	return len(p.Added) == 0 && len(p.Dropped) == 0
}

type pexCodec struct{}

func (pexCodec) Decode(payload []byte, declared int) (message.Message, int, error) {
	if err := message.CheckDeclared(payload, declared, 0); err != nil {
		return nil, 0, err
	}
	v, n, err := decodePayload(payload, declared)
	if err != nil {
		return nil, 0, err
	}
	if v.Kind() != bencode.KindDict {
		return nil, 0, protocol.Malformed(payload, 0, "pex payload is not a dictionary")
	}
	var out PEX
	for _, family := range []struct {
		added, flags, dropped string
		size                  int
	}{
		{"added", "added.f", "dropped", compactV4Len},
		{"added6", "added6.f", "dropped6", compactV6Len},
	} {
		added, err := compactList(payload, v, family.added, family.size)
		if err != nil {
			return nil, 0, err
		}
		flags, _ := lookupBytes(v, family.flags)
		for i, addr := range added {
			var f byte
			if i < len(flags) {
				f = flags[i]
			}
			out.Added = append(out.Added, PeerEntry{Addr: addr, Flags: f})
		}
		dropped, err := compactList(payload, v, family.dropped, family.size)
		if err != nil {
			return nil, 0, err
		}
		out.Dropped = append(out.Dropped, dropped...)
	}
	return out, n, nil
}

func (pexCodec) Encode(dst []byte, msg message.Message) ([]byte, error) {
	p, ok := msg.(PEX)
	if !ok {
		return dst, fmt.Errorf("%w: pex codec cannot encode %T", protocol.ErrInvalidMessageValue, msg)
	}
	var added4, flags4, added6, flags6, dropped4, dropped6 []byte
	for _, e := range p.Added {
		if !e.Addr.IsValid() {
			return dst, fmt.Errorf("%w: invalid pex address", protocol.ErrInvalidMessageValue)
		}
		if e.Addr.Addr().Unmap().Is4() {
			added4 = appendCompact(added4, e.Addr)
			flags4 = append(flags4, e.Flags)
		} else {
			added6 = appendCompact(added6, e.Addr)
			flags6 = append(flags6, e.Flags)
		}
	}
	for _, addr := range p.Dropped {
		if !addr.IsValid() {
			return dst, fmt.Errorf("%w: invalid pex address", protocol.ErrInvalidMessageValue)
		}
		if addr.Addr().Unmap().Is4() {
			dropped4 = appendCompact(dropped4, addr)
		} else {
			dropped6 = appendCompact(dropped6, addr)
		}
	}
	entries := []bencode.Entry{
		bencode.Pair("added", bencode.Bytes(added4)),
		bencode.Pair("added.f", bencode.Bytes(flags4)),
		bencode.Pair("dropped", bencode.Bytes(dropped4)),
	}
	if len(added6) > 0 {
		entries = append(entries,
			bencode.Pair("added6", bencode.Bytes(added6)),
			bencode.Pair("added6.f", bencode.Bytes(flags6)))
	}
	if len(dropped6) > 0 {
		entries = append(entries, bencode.Pair("dropped6", bencode.Bytes(dropped6)))
	}
	return append(dst, bencode.EncodeCanonical(bencode.Dict(entries...))...), nil
}

func lookupBytes(v bencode.Value, key string) ([]byte, bool) {
	item, ok := v.Lookup(key)
	if !ok {
		return nil, false
	}
	return item.Bytes()
}

func compactList(payload []byte, v bencode.Value, key string, size int) ([]netip.AddrPort, error) {
	raw, ok := lookupBytes(v, key)
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	if len(raw)%size != 0 {
		return nil, protocol.Malformed(payload, 0, fmt.Sprintf("pex %s length %d is not a multiple of %d", key, len(raw), size))
	}
	out := make([]netip.AddrPort, 0, len(raw)/size)
	for i := 0; i < len(raw); i += size {
		out = append(out, ParseCompact(raw[i:i+size]))
	}
	return out, nil
}

// ParseCompact decodes a 6 or 18 byte compact peer address.
func ParseCompact(b []byte) netip.AddrPort {
	switch len(b) {
	case compactV4Len:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[:4])), binary.BigEndian.Uint16(b[4:]))
	case compactV6Len:
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b[:16])), binary.BigEndian.Uint16(b[16:]))
	default:
		return netip.AddrPort{}
	}
}

func appendCompact(dst []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		dst = append(dst, a[:]...)
	} else {
		a := ip.As16()
		dst = append(dst, a[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, addr.Port())
}
