package extension

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/bencode"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *message.Registry {
	t.Helper()
	reg := message.DefaultRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func mustTable(t *testing.T, m map[string]int) Table {
	t.Helper()
	tbl, err := NewTable(m)
	require.NoError(t, err)
	return tbl
}

// peerHandshakeFrame builds the extended handshake frame a peer would send.
func peerHandshakeFrame(t *testing.T, m map[string]int) frame.Frame {
	t.Helper()
	peer := NewRouter(newRegistry(t), mustTable(t, m))
	hs, err := NewHandshake(peer.Local(), Options{Client: "peer 1.0"})
	require.NoError(t, err)
	f, err := peer.EncodeMessage(hs)
	require.NoError(t, err)
	return f
}

func TestTableValidation(t *testing.T) {
	testlog.Start(t)
	tbl, err := NewTable(map[string]int{"ut_pex": 1, "ut_metadata": 2, "lt_donthave": 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"ut_metadata", "ut_pex"}, tbl.Names())
	name, ok := tbl.Name(2)
	assert.True(t, ok)
	assert.Equal(t, "ut_metadata", name)
	_, ok = tbl.ID("lt_donthave")
	assert.False(t, ok)

	_, err = NewTable(map[string]int{"a": 256})
	assert.ErrorIs(t, err, ErrInvalidTable)
	_, err = NewTable(map[string]int{"a": 3, "b": 3})
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestHandshakeRoundTripPreservesUnknownKeys(t *testing.T) {
	testlog.Start(t)
	raw := bencode.EncodeCanonical(bencode.Dict(
		bencode.Pair("m", bencode.Dict(bencode.Pair("ut_pex", bencode.Int(3)))),
		bencode.Pair("p", bencode.Int(6881)),
		bencode.Pair("v", bencode.String("peer 2.0")),
		bencode.Pair("reqq", bencode.Int(250)),
		bencode.Pair("metadata_size", bencode.Int(31235)),
		bencode.Pair("complete_ago", bencode.Int(-1)),
	))
	msg, n, err := handshakeCodec{}.Decode(raw, len(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	hs := msg.(Handshake)
	assert.Equal(t, map[string]int{"ut_pex": 3}, hs.M)
	assert.EqualValues(t, 6881, hs.Port)
	assert.Equal(t, "peer 2.0", hs.Client)
	assert.Equal(t, 250, hs.ReqQ)
	assert.EqualValues(t, 31235, hs.MetadataSize)
	require.Len(t, hs.Extra, 1)
	assert.Equal(t, "complete_ago", string(hs.Extra[0].Key))

	out, err := handshakeCodec{}.Encode(nil, hs)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))
}

func TestHandshakeRejectsNonDictionary(t *testing.T) {
	testlog.Start(t)
	_, _, err := handshakeCodec{}.Decode([]byte("li1ee"), 5)
	assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
}

func TestNewHandshakeValidates(t *testing.T) {
	testlog.Start(t)
	_, err := NewHandshake(Table{}, Options{ListenPort: 70000})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessageValue)
}

func TestPEXRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := PEX{
		Added: []PeerEntry{
			{Addr: netip.MustParseAddrPort("10.0.0.1:6881"), Flags: FlagSeedOnly},
			{Addr: netip.MustParseAddrPort("[2001:db8::1]:51413"), Flags: FlagSupportsUTP},
			{Addr: netip.MustParseAddrPort("192.168.1.9:7000")},
		},
		Dropped: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:6882")},
	}
	payload, err := pexCodec{}.Encode(nil, in)
	require.NoError(t, err)
	require.NoError(t, bencode.CheckCanonical(payload))

	msg, _, err := pexCodec{}.Decode(payload, len(payload))
	require.NoError(t, err)
	out := msg.(PEX)
	require.Len(t, out.Added, 3)
	assert.Equal(t, in.Added[0], out.Added[0])
	assert.Equal(t, in.Added[2], out.Added[1])
	assert.Equal(t, in.Added[1], out.Added[2])
	assert.Equal(t, in.Dropped, out.Dropped)
}

func TestPEXRejectsRaggedCompactList(t *testing.T) {
	testlog.Start(t)
	raw := bencode.Encode(bencode.Dict(bencode.Pair("added", bencode.Bytes([]byte{1, 2, 3, 4, 5}))))
	_, _, err := pexCodec{}.Decode(raw, len(raw))
	assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
}

func TestMetadataDataCarriesTrailingBytes(t *testing.T) {
	testlog.Start(t)
	blob := bytes.Repeat([]byte{7}, MetadataPieceSize+100)
	in, err := NewMetadataData(1, int64(len(blob)), blob[MetadataPieceSize:])
	require.NoError(t, err)
	payload, err := metadataCodec{}.Encode(nil, in)
	require.NoError(t, err)

	msg, n, err := metadataCodec{}.Decode(payload, len(payload))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	out := msg.(Metadata)
	assert.Equal(t, MetadataData, out.Type)
	assert.Equal(t, 1, out.Piece)
	assert.EqualValues(t, len(blob), out.TotalSize)
	assert.Equal(t, 100, len(out.Data))

	_, err = NewMetadataData(0, int64(len(blob)), blob[:10])
	assert.ErrorIs(t, err, protocol.ErrInvalidMessageValue)
	assert.Equal(t, 2, MetadataPieces(int64(len(blob))))
}

func TestMetadataRejectsUnknownType(t *testing.T) {
	testlog.Start(t)
	raw := bencode.EncodeCanonical(bencode.Dict(bencode.Pair("msg_type", bencode.Int(9)), bencode.Pair("piece", bencode.Int(0))))
	_, _, err := metadataCodec{}.Decode(raw, len(raw))
	assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
}

func TestMetadataDecodeValidatesDataLength(t *testing.T) {
	testlog.Start(t)
	head := bencode.EncodeCanonical(bencode.Dict(
		bencode.Pair("msg_type", bencode.Int(int64(MetadataData))),
		bencode.Pair("piece", bencode.Int(0)),
		bencode.Pair("total_size", bencode.Int(100)),
	))
	payload := append(head, bytes.Repeat([]byte{1}, 40)...)
	_, _, err := metadataCodec{}.Decode(payload, len(payload))
	assert.ErrorIs(t, err, protocol.ErrInvalidMessageValue)

	payload = append(head, bytes.Repeat([]byte{1}, 100)...)
	msg, n, err := metadataCodec{}.Decode(payload, len(payload))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Len(t, msg.(Metadata).Data, 100)
}

func TestTruncatedPayloadIsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		codec   message.Codec
		payload []byte
	}{
		"handshake": {handshakeCodec{}, []byte("d1:md6:ut_pexi1e")},
		"pex":       {pexCodec{}, []byte("d5:added6:")},
		"metadata":  {metadataCodec{}, []byte("d8:msg_typei0e5:piec")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := tc.codec.Decode(tc.payload, len(tc.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
			assert.False(t, errors.Is(err, protocol.ErrNeedMoreBytes))
		})
	}
}

func TestRouterUsesPeerIDOutgoingAndLocalIDIncoming(t *testing.T) {
	testlog.Start(t)
	r := NewRouter(newRegistry(t), mustTable(t, map[string]int{PEXName: 5}))

	msg, err := r.DecodeFrame(peerHandshakeFrame(t, map[string]int{PEXName: 7}))
	require.NoError(t, err)
	_, ok := msg.(Handshake)
	require.True(t, ok)
	require.True(t, r.Negotiated())
	assert.True(t, r.Supports(PEXName))

	out, err := r.EncodeMessage(PEX{Dropped: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:6882")}})
	require.NoError(t, err)
	assert.EqualValues(t, message.IDExtended, out.ID)
	assert.EqualValues(t, 7, out.Payload[0])

	body, err := pexCodec{}.Encode(nil, PEX{Added: []PeerEntry{{Addr: netip.MustParseAddrPort("10.1.1.1:1000")}}})
	require.NoError(t, err)
	in := frame.Frame{ID: uint8(message.IDExtended), Payload: append([]byte{5}, body...)}
	decoded, err := r.DecodeFrame(in)
	require.NoError(t, err)
	pex, ok := decoded.(PEX)
	require.True(t, ok, "expected PEX, got %T", decoded)
	require.Len(t, pex.Added, 1)

	_, err = r.DecodeFrame(frame.Frame{ID: uint8(message.IDExtended), Payload: append([]byte{7}, body...)})
	assert.ErrorIs(t, err, protocol.ErrUnknownMessageType)
}

func TestRouterFailsClosedBeforeNegotiation(t *testing.T) {
	testlog.Start(t)
	r := NewRouter(newRegistry(t), mustTable(t, map[string]int{PEXName: 5}))
	assert.False(t, r.Supports(PEXName))

	_, err := r.EncodeMessage(PEX{})
	assert.ErrorIs(t, err, ErrNotNegotiated)
	assert.ErrorIs(t, r.Sendable(PEX{}), ErrNotNegotiated)
	assert.NoError(t, r.Sendable(message.Choke{}))

	_, err = r.DecodeFrame(frame.Frame{ID: uint8(message.IDExtended), Payload: []byte{5, 'd', 'e'}})
	assert.ErrorIs(t, err, ErrNotNegotiated)

	hs, err := NewHandshake(r.Local(), Options{})
	require.NoError(t, err)
	f, err := r.EncodeMessage(hs)
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.Payload[0])
}

func TestRouterRejectsSecondHandshake(t *testing.T) {
	testlog.Start(t)
	r := NewRouter(newRegistry(t), mustTable(t, map[string]int{PEXName: 5}))
	_, err := r.DecodeFrame(peerHandshakeFrame(t, map[string]int{PEXName: 7}))
	require.NoError(t, err)
	_, err = r.DecodeFrame(peerHandshakeFrame(t, map[string]int{PEXName: 9}))
	assert.ErrorIs(t, err, ErrAlreadyNegotiated)
	id, _ := r.Remote().ID(PEXName)
	assert.EqualValues(t, 7, id)
}

func TestRouterPeerWithoutExtensionBit(t *testing.T) {
	testlog.Start(t)
	r := NewRouter(newRegistry(t), mustTable(t, map[string]int{PEXName: 5}))
	r.Disable()
	hs, err := NewHandshake(r.Local(), Options{})
	require.NoError(t, err)
	_, err = r.EncodeMessage(hs)
	assert.ErrorIs(t, err, ErrNotNegotiated)
}

func TestRouterBaseAndKeepAlive(t *testing.T) {
	testlog.Start(t)
	r := NewRouter(newRegistry(t), Table{})
	port, err := message.NewPort(6144)
	require.NoError(t, err)
	f, err := r.EncodeMessage(port)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 9, 24, 0}, frame.Encode(f))

	msg, err := r.DecodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, port, msg)

	ka, err := r.EncodeMessage(message.KeepAlive{})
	require.NoError(t, err)
	assert.True(t, ka.KeepAlive)
}
