package bencode

import (
	"errors"
	"testing"

	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validEncodings = []string{
	"i0e",
	"i42e",
	"i-42e",
	"i9223372036854775807e",
	"i-9223372036854775808e",
	"0:",
	"4:spam",
	"3:\x00\xff\x10",
	"le",
	"de",
	"l4:spami42ee",
	"d3:bar4:spam3:fooi42ee",
	"d1:bi1e1:ai2ee",
	"d1:md6:ut_pexi1e11:ut_metadatai2ee1:pi6881e1:v14:peerwire 0.1.0e",
	"lld1:xleeee",
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, enc := range validEncodings {
		v, n, err := Decode([]byte(enc))
		require.NoError(t, err, "decode %q", enc)
		assert.Equal(t, len(enc), n, "consumed for %q", enc)
		assert.Equal(t, enc, string(Encode(v)), "re-encode %q", enc)

		again, n2, err := Decode(Encode(v))
		require.NoError(t, err)
		assert.Equal(t, len(enc), n2)
		assert.True(t, Equal(v, again), "round trip %q", enc)
	}
}

func TestDecodeEveryStrictPrefixNeedsMoreBytes(t *testing.T) {
	testlog.Start(t)
	for _, enc := range validEncodings {
		for cut := 0; cut < len(enc); cut++ {
			_, n, err := Decode([]byte(enc[:cut]))
			if !errors.Is(err, protocol.ErrNeedMoreBytes) {
				t.Fatalf("prefix %q of %q: expected ErrNeedMoreBytes, got %v", enc[:cut], enc, err)
			}
			if n != 0 {
				t.Fatalf("prefix %q consumed %d bytes", enc[:cut], n)
			}
		}
	}
}

func TestDecodeStopsAtFirstValue(t *testing.T) {
	testlog.Start(t)
	v, n, err := Decode([]byte("4:spami1e"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	s, ok := v.Str()
	require.True(t, ok)
	assert.Equal(t, "spam", s)

	_, err = DecodeAll([]byte("4:spami1e"))
	assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"leading zero":       "i03e",
		"negative zero":      "i-0e",
		"empty integer":      "ie",
		"bare minus":         "i-e",
		"bad terminator":     "i12x",
		"overflow":           "i99999999999999999999e",
		"unknown type":       "x",
		"length leading 0":   "01:a",
		"bad separator":      "4;spam",
		"non-string key":     "di1ei2ee",
		"duplicate key":      "d1:ai1e1:ai2ee",
		"bad list element":   "li1eqe",
		"nested bad integer": "d1:ali01eee",
	}
	for name, enc := range cases {
		_, _, err := Decode([]byte(enc))
		var malformed *protocol.MalformedError
		if !errors.As(err, &malformed) {
			t.Fatalf("%s: expected MalformedError for %q, got %v", name, enc, err)
		}
		assert.ErrorIs(t, err, protocol.ErrMalformedEncoding, name)
		assert.NotEmpty(t, malformed.Window, name)
	}
}

func TestDecodeDeclaredLengthBeyondBufferIsIncomplete(t *testing.T) {
	testlog.Start(t)
	_, _, err := Decode([]byte("100:short"))
	assert.ErrorIs(t, err, protocol.ErrNeedMoreBytes)
}

func TestDecodeRejectsDeepNesting(t *testing.T) {
	testlog.Start(t)
	deep := make([]byte, 0, MaxDepth*2+2)
	for i := 0; i <= MaxDepth; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i <= MaxDepth; i++ {
		deep = append(deep, 'e')
	}
	_, _, err := Decode(deep)
	assert.ErrorIs(t, err, protocol.ErrMalformedEncoding)
}

func TestCanonicalSortsKeysAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	raw := []byte("d1:bi1e1:ad1:zi0e1:yi0eee")
	v, err := DecodeAll(raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(Encode(v)), "parse order must survive re-encoding")
	assert.False(t, IsCanonical(v))
	assert.ErrorIs(t, CheckCanonical(raw), ErrNotCanonical)

	canon := EncodeCanonical(v)
	assert.Equal(t, "d1:ad1:yi0e1:zi0ee1:bi1ee", string(canon))
	require.NoError(t, CheckCanonical(canon))

	again, err := DecodeAll(canon)
	require.NoError(t, err)
	assert.Equal(t, string(canon), string(EncodeCanonical(again)))
	assert.Equal(t, string(canon), string(Encode(again)))
}

func TestCanonicalComparesRawBytes(t *testing.T) {
	testlog.Start(t)
	v := Dict(
		Entry{Key: []byte{0xff}, Value: Int(1)},
		Entry{Key: []byte("a"), Value: Int(2)},
		Entry{Key: []byte{0x00}, Value: Int(3)},
	)
	got := Canonical(v)
	entries, ok := got.Entries()
	require.True(t, ok)
	assert.Equal(t, []byte{0x00}, entries[0].Key)
	assert.Equal(t, []byte("a"), entries[1].Key)
	assert.Equal(t, []byte{0xff}, entries[2].Key)
}

func TestValueAccessors(t *testing.T) {
	testlog.Start(t)
	v := Dict(
		Pair("n", Int(7)),
		Pair("s", String("x")),
		Pair("l", List(Int(1), Int(2))),
	)
	n, ok := mustLookup(t, v, "n").Int()
	assert.True(t, ok)
	assert.EqualValues(t, 7, n)
	_, ok = mustLookup(t, v, "n").Bytes()
	assert.False(t, ok)
	assert.Equal(t, 2, mustLookup(t, v, "l").Len())
	_, ok = v.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, `{"n": 7, "s": "x", "l": [1, 2]}`, v.String())
}

func mustLookup(t *testing.T, v Value, key string) Value {
	t.Helper()
	got, ok := v.Lookup(key)
	require.True(t, ok, "missing key %q", key)
	return got
}
