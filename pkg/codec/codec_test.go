package codec

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf, err := Encode(v)
	require.NoError(t, err)
	got, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		Null(),
		Undefined(),
		Bool(true),
		Bool(false),
		Int(0),
		Int(-1),
		Int(127),
		Int(-128),
		Int(128),
		Int(32767),
		Int(-32768),
		Int(70000),
		Int(math.MaxInt32),
		Int(math.MinInt32),
		Int(math.MaxInt64),
		Int(math.MinInt64),
		Uint(0),
		Uint(255),
		Uint(256),
		Uint(70000),
		Uint(math.MaxUint32),
		Uint(math.MaxUint64),
		Float(0),
		Float(3.5),
		Float(1.0 / 3.0),
		Str(""),
		Str("hello, portreeve"),
		Bytes([]byte{1, 2, 3, 4}),
		UUIDVal(uuid.New()),
		DateVal(time.UnixMilli(1732000000123).UTC()),
	}
	for _, c := range cases {
		got := roundTrip(t, c)
		assert.True(t, Equal(c, got), "round trip mismatch for kind %v", c.kind)
	}
}

func TestRoundTripNaN(t *testing.T) {
	got := roundTrip(t, Float(math.NaN()))
	f, ok := got.AsFloat()
	require.True(t, ok)
	assert.True(t, math.IsNaN(f))
}

func TestFloatWidthSelection(t *testing.T) {
	buf, err := Encode(Float(3.5))
	require.NoError(t, err)
	assert.Equal(t, byte(TagFloat32), buf[0])

	buf, err = Encode(Float(1.0 / 3.0))
	require.NoError(t, err)
	assert.Equal(t, byte(TagFloat64), buf[0])
}

func TestIntWidthSelection(t *testing.T) {
	tests := []struct {
		v    int64
		want Tag
	}{
		{0, TagInt8},
		{127, TagInt8},
		{-128, TagInt8},
		{128, TagInt16},
		{32767, TagInt16},
		{32768, TagInt32},
		{math.MaxInt32, TagInt32},
		{math.MaxInt32 + 1, TagInt64},
	}
	for _, tc := range tests {
		buf, err := Encode(Int(tc.v))
		require.NoError(t, err)
		assert.Equal(t, byte(tc.want), buf[0], "value %d", tc.v)
	}
}

func TestRoundTripArray(t *testing.T) {
	v := Arr([]Value{Int(1), Str("two"), Bool(true), Null()})
	got := roundTrip(t, v)
	assert.True(t, Equal(v, got))
}

func TestRoundTripObject(t *testing.T) {
	v := Obj(map[string]Value{
		"hostname": Str("example.com"),
		"ssl":      Bool(true),
		"port":     Int(8443),
	})
	got := roundTrip(t, v)
	assert.True(t, Equal(v, got))
}

func TestRoundTripNestedCompound(t *testing.T) {
	v := Obj(map[string]Value{
		"domains": Arr([]Value{
			Obj(map[string]Value{"hostname": Str("a.example.com")}),
			Obj(map[string]Value{"hostname": Str("b.example.com")}),
		}),
		"count": Uint(2),
	})
	got := roundTrip(t, v)
	assert.True(t, Equal(v, got))
}

func TestDecodeEmptyBuffer(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestDecodeInvalidTag(t *testing.T) {
	_, _, err := Decode([]byte{0xFF})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestDecodeTruncatedString(t *testing.T) {
	buf, err := Encode(Str("hello"))
	require.NoError(t, err)
	_, _, err = Decode(buf[:len(buf)-2])
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestVarLenWidths(t *testing.T) {
	small := make([]byte, 10)
	buf, err := Encode(Bytes(small))
	require.NoError(t, err)
	assert.Equal(t, byte(len(small)), buf[1])

	mid := make([]byte, 200)
	buf, err = Encode(Bytes(mid))
	require.NoError(t, err)
	assert.Equal(t, byte(0x80|(200>>8)), buf[1])

	large := make([]byte, 20000)
	buf, err = Encode(Bytes(large))
	require.NoError(t, err)
	assert.Equal(t, byte(0xC0|(20000>>24)), buf[1])
}

func TestObjectRejectsNonStringKeyOnDecode(t *testing.T) {
	// Hand-craft an OBJECT with a non-string key: count=1, key=Int(1), value=Null().
	buf := []byte{byte(TagObject), 0x01}
	keyBuf, _ := Encode(Int(1))
	buf = append(buf, keyBuf...)
	buf = append(buf, byte(TagNull))
	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
