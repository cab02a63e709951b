// Package codec implements portreeve's self-describing tag-prefixed binary encoding.
//
// Every value starts with a one-byte tag. Compound values (strings, binary blobs,
// arrays, objects) follow the tag with a big-endian variable-length integer: the
// byte length of the payload for STRING/BINARY, the element count for ARRAY, the
// pair count for OBJECT. Numeric scalars are big-endian and width-selected on
// encode: integers use the smallest signed (or, for Uint values, unsigned) width
// that fits; non-integer reals use FLOAT32 iff the value survives a round trip
// through single precision, else FLOAT64.
//
// This is the wire format pkg/storage persists records in. It is deliberately a
// closed, hand-rolled format rather than a library: round-tripping byte-exact
// numeric widths and the fixed tag space are the contract pkg/storage's on-disk
// layout depends on.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Tag is the one-byte type discriminator prefixing every encoded value.
type Tag byte

const (
	TagNull  Tag = 0x00
	TagUndef Tag = 0x01
	TagTrue  Tag = 0x02
	TagFalse Tag = 0x03

	TagInt8  Tag = 0x10
	TagInt16 Tag = 0x11
	TagInt32 Tag = 0x12
	TagInt64 Tag = 0x13

	TagUint8  Tag = 0x14
	TagUint16 Tag = 0x15
	TagUint32 Tag = 0x16
	TagUint64 Tag = 0x17

	TagFloat32 Tag = 0x20
	TagFloat64 Tag = 0x21

	TagString Tag = 0x30
	TagBinary Tag = 0x31

	TagArray  Tag = 0x40
	TagObject Tag = 0x50

	TagDate Tag = 0x60
	TagUUID Tag = 0x70
)

// Errors returned by Decode.
var (
	ErrInvalidType   = errors.New("codec: unknown type tag")
	ErrUnderflow     = errors.New("codec: read past end of buffer")
	ErrInvalidVarint = errors.New("codec: malformed length prefix")
	ErrInvalidKey    = errors.New("codec: object key must be a STRING")
	ErrLengthTooLarge = errors.New("codec: length exceeds maximum varint width")
)

// Kind identifies the dynamic type carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindUndefined
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBinary
	KindArray
	KindObject
	KindDate
	KindUUID
)

// Value is portreeve's dynamically-typed codec payload: a tagged union over the
// primitives, compounds and domain scalars (Date, UUID) the wire format supports.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	bin  []byte
	arr  []Value
	obj  map[string]Value
	t    time.Time
	id   uuid.UUID
}

func Null() Value      { return Value{kind: KindNull} }
func Undefined() Value { return Value{kind: KindUndefined} }
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Int wraps a signed integer. Encode picks the smallest signed width that fits.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Uint wraps an unsigned integer. Encode picks the smallest unsigned width that fits.
func Uint(u uint64) Value { return Value{kind: KindUint, u: u} }

// Float wraps a real number. Encode prefers FLOAT32 when it round-trips losslessly.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Str(s string) Value   { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value { return Value{kind: KindBinary, bin: b} }
func Arr(v []Value) Value  { return Value{kind: KindArray, arr: v} }
func Obj(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

// DateVal wraps a timestamp. Equality downstream is by instant (millisecond epoch).
func DateVal(t time.Time) Value { return Value{kind: KindDate, t: t} }

func UUIDVal(id uuid.UUID) Value { return Value{kind: KindUUID, id: id} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsUint() (uint64, bool)     { return v.u, v.kind == KindUint }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)    { return v.bin, v.kind == KindBinary }
func (v Value) AsArray() ([]Value, bool)   { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}
func (v Value) AsDate() (time.Time, bool) { return v.t, v.kind == KindDate }
func (v Value) AsUUID() (uuid.UUID, bool) { return v.id, v.kind == KindUUID }

// Equal reports whether two Values are equivalent under the codec's round-trip
// law: Date compares by millisecond instant, everything else by exact value.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull, KindUndefined:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindUint:
		return a.u == b.u
	case KindFloat:
		if math.IsNaN(a.f) && math.IsNaN(b.f) {
			return true
		}
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBinary:
		if len(a.bin) != len(b.bin) {
			return false
		}
		for i := range a.bin {
			if a.bin[i] != b.bin[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindDate:
		return a.t.UnixMilli() == b.t.UnixMilli()
	case KindUUID:
		return a.id == b.id
	}
	return false
}

// Encode serializes v into its tag-prefixed wire representation.
func Encode(v Value) ([]byte, error) {
	var out []byte
	if err := encodeInto(&out, v); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeInto(out *[]byte, v Value) error {
	switch v.kind {
	case KindNull:
		*out = append(*out, byte(TagNull))
	case KindUndefined:
		*out = append(*out, byte(TagUndef))
	case KindBool:
		if v.b {
			*out = append(*out, byte(TagTrue))
		} else {
			*out = append(*out, byte(TagFalse))
		}
	case KindInt:
		encodeInt(out, v.i)
	case KindUint:
		encodeUint(out, v.u)
	case KindFloat:
		encodeFloat(out, v.f)
	case KindString:
		if err := encodeLenPrefixed(out, TagString, []byte(v.s)); err != nil {
			return err
		}
	case KindBinary:
		if err := encodeLenPrefixed(out, TagBinary, v.bin); err != nil {
			return err
		}
	case KindArray:
		lenBytes, err := encodeVarLen(uint64(len(v.arr)))
		if err != nil {
			return err
		}
		*out = append(*out, byte(TagArray))
		*out = append(*out, lenBytes...)
		for _, elem := range v.arr {
			if err := encodeInto(out, elem); err != nil {
				return err
			}
		}
	case KindObject:
		lenBytes, err := encodeVarLen(uint64(len(v.obj)))
		if err != nil {
			return err
		}
		*out = append(*out, byte(TagObject))
		*out = append(*out, lenBytes...)
		for k, val := range v.obj {
			if err := encodeInto(out, Str(k)); err != nil {
				return err
			}
			if err := encodeInto(out, val); err != nil {
				return err
			}
		}
	case KindDate:
		*out = append(*out, byte(TagDate))
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.t.UnixMilli()))
		*out = append(*out, buf[:]...)
	case KindUUID:
		*out = append(*out, byte(TagUUID))
		*out = append(*out, v.id[:]...)
	default:
		return ErrInvalidType
	}
	return nil
}

func encodeLenPrefixed(out *[]byte, tag Tag, payload []byte) error {
	lenBytes, err := encodeVarLen(uint64(len(payload)))
	if err != nil {
		return err
	}
	*out = append(*out, byte(tag))
	*out = append(*out, lenBytes...)
	*out = append(*out, payload...)
	return nil
}

func encodeInt(out *[]byte, i int64) {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		*out = append(*out, byte(TagInt8), byte(int8(i)))
	case i >= math.MinInt16 && i <= math.MaxInt16:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(int16(i)))
		*out = append(*out, byte(TagInt16))
		*out = append(*out, buf[:]...)
	case i >= math.MinInt32 && i <= math.MaxInt32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(int32(i)))
		*out = append(*out, byte(TagInt32))
		*out = append(*out, buf[:]...)
	default:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		*out = append(*out, byte(TagInt64))
		*out = append(*out, buf[:]...)
	}
}

func encodeUint(out *[]byte, u uint64) {
	switch {
	case u <= math.MaxUint8:
		*out = append(*out, byte(TagUint8), byte(u))
	case u <= math.MaxUint16:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(u))
		*out = append(*out, byte(TagUint16))
		*out = append(*out, buf[:]...)
	case u <= math.MaxUint32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(u))
		*out = append(*out, byte(TagUint32))
		*out = append(*out, buf[:]...)
	default:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], u)
		*out = append(*out, byte(TagUint64))
		*out = append(*out, buf[:]...)
	}
}

func encodeFloat(out *[]byte, f float64) {
	if fitsFloat32(f) {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(f)))
		*out = append(*out, byte(TagFloat32))
		*out = append(*out, buf[:]...)
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
	*out = append(*out, byte(TagFloat64))
	*out = append(*out, buf[:]...)
}

func fitsFloat32(f float64) bool {
	if math.IsNaN(f) {
		return false
	}
	return float64(float32(f)) == f
}

// encodeVarLen writes n as the big-endian variable-length integer described in
// spec §4.1: one byte for n<=0x7F, two bytes (top bits "10") for n<=0x3FFF, four
// bytes (top bits "110") for n<=0x1FFFFFFF. Larger lengths are rejected.
func encodeVarLen(n uint64) ([]byte, error) {
	switch {
	case n <= 0x7F:
		return []byte{byte(n)}, nil
	case n <= 0x3FFF:
		b0 := byte(0x80 | (n >> 8))
		b1 := byte(n & 0xFF)
		return []byte{b0, b1}, nil
	case n <= 0x1FFFFFFF:
		b0 := byte(0xC0 | (n >> 24))
		b1 := byte((n >> 16) & 0xFF)
		b2 := byte((n >> 8) & 0xFF)
		b3 := byte(n & 0xFF)
		return []byte{b0, b1, b2, b3}, nil
	default:
		return nil, ErrLengthTooLarge
	}
}

// decodeVarLen reads a variable-length integer at buf[pos:], returning the value
// and the number of bytes consumed.
func decodeVarLen(buf []byte, pos int) (uint64, int, error) {
	if pos >= len(buf) {
		return 0, 0, ErrUnderflow
	}
	b0 := buf[pos]
	switch {
	case b0&0x80 == 0:
		return uint64(b0), 1, nil
	case b0&0xC0 == 0x80:
		if pos+1 >= len(buf) {
			return 0, 0, ErrUnderflow
		}
		n := uint64(b0&0x3F)<<8 | uint64(buf[pos+1])
		return n, 2, nil
	case b0&0xE0 == 0xC0:
		if pos+3 >= len(buf) {
			return 0, 0, ErrUnderflow
		}
		n := uint64(b0&0x1F)<<24 | uint64(buf[pos+1])<<16 | uint64(buf[pos+2])<<8 | uint64(buf[pos+3])
		return n, 4, nil
	default:
		return 0, 0, ErrInvalidVarint
	}
}

// Decode reads one encoded value from the start of buf, returning the value and
// the number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	return decodeValue(buf, 0)
}

func decodeValue(buf []byte, pos int) (Value, int, error) {
	if pos >= len(buf) {
		return Value{}, 0, ErrUnderflow
	}
	start := pos
	tag := Tag(buf[pos])
	pos++

	switch tag {
	case TagNull:
		return Null(), pos - start, nil
	case TagUndef:
		return Undefined(), pos - start, nil
	case TagTrue:
		return Bool(true), pos - start, nil
	case TagFalse:
		return Bool(false), pos - start, nil

	case TagInt8:
		if pos >= len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := int64(int8(buf[pos]))
		pos++
		return Int(v), pos - start, nil
	case TagInt16:
		if pos+2 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := int64(int16(binary.BigEndian.Uint16(buf[pos:])))
		pos += 2
		return Int(v), pos - start, nil
	case TagInt32:
		if pos+4 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := int64(int32(binary.BigEndian.Uint32(buf[pos:])))
		pos += 4
		return Int(v), pos - start, nil
	case TagInt64:
		if pos+8 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := int64(binary.BigEndian.Uint64(buf[pos:]))
		pos += 8
		return Int(v), pos - start, nil

	case TagUint8:
		if pos >= len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := uint64(buf[pos])
		pos++
		return Uint(v), pos - start, nil
	case TagUint16:
		if pos+2 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		return Uint(v), pos - start, nil
	case TagUint32:
		if pos+4 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := uint64(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4
		return Uint(v), pos - start, nil
	case TagUint64:
		if pos+8 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		return Uint(v), pos - start, nil

	case TagFloat32:
		if pos+4 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := float64(math.Float32frombits(binary.BigEndian.Uint32(buf[pos:])))
		pos += 4
		return Float(v), pos - start, nil
	case TagFloat64:
		if pos+8 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(buf[pos:]))
		pos += 8
		return Float(v), pos - start, nil

	case TagString:
		n, consumed, err := decodeVarLen(buf, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += consumed
		if pos+int(n) > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		s := string(buf[pos : pos+int(n)])
		pos += int(n)
		return Str(s), pos - start, nil

	case TagBinary:
		n, consumed, err := decodeVarLen(buf, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += consumed
		if pos+int(n) > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		b := make([]byte, n)
		copy(b, buf[pos:pos+int(n)])
		pos += int(n)
		return Bytes(b), pos - start, nil

	case TagArray:
		n, consumed, err := decodeVarLen(buf, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += consumed
		elems := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			elem, used, err := decodeValue(buf, pos)
			if err != nil {
				return Value{}, 0, err
			}
			pos += used
			elems = append(elems, elem)
		}
		return Arr(elems), pos - start, nil

	case TagObject:
		n, consumed, err := decodeVarLen(buf, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += consumed
		m := make(map[string]Value, n)
		for i := uint64(0); i < n; i++ {
			keyVal, used, err := decodeValue(buf, pos)
			if err != nil {
				return Value{}, 0, err
			}
			pos += used
			key, ok := keyVal.AsString()
			if !ok {
				return Value{}, 0, ErrInvalidKey
			}
			val, used, err := decodeValue(buf, pos)
			if err != nil {
				return Value{}, 0, err
			}
			pos += used
			m[key] = val
		}
		return Obj(m), pos - start, nil

	case TagDate:
		if pos+8 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		ms := int64(binary.BigEndian.Uint64(buf[pos:]))
		pos += 8
		return DateVal(time.UnixMilli(ms).UTC()), pos - start, nil

	case TagUUID:
		if pos+16 > len(buf) {
			return Value{}, 0, ErrUnderflow
		}
		var id uuid.UUID
		copy(id[:], buf[pos:pos+16])
		pos += 16
		return UUIDVal(id), pos - start, nil

	default:
		return Value{}, 0, ErrInvalidType
	}
}
