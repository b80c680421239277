package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ValueType is the type tag persisted with every item
type ValueType uint8

const (
	TypeU8  ValueType = 0x01
	TypeI8  ValueType = 0x11
	TypeU16 ValueType = 0x02
	TypeI16 ValueType = 0x12
	TypeU32 ValueType = 0x04
	TypeI32 ValueType = 0x14
	TypeU64 ValueType = 0x08
	TypeI64 ValueType = 0x18

	TypeString ValueType = 0x21
	TypeBlob   ValueType = 0x41

	// Internal item types, never returned to callers
	TypeBlobData  ValueType = 0x42
	TypeBlobIndex ValueType = 0x48
	TypeTombstone ValueType = 0x7F

	TypeAny ValueType = 0xFF
)

// IsInteger reports whether the type is one of the fixed width integers.
func (t ValueType) IsInteger() bool {
	switch t {
	case TypeU8, TypeI8, TypeU16, TypeI16, TypeU32, TypeI32, TypeU64, TypeI64:
		return true
	}
	return false
}

// IsSigned reports whether an integer type is signed.
func (t ValueType) IsSigned() bool {
	return t.IsInteger() && t&0x10 != 0
}

// Width returns the byte width of an integer type, 0 for other types.
func (t ValueType) Width() int {
	if !t.IsInteger() {
		return 0
	}
	return int(t & 0x0F)
}

// IsVariable reports whether values of this type have a variable length payload.
func (t ValueType) IsVariable() bool {
	return t == TypeString || t == TypeBlob
}

func (t ValueType) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeI8:
		return "i8"
	case TypeU16:
		return "u16"
	case TypeI16:
		return "i16"
	case TypeU32:
		return "u32"
	case TypeI32:
		return "i32"
	case TypeU64:
		return "u64"
	case TypeI64:
		return "i64"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeBlobData:
		return "blob_data"
	case TypeBlobIndex:
		return "blob_index"
	case TypeTombstone:
		return "tombstone"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// ParseValueType maps a type name back to its tag.
func ParseValueType(name string) (ValueType, bool) {
	for _, t := range []ValueType{TypeU8, TypeI8, TypeU16, TypeI16, TypeU32, TypeI32, TypeU64, TypeI64, TypeString, TypeBlob} {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// Value is a typed value. Integers are kept little endian in Data using
// exactly Type.Width() bytes.
type Value struct {
	Type ValueType
	Data []byte
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{Type: TypeString, Data: []byte(s)}
}

// BlobValue wraps a byte slice.
func BlobValue(b []byte) Value {
	return Value{Type: TypeBlob, Data: b}
}

// IntValue encodes v with the width of the signed integer type t.
func IntValue(t ValueType, v int64) (Value, error) {
	if !t.IsSigned() {
		return Value{}, fmt.Errorf("%s is not a signed integer type", t)
	}
	bits := uint(t.Width() * 8)
	if bits < 64 {
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if v < lo || v > hi {
			return Value{}, fmt.Errorf("value %d overflows %s", v, t)
		}
	}
	return Value{Type: t, Data: putUint(t.Width(), uint64(v))}, nil
}

// UintValue encodes v with the width of the unsigned integer type t.
func UintValue(t ValueType, v uint64) (Value, error) {
	if !t.IsInteger() || t.IsSigned() {
		return Value{}, fmt.Errorf("%s is not an unsigned integer type", t)
	}
	bits := uint(t.Width() * 8)
	if bits < 64 && v >= uint64(1)<<bits {
		return Value{}, fmt.Errorf("value %d overflows %s", v, t)
	}
	return Value{Type: t, Data: putUint(t.Width(), v)}, nil
}

func putUint(width int, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	out := make([]byte, width)
	copy(out, buf[:width])
	return out
}

// AsString returns the payload of a string value.
func (v Value) AsString() string {
	return string(v.Data)
}

// AsUint returns the zero-extended integer payload.
func (v Value) AsUint() uint64 {
	var buf [8]byte
	copy(buf[:], v.Data)
	return binary.LittleEndian.Uint64(buf[:])
}

// AsInt returns the sign-extended integer payload.
func (v Value) AsInt() int64 {
	u := v.AsUint()
	bits := uint(len(v.Data) * 8)
	if bits == 0 || bits >= 64 {
		return int64(u)
	}
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && bytes.Equal(v.Data, o.Data)
}

// EntryInfo describes a live key during iteration.
type EntryInfo struct {
	Namespace string
	Key       string
	Type      ValueType
	Size      int
}
