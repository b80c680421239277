// Package entry encodes and decodes the items stored in flash page slots.
//
// Every item starts with a 32-byte header slot:
//
//	[0]      namespace id
//	[1]      value type
//	[2]      span: slots occupied, header included
//	[3]      chunk index (0xFF unless the item is a blob data chunk)
//	[4:8]    CRC32 over [0:4] and [8:32]
//	[8:24]   key, NUL padded
//	[24:32]  inline data
//
// Variable length payloads follow the header in whole 32-byte slots.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/util"
)

const (
	// SlotSize is the size of one entry slot in bytes.
	SlotSize = 32
	// MaxKeyLength is the longest key (and namespace name) that fits the key field.
	MaxKeyLength = 15
	// NoChunk marks items that are not blob data chunks.
	NoChunk = 0xFF
	// NamespaceTableID is the namespace id holding namespace records.
	NamespaceTableID = 0
	// MaxSpan is the most slots one item can occupy: span is a single byte.
	MaxSpan = 0xFF
	// MaxPayloadSize is the largest payload a single item can hold.
	MaxPayloadSize = (MaxSpan - 1) * SlotSize

	keyOffset    = 8
	keyFieldSize = 16
	dataOffset   = 24
)

// Blob index flags
const (
	FlagCompressed uint8 = 0x01
)

var (
	// ErrChecksum marks an item whose header or payload CRC does not match.
	ErrChecksum = errors.New("entry checksum mismatch")
	// ErrIncompleteSpan marks an item whose slots are missing or inconsistent.
	ErrIncompleteSpan = errors.New("entry span incomplete")
	// ErrInvalidType marks an unknown type tag.
	ErrInvalidType = errors.New("invalid entry type")
	// ErrKeyTooLong is returned when a key does not fit the key field.
	ErrKeyTooLong = errors.New("key too long")
	// ErrPayloadTooLarge is returned when a payload does not fit one item.
	ErrPayloadTooLarge = errors.New("payload too large for a single item")
)

// BlobIndex describes a value stored as a group of chunks. It is written
// after every chunk so its presence marks the value as complete.
type BlobIndex struct {
	StoredSize uint32
	ChunkCount uint8
	Group      uint8
	Flags      uint8
	ValueType  model.ValueType
	Digest     uint64
	RawSize    uint32
}

// Compressed reports whether the chunks hold a compressed payload.
func (b BlobIndex) Compressed() bool {
	return b.Flags&FlagCompressed != 0
}

// Entry is one decoded item.
type Entry struct {
	Namespace  uint8
	Type       model.ValueType
	Span       uint8
	ChunkIndex uint8
	Key        string
	Payload    []byte
	Index      BlobIndex
}

// Header is the decoded header slot of an item.
type Header struct {
	Namespace  uint8
	Type       model.ValueType
	Span       uint8
	ChunkIndex uint8
	Key        string
	Data       [8]byte
}

// PayloadSize returns the payload length declared by a variable length header.
func (h Header) PayloadSize() int {
	return int(binary.LittleEndian.Uint16(h.Data[0:2]))
}

// ExpectedSpan returns the number of slots the header implies.
func (h Header) ExpectedSpan() int {
	switch {
	case isVariable(h.Type):
		return SlotsFor(h.PayloadSize())
	case h.Type == model.TypeBlobIndex:
		return 2
	default:
		return 1
	}
}

// SlotsFor returns the slot count of an item carrying n payload bytes.
func SlotsFor(n int) int {
	return 1 + (n+SlotSize-1)/SlotSize
}

// PayloadCapacity returns the largest payload a single item may carry on a
// page with the given number of slots.
func PayloadCapacity(slotsPerPage int) int {
	capacity := (slotsPerPage - 1) * SlotSize
	if capacity > MaxPayloadSize {
		capacity = MaxPayloadSize
	}
	return capacity
}

func isVariable(t model.ValueType) bool {
	return t == model.TypeString || t == model.TypeBlob || t == model.TypeBlobData
}

func validType(t model.ValueType) bool {
	if t.IsInteger() || isVariable(t) {
		return true
	}
	return t == model.TypeBlobIndex || t == model.TypeTombstone
}

// ValidateKey checks that key fits the fixed key field.
func ValidateKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLong, len(key), MaxKeyLength)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("key contains NUL byte")
	}
	return nil
}

// Encode serializes e into whole slots. Span is computed from the payload.
func Encode(e Entry) ([]byte, error) {
	if !validType(e.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidType, uint8(e.Type))
	}
	if err := ValidateKey(e.Key); err != nil {
		return nil, err
	}

	var data []byte
	header := make([]byte, SlotSize)
	for i := range header {
		header[i] = 0xFF
	}
	header[0] = e.Namespace
	header[1] = byte(e.Type)
	header[3] = e.ChunkIndex
	copy(header[keyOffset:keyOffset+keyFieldSize], padKey(e.Key))

	switch {
	case e.Type.IsInteger():
		if len(e.Payload) != e.Type.Width() {
			return nil, fmt.Errorf("%s payload must be %d bytes, got %d", e.Type, e.Type.Width(), len(e.Payload))
		}
		copy(header[dataOffset:], e.Payload)

	case isVariable(e.Type):
		if len(e.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
		}
		binary.LittleEndian.PutUint16(header[dataOffset:], uint16(len(e.Payload)))
		binary.LittleEndian.PutUint32(header[dataOffset+4:], util.ComputeChecksum(e.Payload))
		data = make([]byte, (SlotsFor(len(e.Payload))-1)*SlotSize)
		for i := copy(data, e.Payload); i < len(data); i++ {
			data[i] = 0xFF
		}

	case e.Type == model.TypeBlobIndex:
		binary.LittleEndian.PutUint32(header[dataOffset:], e.Index.StoredSize)
		header[dataOffset+4] = e.Index.ChunkCount
		header[dataOffset+5] = e.Index.Group
		header[dataOffset+6] = e.Index.Flags
		header[dataOffset+7] = byte(e.Index.ValueType)
		data = make([]byte, SlotSize)
		for i := range data {
			data[i] = 0xFF
		}
		binary.LittleEndian.PutUint64(data[0:8], e.Index.Digest)
		binary.LittleEndian.PutUint32(data[8:12], e.Index.RawSize)
		binary.LittleEndian.PutUint32(data[12:16], util.ComputeChecksum(data[0:12]))
	}

	span := 1 + len(data)/SlotSize
	if span > MaxSpan {
		return nil, fmt.Errorf("%w: %d slots", ErrPayloadTooLarge, span)
	}
	header[2] = byte(span)
	binary.LittleEndian.PutUint32(header[4:8], util.ComputeChecksumParts(header[0:4], header[8:32]))

	return append(header, data...), nil
}

// DecodeHeader validates and decodes a header slot.
func DecodeHeader(slot []byte) (Header, error) {
	if len(slot) < SlotSize {
		return Header{}, ErrIncompleteSpan
	}
	expected := binary.LittleEndian.Uint32(slot[4:8])
	if util.ComputeChecksumParts(slot[0:4], slot[8:32]) != expected {
		return Header{}, ErrChecksum
	}

	h := Header{
		Namespace:  slot[0],
		Type:       model.ValueType(slot[1]),
		Span:       slot[2],
		ChunkIndex: slot[3],
		Key:        unpadKey(slot[keyOffset : keyOffset+keyFieldSize]),
	}
	copy(h.Data[:], slot[dataOffset:SlotSize])

	if !validType(h.Type) {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrInvalidType, uint8(h.Type))
	}
	if int(h.Span) != h.ExpectedSpan() {
		return Header{}, fmt.Errorf("%w: span %d, expected %d", ErrIncompleteSpan, h.Span, h.ExpectedSpan())
	}
	return h, nil
}

// Decode validates and decodes a complete item of Span slots.
func Decode(raw []byte) (Entry, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return Entry{}, err
	}
	if len(raw) < int(h.Span)*SlotSize {
		return Entry{}, fmt.Errorf("%w: have %d bytes, need %d", ErrIncompleteSpan, len(raw), int(h.Span)*SlotSize)
	}

	e := Entry{
		Namespace:  h.Namespace,
		Type:       h.Type,
		Span:       h.Span,
		ChunkIndex: h.ChunkIndex,
		Key:        h.Key,
	}

	switch {
	case h.Type.IsInteger():
		e.Payload = append([]byte(nil), h.Data[:h.Type.Width()]...)

	case isVariable(h.Type):
		size := h.PayloadSize()
		payload := raw[SlotSize : SlotSize+size]
		if !util.ValidateChecksum(payload, binary.LittleEndian.Uint32(h.Data[4:8])) {
			return Entry{}, ErrChecksum
		}
		e.Payload = append([]byte(nil), payload...)

	case h.Type == model.TypeBlobIndex:
		data := raw[SlotSize : 2*SlotSize]
		if !util.ValidateChecksum(data[0:12], binary.LittleEndian.Uint32(data[12:16])) {
			return Entry{}, ErrChecksum
		}
		e.Index = BlobIndex{
			StoredSize: binary.LittleEndian.Uint32(h.Data[0:4]),
			ChunkCount: h.Data[4],
			Group:      h.Data[5],
			Flags:      h.Data[6],
			ValueType:  model.ValueType(h.Data[7]),
			Digest:     binary.LittleEndian.Uint64(data[0:8]),
			RawSize:    binary.LittleEndian.Uint32(data[8:12]),
		}
	}

	return e, nil
}

func padKey(key string) []byte {
	buf := make([]byte, keyFieldSize)
	copy(buf, key)
	return buf
}

func unpadKey(field []byte) string {
	if i := strings.IndexByte(string(field), 0); i >= 0 {
		return string(field[:i])
	}
	return string(field[:MaxKeyLength])
}
