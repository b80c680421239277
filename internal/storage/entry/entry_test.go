package entry

import (
	"bytes"
	"testing"

	"github.com/devrev/nvstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Values(t *testing.T) {
	u16, err := model.UintValue(model.TypeU16, 0xBEEF)
	require.NoError(t, err)
	i64, err := model.IntValue(model.TypeI64, -42)
	require.NoError(t, err)

	tests := []struct {
		name  string
		entry Entry
		span  int
	}{
		{"u16", Entry{Namespace: 1, Type: model.TypeU16, ChunkIndex: NoChunk, Key: "counter", Payload: u16.Data}, 1},
		{"i64", Entry{Namespace: 2, Type: model.TypeI64, ChunkIndex: NoChunk, Key: "offset", Payload: i64.Data}, 1},
		{"empty string", Entry{Namespace: 1, Type: model.TypeString, ChunkIndex: NoChunk, Key: "e", Payload: []byte{}}, 1},
		{"string", Entry{Namespace: 1, Type: model.TypeString, ChunkIndex: NoChunk, Key: "ssid", Payload: []byte("home-network-5g")}, 2},
		{"blob two slots", Entry{Namespace: 3, Type: model.TypeBlob, ChunkIndex: NoChunk, Key: "cal", Payload: bytes.Repeat([]byte{0xA5}, 33)}, 3},
		{"chunk", Entry{Namespace: 3, Type: model.TypeBlobData, ChunkIndex: 0x81, Key: "fw", Payload: bytes.Repeat([]byte{0x01}, 64)}, 3},
		{"tombstone", Entry{Namespace: 4, Type: model.TypeTombstone, ChunkIndex: NoChunk, Key: "gone"}, 1},
		{"max key", Entry{Namespace: 4, Type: model.TypeU8, ChunkIndex: NoChunk, Key: "fifteen-chars-k", Payload: []byte{9}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.entry)
			require.NoError(t, err)
			require.Len(t, raw, tt.span*SlotSize)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.entry.Namespace, got.Namespace)
			assert.Equal(t, tt.entry.Type, got.Type)
			assert.Equal(t, tt.entry.Key, got.Key)
			assert.Equal(t, tt.entry.ChunkIndex, got.ChunkIndex)
			assert.Equal(t, uint8(tt.span), got.Span)
			if len(tt.entry.Payload) > 0 {
				assert.Equal(t, tt.entry.Payload, got.Payload)
			}
		})
	}
}

func TestEncode_IntegerPadding(t *testing.T) {
	raw, err := Encode(Entry{Namespace: 1, Type: model.TypeU8, ChunkIndex: NoChunk, Key: "k", Payload: []byte{0x05}})
	require.NoError(t, err)
	// Unused inline bytes stay erased
	assert.Equal(t, []byte{0x05, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, raw[24:32])
}

func TestEncodeDecode_BlobIndex(t *testing.T) {
	idx := BlobIndex{
		StoredSize: 9000,
		ChunkCount: 3,
		Group:      0x80,
		Flags:      FlagCompressed,
		ValueType:  model.TypeBlob,
		Digest:     0x0123456789ABCDEF,
		RawSize:    12000,
	}
	raw, err := Encode(Entry{Namespace: 5, Type: model.TypeBlobIndex, ChunkIndex: NoChunk, Key: "image", Index: idx})
	require.NoError(t, err)
	require.Len(t, raw, 2*SlotSize)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, idx, got.Index)
	assert.True(t, got.Index.Compressed())
}

func TestEncode_Rejects(t *testing.T) {
	_, err := Encode(Entry{Type: model.TypeU8, Key: "this-key-is-too-long", Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrKeyTooLong)

	_, err = Encode(Entry{Type: model.ValueType(0x33), Key: "k"})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = Encode(Entry{Type: model.TypeU32, Key: "k", Payload: []byte{1, 2}})
	assert.Error(t, err)

	_, err = Encode(Entry{Type: model.TypeBlob, Key: "k", Payload: make([]byte, MaxPayloadSize+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecode_Corruption(t *testing.T) {
	raw, err := Encode(Entry{Namespace: 1, Type: model.TypeString, ChunkIndex: NoChunk, Key: "name", Payload: []byte("a value that spans slots")})
	require.NoError(t, err)

	t.Run("header bit flip", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[10] ^= 0x01
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("payload bit flip", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[SlotSize+3] ^= 0x80
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("missing data slot", func(t *testing.T) {
		_, err := Decode(raw[:SlotSize])
		assert.ErrorIs(t, err, ErrIncompleteSpan)
	})

	t.Run("erased slot", func(t *testing.T) {
		_, err := DecodeHeader(bytes.Repeat([]byte{0xFF}, SlotSize))
		assert.ErrorIs(t, err, ErrChecksum)
	})
}

func TestSlotsFor(t *testing.T) {
	assert.Equal(t, 1, SlotsFor(0))
	assert.Equal(t, 2, SlotsFor(1))
	assert.Equal(t, 2, SlotsFor(32))
	assert.Equal(t, 3, SlotsFor(33))
	assert.Equal(t, 4000, PayloadCapacity(126))
	assert.Equal(t, MaxPayloadSize, PayloadCapacity(4000))

	// A 16 KiB page has 510 slots but an item never spans more than 255
	assert.Equal(t, 254*SlotSize, PayloadCapacity(510))
}

func TestEncode_LargestItem(t *testing.T) {
	raw, err := Encode(Entry{Namespace: 1, Type: model.TypeBlobData, ChunkIndex: 0, Key: "k", Payload: make([]byte, PayloadCapacity(510))})
	require.NoError(t, err)
	assert.Equal(t, MaxSpan*SlotSize, len(raw))

	h, err := DecodeHeader(raw[:SlotSize])
	require.NoError(t, err)
	assert.Equal(t, uint8(MaxSpan), h.Span)
}
