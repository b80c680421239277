package index

import (
	"testing"

	"github.com/devrev/nvstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_PutGetDelete(t *testing.T) {
	x := New()
	k := Key{Namespace: 1, Name: "ssid"}

	_, had := x.Put(k, Entry{Location: Location{Page: 0, Slot: 2, Span: 2}, ItemType: model.TypeString, ValueType: model.TypeString, Size: 10})
	assert.False(t, had)

	prev, had := x.Put(k, Entry{Location: Location{Page: 1, Slot: 0, Span: 2}, ItemType: model.TypeString, ValueType: model.TypeString, Size: 12})
	require.True(t, had)
	assert.Equal(t, Location{Page: 0, Slot: 2, Span: 2}, prev.Location)

	_, ok := x.Owner(0, 2)
	assert.False(t, ok, "replaced location no longer owned")
	o, ok := x.Owner(1, 0)
	require.True(t, ok)
	assert.Equal(t, k, o.Key)

	e, ok := x.Get(k)
	require.True(t, ok)
	assert.Equal(t, 12, e.Size)

	_, ok = x.Delete(k)
	assert.True(t, ok)
	_, ok = x.Delete(k)
	assert.False(t, ok)
	assert.Equal(t, 0, x.Len())
}

func TestIndex_KeysOrder(t *testing.T) {
	x := New()
	for _, k := range []Key{{2, "b"}, {1, "z"}, {1, "a"}, {2, "a"}} {
		x.Put(k, Entry{Location: Location{Page: int(k.Namespace), Slot: len(x.entries)}})
	}

	assert.Equal(t, []Key{{1, "a"}, {1, "z"}}, x.Keys(1, false))
	assert.Equal(t, []Key{{1, "a"}, {1, "z"}, {2, "a"}, {2, "b"}}, x.Keys(0, true))
}

func TestIndex_Chunks(t *testing.T) {
	x := New()
	k := Key{Namespace: 3, Name: "fw"}

	for i := uint8(0); i < 3; i++ {
		x.PutChunk(ChunkKey{3, "fw", 0x80, i}, Location{Page: 1, Slot: int(i) * 10, Span: 10})
	}
	x.PutChunk(ChunkKey{3, "fw", 0x00, 0}, Location{Page: 0, Slot: 0, Span: 10})

	chunks := x.ChunksOf(k)
	require.Len(t, chunks, 4)
	assert.Equal(t, uint8(0x00), chunks[0].Group)
	assert.Equal(t, uint8(2), chunks[3].Index)

	o, ok := x.Owner(1, 10)
	require.True(t, ok)
	assert.True(t, o.Chunk)
	assert.Equal(t, uint8(1), o.Part.Index)

	loc, ok := x.DeleteChunk(ChunkKey{3, "fw", 0x00, 0})
	require.True(t, ok)
	assert.Equal(t, 0, loc.Page)
	assert.Len(t, x.ChunkKeys(), 3)
}

func TestIndex_Relocate(t *testing.T) {
	x := New()
	k := Key{Namespace: 1, Name: "boot"}
	ck := ChunkKey{1, "img", 0, 0}

	x.Put(k, Entry{Location: Location{Page: 4, Slot: 1, Span: 1}, ItemType: model.TypeU8})
	x.PutChunk(ck, Location{Page: 4, Slot: 2, Span: 5})

	require.True(t, x.Relocate(4, 1, Location{Page: 7, Slot: 0, Span: 1}))
	require.True(t, x.Relocate(4, 2, Location{Page: 7, Slot: 1, Span: 5}))
	assert.False(t, x.Relocate(4, 9, Location{}))

	e, _ := x.Get(k)
	assert.Equal(t, Location{Page: 7, Slot: 0, Span: 1}, e.Location)
	loc, _ := x.Chunk(ck)
	assert.Equal(t, Location{Page: 7, Slot: 1, Span: 5}, loc)

	_, ok := x.Owner(4, 1)
	assert.False(t, ok)
}

func TestIndex_PinnedTombstones(t *testing.T) {
	x := New()
	k := Key{Namespace: 1, Name: "wifi"}
	tomb := Location{Page: 3, Slot: 0, Span: 1}

	_, had := x.PinTombstone(k, tomb, []Location{{Page: 1, Slot: 4, Span: 2}, {Page: 2, Slot: 0, Span: 1}})
	assert.False(t, had)

	o, ok := x.Owner(3, 0)
	require.True(t, ok)
	assert.True(t, o.Tombstone)
	assert.Equal(t, 1, x.Pinned())

	// Compaction moves the tombstone with the rest of the live items
	require.True(t, x.Relocate(3, 0, Location{Page: 5, Slot: 2, Span: 1}))
	loc, ok := x.PinnedTombstone(k)
	require.True(t, ok)
	assert.Equal(t, Location{Page: 5, Slot: 2, Span: 1}, loc)

	assert.Empty(t, x.ReleasePage(1))
	assert.Equal(t, []Location{{Page: 5, Slot: 2, Span: 1}}, x.ReleasePage(2))
	assert.Equal(t, 0, x.Pinned())
	_, ok = x.Owner(5, 2)
	assert.False(t, ok)
}

func TestIndex_PinReplaceAndUnpin(t *testing.T) {
	x := New()
	k := Key{Namespace: 1, Name: "wifi"}

	x.PinTombstone(k, Location{Page: 3, Slot: 0, Span: 1}, []Location{{Page: 1, Slot: 0, Span: 1}})
	old, had := x.PinTombstone(k, Location{Page: 4, Slot: 0, Span: 1}, []Location{{Page: 2, Slot: 0, Span: 1}})
	require.True(t, had)
	assert.Equal(t, Location{Page: 3, Slot: 0, Span: 1}, old)
	_, ok := x.Owner(3, 0)
	assert.False(t, ok)

	// Stale slots of the replaced pin still hold the new one
	assert.Empty(t, x.ReleasePage(2))
	assert.Equal(t, 1, x.Pinned())

	loc, ok := x.Unpin(k)
	require.True(t, ok)
	assert.Equal(t, Location{Page: 4, Slot: 0, Span: 1}, loc)
	_, ok = x.Unpin(k)
	assert.False(t, ok)

	// The stale copy on page 1 is still tracked for the next tombstone
	assert.True(t, x.HasStale(k))
	assert.Empty(t, x.ReleasePage(1))
	assert.False(t, x.HasStale(k))
}

func TestIndex_StaleCopiesCarryToNextTombstone(t *testing.T) {
	x := New()
	k := Key{Namespace: 2, Name: "ssid"}

	x.AddStale(k)
	assert.False(t, x.HasStale(k))
	x.AddStale(k, Location{Page: 1, Slot: 3, Span: 1})
	assert.True(t, x.HasStale(k))
	assert.Zero(t, x.Pinned())

	_, had := x.PinTombstone(k, Location{Page: 2, Slot: 0, Span: 1}, nil)
	assert.False(t, had)
	assert.Equal(t, 1, x.Pinned())
	assert.Equal(t, []Location{{Page: 2, Slot: 0, Span: 1}}, x.ReleasePage(1))
	assert.Zero(t, x.Pinned())
}
