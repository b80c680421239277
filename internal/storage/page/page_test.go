package page

import (
	"bytes"
	"testing"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, pageSize int) (*flash.MemRegion, *Page) {
	t.Helper()
	layout, err := NewLayout(pageSize)
	require.NoError(t, err)
	region := flash.NewMemRegion(pageSize, 2)
	return region, New(region, layout, 0)
}

func item(span int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, span*SlotSize)
}

func TestNewLayout(t *testing.T) {
	tests := []struct {
		pageSize int
		slots    int
		bitmap   int
	}{
		{4096, 126, 32},
		{512, 14, 32},
		{8192, 253, 64},
	}

	for _, tt := range tests {
		l, err := NewLayout(tt.pageSize)
		require.NoError(t, err)
		assert.Equal(t, tt.slots, l.SlotsPerPage, "page size %d", tt.pageSize)
		assert.Equal(t, tt.bitmap, l.BitmapSize, "page size %d", tt.pageSize)
		assert.LessOrEqual(t, l.SlotOffset(l.SlotsPerPage), tt.pageSize)
	}

	_, err := NewLayout(100)
	assert.Error(t, err)
	_, err = NewLayout(4100)
	assert.Error(t, err)
}

func TestPage_ActivateWriteReload(t *testing.T) {
	region, p := newTestPage(t, 512)

	res, err := p.Load()
	require.NoError(t, err)
	assert.False(t, res.Dirty)
	assert.Equal(t, model.PageStateEmpty, p.State())

	require.NoError(t, p.Activate(7))
	slot, err := p.WriteItem(item(2, 0x11))
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	slot, err = p.WriteItem(item(1, 0x22))
	require.NoError(t, err)
	assert.Equal(t, 2, slot)
	require.NoError(t, p.MarkErased(0, 2))

	reloaded := New(region, p.Layout(), 0)
	res, err = reloaded.Load()
	require.NoError(t, err)
	assert.Empty(t, res.Torn)
	assert.Equal(t, model.PageStateActive, reloaded.State())
	assert.Equal(t, uint32(7), reloaded.Sequence())
	assert.Equal(t, 3, reloaded.NextFree())
	assert.Equal(t, 1, reloaded.WrittenSlots())
	assert.Equal(t, 2, reloaded.ErasedSlots())
	assert.Equal(t, SlotErased, reloaded.SlotState(1))
	assert.Equal(t, SlotWritten, reloaded.SlotState(2))

	got, err := reloaded.ReadSlots(2, 1)
	require.NoError(t, err)
	assert.Equal(t, item(1, 0x22), got)
}

func TestPage_WriteItemErrors(t *testing.T) {
	_, p := newTestPage(t, 512)

	_, err := p.WriteItem(item(1, 0))
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, p.Activate(1))
	_, err = p.WriteItem(make([]byte, 10))
	assert.Error(t, err)

	_, err = p.WriteItem(item(p.Layout().SlotsPerPage+1, 0))
	assert.ErrorIs(t, err, ErrPageFull)

	_, err = p.WriteItem(item(p.Layout().SlotsPerPage, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, p.FreeSlots())
}

func TestPage_StateTransitions(t *testing.T) {
	_, p := newTestPage(t, 512)
	require.NoError(t, p.Activate(1))

	require.NoError(t, p.SetState(model.PageStateFull))
	require.NoError(t, p.SetState(model.PageStateFreeing))
	assert.ErrorIs(t, p.SetState(model.PageStateActive), ErrInvalidTransition)
	assert.ErrorIs(t, p.Activate(2), ErrInvalidTransition)
}

func TestPage_TornActivationIsDirty(t *testing.T) {
	region, p := newTestPage(t, 512)
	// Header body without the state word
	require.NoError(t, region.Write(0, 4, encodeHeaderBody(3, 0)))

	res, err := p.Load()
	require.NoError(t, err)
	assert.True(t, res.Dirty)
	assert.Equal(t, model.PageStateEmpty, p.State())
}

func TestPage_TornItemSlots(t *testing.T) {
	region, p := newTestPage(t, 512)
	require.NoError(t, p.Activate(1))
	_, err := p.WriteItem(item(1, 0x01))
	require.NoError(t, err)

	// Slot data programmed but the bitmap never updated
	require.NoError(t, region.Write(0, p.Layout().SlotOffset(1), item(2, 0x02)))

	reloaded := New(region, p.Layout(), 0)
	res, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Torn)
	assert.Equal(t, 3, reloaded.NextFree())

	require.NoError(t, reloaded.MarkErased(1, 2))
	assert.Equal(t, 2, reloaded.ErasedSlots())
	assert.Equal(t, 1, reloaded.WrittenSlots())
}

func TestPage_CorruptHeader(t *testing.T) {
	region, p := newTestPage(t, 512)
	require.NoError(t, p.Activate(1))
	require.NoError(t, region.Overwrite(0, 5, []byte{0x42}))

	reloaded := New(region, p.Layout(), 0)
	_, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, model.PageStateCorrupt, reloaded.State())
}

func TestPage_EraseKeepsCount(t *testing.T) {
	region, p := newTestPage(t, 512)

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Activate(uint32(i)))
		_, err := p.WriteItem(item(1, 0))
		require.NoError(t, err)
		require.NoError(t, p.Erase())
	}
	assert.Equal(t, uint32(3), p.EraseCount())
	assert.Equal(t, model.PageStateEmpty, p.State())
	assert.Equal(t, 0, p.NextFree())

	reloaded := New(region, p.Layout(), 0)
	res, err := reloaded.Load()
	require.NoError(t, err)
	assert.False(t, res.Dirty)
	assert.Equal(t, uint32(3), reloaded.EraseCount())

	// The count survives activation too
	require.NoError(t, reloaded.Activate(9))
	again := New(region, p.Layout(), 0)
	_, err = again.Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), again.EraseCount())
}
