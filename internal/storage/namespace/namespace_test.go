package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AddResolve(t *testing.T) {
	tbl := New()

	id, err := tbl.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint8(FirstID), id)

	prev, err := tbl.Add("wifi", id, Location{Page: 0, Slot: 0})
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = tbl.Add("storage", 5, Location{Page: 0, Slot: 1})
	require.NoError(t, err)

	got, ok := tbl.Resolve("wifi")
	require.True(t, ok)
	assert.Equal(t, id, got)

	name, ok := tbl.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "storage", name)

	next, err := tbl.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint8(6), next, "ids continue after the highest seen id")

	assert.Equal(t, []string{"storage", "wifi"}, tbl.Names())
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_Conflicts(t *testing.T) {
	tbl := New()
	_, err := tbl.Add("wifi", 1, Location{})
	require.NoError(t, err)

	tests := []struct {
		name string
		ns   string
		id   uint8
	}{
		{"same name new id", "wifi", 2},
		{"same id new name", "boot", 1},
		{"reserved id", "table", 0},
		{"id out of range", "late", 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tbl.Add(tt.ns, tt.id, Location{Page: 1})
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestTable_DuplicateRecordMoves(t *testing.T) {
	tbl := New()
	_, err := tbl.Add("wifi", 1, Location{Page: 0, Slot: 3})
	require.NoError(t, err)

	prev, err := tbl.Add("wifi", 1, Location{Page: 2, Slot: 0})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, Location{Page: 0, Slot: 3}, *prev)

	id, ok := tbl.OwnerOf(Location{Page: 2, Slot: 0})
	require.True(t, ok)
	assert.Equal(t, uint8(1), id)

	assert.True(t, tbl.Move(1, Location{Page: 3, Slot: 7}))
	r, ok := tbl.Get("wifi")
	require.True(t, ok)
	assert.Equal(t, Location{Page: 3, Slot: 7}, r.Location)
}

func TestTable_Exhausted(t *testing.T) {
	tbl := New()
	_, err := tbl.Add("last", MaxID, Location{})
	require.NoError(t, err)

	_, err = tbl.NextID()
	assert.ErrorIs(t, err, ErrExhausted)
}
