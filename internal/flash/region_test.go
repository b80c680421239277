package flash_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRegion_NORSemantics(t *testing.T) {
	r := flash.NewMemRegion(512, 4)

	buf := make([]byte, 4)
	require.NoError(t, r.Read(0, 0, buf))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	require.NoError(t, r.Write(0, 0, []byte{0xF0, 0x0F, 0xAA, 0x55}))
	// Clearing more bits is allowed
	require.NoError(t, r.Write(0, 0, []byte{0xE0, 0x0F, 0x00, 0x55}))
	// Setting a bit back to 1 is not
	err := r.Write(0, 0, []byte{0xFF, 0x0F, 0x00, 0x55})
	require.ErrorIs(t, err, flash.ErrNotErased)

	require.NoError(t, r.Read(0, 0, buf))
	assert.Equal(t, []byte{0xE0, 0x0F, 0x00, 0x55}, buf)

	require.NoError(t, r.ErasePage(0))
	require.NoError(t, r.Read(0, 0, buf))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)
	assert.Equal(t, 1, r.EraseCount(0))
}

func TestMemRegion_Bounds(t *testing.T) {
	r := flash.NewMemRegion(512, 2)

	tests := []struct {
		name string
		page int
		off  int
		n    int
	}{
		{"negative page", -1, 0, 1},
		{"page past end", 2, 0, 1},
		{"offset past end", 0, 512, 1},
		{"straddles page", 0, 510, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Read(tt.page, tt.off, make([]byte, tt.n))
			assert.ErrorIs(t, err, flash.ErrOutOfRange)
		})
	}
}

func TestMemRegion_PowerLoss(t *testing.T) {
	r := flash.NewMemRegion(512, 2)
	r.FailAfterBytes(6)

	require.NoError(t, r.Write(0, 0, []byte{1, 2, 3, 4}))
	err := r.Write(0, 4, []byte{5, 6, 7, 8})
	require.ErrorIs(t, err, flash.ErrPowerLoss)
	assert.True(t, r.PowerLost())

	// Only the bytes inside the budget were programmed
	buf := make([]byte, 8)
	require.NoError(t, r.Read(0, 0, buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0xFF, 0xFF}, buf)

	assert.ErrorIs(t, r.ErasePage(1), flash.ErrPowerLoss)
	assert.ErrorIs(t, r.Write(1, 0, []byte{0}), flash.ErrPowerLoss)

	reopened, err := flash.NewMemRegionFromImage(512, r.Snapshot())
	require.NoError(t, err)
	require.NoError(t, reopened.Read(0, 0, buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0xFF, 0xFF}, buf)
	require.NoError(t, reopened.Write(1, 0, []byte{0}))
}

func TestMemRegion_Lock(t *testing.T) {
	r := flash.NewMemRegion(512, 2)

	require.NoError(t, r.Lock())
	assert.ErrorIs(t, r.Lock(), flash.ErrRegionInUse)
	require.NoError(t, r.Unlock())
	require.NoError(t, r.Lock())
}

func TestFileRegion_ReadWriteErase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.bin")

	r, err := flash.OpenFileRegion(path, 512, 3)
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, r.Read(2, 0, buf))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{0xFF}, 512), buf), "new region must be erased")

	require.NoError(t, r.Write(1, 10, []byte("hello")))
	require.ErrorIs(t, r.Write(1, 10, []byte{0xFF}), flash.ErrNotErased)
	require.NoError(t, r.Sync())
	require.NoError(t, r.Close())

	r, err = flash.OpenFileRegion(path, 512, 3)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, 5)
	require.NoError(t, r.Read(1, 10, got))
	assert.Equal(t, "hello", string(got))

	require.NoError(t, r.ErasePage(1))
	require.NoError(t, r.Read(1, 10, got))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, got)
}

func TestFileRegion_GeometryMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.bin")

	r, err := flash.OpenFileRegion(path, 512, 2)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = flash.OpenFileRegion(path, 512, 4)
	require.Error(t, err)
}

func TestFileRegion_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs.bin")

	first, err := flash.OpenFileRegion(path, 512, 2)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Lock())

	second, err := flash.OpenFileRegion(path, 512, 2)
	require.NoError(t, err)
	defer second.Close()
	assert.ErrorIs(t, second.Lock(), flash.ErrRegionInUse)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock())
}
