package pagemanager

import (
	"bytes"
	"testing"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPageSize = 512

func newTestManager(t *testing.T, pages int) (*flash.MemRegion, *Manager) {
	t.Helper()
	region := flash.NewMemRegion(testPageSize, pages)
	pm, err := New(region, DefaultConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	_, err = pm.Load()
	require.NoError(t, err)
	require.NoError(t, pm.Rebuild())
	return region, pm
}

func slots(n int) []byte {
	return bytes.Repeat([]byte{0x5A}, n*32)
}

type countingCollector struct {
	calls int
	err   error
}

func (c *countingCollector) CollectGarbage() error {
	c.calls++
	return c.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(flash.NewMemRegion(testPageSize, 1), DefaultConfig(), nil, nil)
	assert.Error(t, err, "one page cannot hold a reserve")

	_, err = New(flash.NewMemRegion(100, 4), DefaultConfig(), nil, nil)
	assert.Error(t, err)

	_, err = New(flash.NewMemRegion(testPageSize, 4), &Config{ReservePages: 0}, nil, nil)
	assert.Error(t, err)
}

func TestAllocate_FillsActiveThenActivatesNext(t *testing.T) {
	_, pm := newTestManager(t, 4)
	perPage := pm.Layout().SlotsPerPage

	p, err := pm.AllocatePageForWrite(perPage - 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Sequence())
	_, err = p.WriteItem(slots(perPage - 1))
	require.NoError(t, err)

	same, err := pm.AllocatePageForWrite(1)
	require.NoError(t, err)
	assert.Same(t, p, same)

	next, err := pm.AllocatePageForWrite(2)
	require.NoError(t, err)
	assert.NotSame(t, p, next)
	assert.Equal(t, uint32(2), next.Sequence())
	assert.Equal(t, model.PageStateFull, p.State())
	assert.Equal(t, 2, pm.FreePages())
}

func TestAllocate_PrefersLeastWornPage(t *testing.T) {
	_, pm := newTestManager(t, 4)

	// Wear page 0 and 1 down so page 2 is the least worn
	for _, id := range []int{0, 1} {
		require.NoError(t, pm.Page(id).Activate(9))
		require.NoError(t, pm.Page(id).SetState(model.PageStateFull))
		require.NoError(t, pm.ReclaimPage(id))
	}
	require.NoError(t, pm.Rebuild())

	p, err := pm.AllocatePageForWrite(1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ID())
}

func TestLoad_CarriesLostEraseCount(t *testing.T) {
	region, pm := newTestManager(t, 4)

	wear := map[int]int{0: 4, 1: 1, 2: 1, 3: 2}
	for id, n := range wear {
		for i := 0; i < n; i++ {
			require.NoError(t, pm.Page(id).Erase())
		}
	}
	// A crash between erasing page 3 and rewriting its count
	require.NoError(t, region.ErasePage(3))

	pm2, err := New(region, DefaultConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	results, err := pm2.Load()
	require.NoError(t, err)
	require.NoError(t, pm2.Rebuild())

	assert.True(t, results[3].CountMissing)
	assert.False(t, results[3].Dirty)
	assert.Equal(t, uint32(4), pm2.Page(3).EraseCount())
	assert.Equal(t, uint32(1), pm2.Page(1).EraseCount())

	p, err := pm2.AllocatePageForWrite(1)
	require.NoError(t, err)
	assert.NotEqual(t, 3, p.ID(), "page with a lost count must not look fresh")

	// Activation programs the assumed count
	require.NoError(t, pm2.Page(3).Activate(50))
	pm3, err := New(region, DefaultConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	results, err = pm3.Load()
	require.NoError(t, err)
	assert.False(t, results[3].CountMissing)
	assert.Equal(t, uint32(4), pm3.Page(3).EraseCount())
}

func TestLoad_FreshRegionStartsAtZero(t *testing.T) {
	_, pm := newTestManager(t, 3)
	for _, p := range pm.Pages() {
		assert.Zero(t, p.EraseCount())
	}
}

func TestAllocate_NoSpaceWithoutCollector(t *testing.T) {
	_, pm := newTestManager(t, 2)
	perPage := pm.Layout().SlotsPerPage

	p, err := pm.AllocatePageForWrite(perPage)
	require.NoError(t, err)
	_, err = p.WriteItem(slots(perPage))
	require.NoError(t, err)

	_, err = pm.AllocatePageForWrite(1)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 1, pm.FreePages(), "reserve page is never handed out for writes")
}

func TestAllocate_RunsCollectorOnReserve(t *testing.T) {
	_, pm := newTestManager(t, 2)
	perPage := pm.Layout().SlotsPerPage

	p, err := pm.AllocatePageForWrite(perPage)
	require.NoError(t, err)
	_, err = p.WriteItem(slots(perPage))
	require.NoError(t, err)

	c := &countingCollector{err: ErrNoVictim}
	pm.SetCollector(c)

	_, err = pm.AllocatePageForWrite(1)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 1, c.calls)

	// A collector that never frees anything is bounded by the page count
	c.err = nil
	_, err = pm.AllocatePageForWrite(1)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 1+len(pm.Pages())+1, c.calls)
}

func TestAllocate_RejectsOversizedItem(t *testing.T) {
	_, pm := newTestManager(t, 3)
	_, err := pm.AllocatePageForWrite(pm.Layout().SlotsPerPage + 1)
	assert.Error(t, err)
}

func TestSelectVictim(t *testing.T) {
	_, pm := newTestManager(t, 4)

	_, ok := pm.SelectVictim()
	assert.False(t, ok)

	a, err := pm.AllocatePageForWrite(4)
	require.NoError(t, err)
	_, err = a.WriteItem(slots(4))
	require.NoError(t, err)
	require.NoError(t, pm.MarkPageFull(a.ID()))

	b, err := pm.AllocatePageForWrite(4)
	require.NoError(t, err)
	_, err = b.WriteItem(slots(4))
	require.NoError(t, err)
	require.NoError(t, b.MarkErased(0, 4))
	require.NoError(t, pm.MarkPageFull(b.ID()))

	victim, ok := pm.SelectVictim()
	require.True(t, ok)
	assert.Same(t, b, victim)

	assert.ErrorIs(t, pm.ErasePage(a.ID()), ErrPageInUse)
	require.NoError(t, pm.ErasePage(b.ID()))
	assert.Equal(t, uint32(1), b.EraseCount())
	assert.Equal(t, model.PageStateEmpty, b.State())
}

func TestRelocationTarget_UsesReserve(t *testing.T) {
	_, pm := newTestManager(t, 2)
	perPage := pm.Layout().SlotsPerPage

	p, err := pm.AllocatePageForWrite(perPage)
	require.NoError(t, err)
	_, err = p.WriteItem(slots(perPage))
	require.NoError(t, err)

	target, err := pm.RelocationTarget(3)
	require.NoError(t, err)
	assert.NotSame(t, p, target)
	assert.Equal(t, 0, pm.FreePages())

	_, err = target.WriteItem(slots(perPage))
	require.NoError(t, err)
	_, err = pm.RelocationTarget(1)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestThresholdsAndStats(t *testing.T) {
	_, pm := newTestManager(t, 4)
	assert.False(t, pm.Status().IsWarning)

	p, err := pm.AllocatePageForWrite(1)
	require.NoError(t, err)
	_, err = p.WriteItem(slots(1))
	require.NoError(t, err)
	_, err = pm.AllocatePageForWrite(pm.Layout().SlotsPerPage)
	require.NoError(t, err)

	status := pm.Status()
	assert.Equal(t, 2, status.FreePages)
	assert.True(t, status.IsWarning)
	assert.False(t, status.IsCritical)

	byState := pm.PagesByState()
	assert.Equal(t, 2, byState["empty"])
	assert.Equal(t, 1, byState["active"])
	assert.Equal(t, 1, byState["full"])

	lo, hi := pm.EraseCountRange()
	assert.Equal(t, uint32(0), lo)
	assert.Equal(t, uint32(0), hi)
}
