// Package pagemanager owns the pages of a region: the free queue, the active
// page, sequence numbers and the reserve page kept for garbage collection.
package pagemanager

import (
	"errors"
	"fmt"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/page"
	"go.uber.org/zap"
)

var (
	// ErrNoSpace is returned when no page can take an item and garbage
	// collection cannot reclaim anything.
	ErrNoSpace = errors.New("no space left in region")
	// ErrNoVictim is returned by a Collector when no page has reclaimable slots.
	ErrNoVictim = errors.New("no page with reclaimable slots")
	// ErrPageInUse is returned when erasing a page that still holds live items.
	ErrPageInUse = errors.New("page still holds live items")
)

// Collector reclaims space by compacting one page. The store's compactor
// implements it; the manager calls it synchronously when only the reserve
// is left.
type Collector interface {
	CollectGarbage() error
}

// Manager tracks every page of a region. It is not safe for concurrent use;
// the owning store serializes access.
type Manager struct {
	region flash.Region
	layout page.Layout
	logger *zap.Logger
	m      *metrics.Metrics

	pages     []*page.Page
	free      []*page.Page
	active    *page.Page
	maxSeq    uint32
	collector Collector

	// Thresholds in free pages
	reservePages      int
	warningFreePages  int
	criticalFreePages int

	// State
	isWarning  bool
	isCritical bool
}

// Config holds configuration for the page manager
type Config struct {
	ReservePages      int
	WarningFreePages  int
	CriticalFreePages int
}

// DefaultConfig returns default page manager configuration
func DefaultConfig() *Config {
	return &Config{
		ReservePages:      1,
		WarningFreePages:  2,
		CriticalFreePages: 1,
	}
}

// New creates a manager for region. Load must be called before use.
func New(region flash.Region, cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	layout, err := page.NewLayout(region.PageSize())
	if err != nil {
		return nil, err
	}
	if cfg.ReservePages < 1 {
		return nil, fmt.Errorf("at least one reserve page is required")
	}
	if region.PageCount() < cfg.ReservePages+1 {
		return nil, fmt.Errorf("region has %d pages, need at least %d", region.PageCount(), cfg.ReservePages+1)
	}

	pm := &Manager{
		region:            region,
		layout:            layout,
		logger:            logger,
		m:                 m,
		reservePages:      cfg.ReservePages,
		warningFreePages:  cfg.WarningFreePages,
		criticalFreePages: cfg.CriticalFreePages,
	}
	for id := 0; id < region.PageCount(); id++ {
		pm.pages = append(pm.pages, page.New(region, layout, id))
	}
	return pm, nil
}

// SetCollector installs the garbage collector used by AllocatePageForWrite.
func (pm *Manager) SetCollector(c Collector) {
	pm.collector = c
}

// Layout returns the slot geometry of the region.
func (pm *Manager) Layout() page.Layout { return pm.layout }

// Pages returns every page in id order.
func (pm *Manager) Pages() []*page.Page { return pm.pages }

// Page returns the page with the given id.
func (pm *Manager) Page(id int) *page.Page { return pm.pages[id] }

// Active returns the current active page, nil if none.
func (pm *Manager) Active() *page.Page { return pm.active }

// FreePages returns the number of Empty pages, reserve included.
func (pm *Manager) FreePages() int { return len(pm.free) }

// Load reads every page header and bitmap from flash.
func (pm *Manager) Load() (map[int]page.LoadResult, error) {
	results := make(map[int]page.LoadResult, len(pm.pages))
	for _, p := range pm.pages {
		res, err := p.Load()
		if err != nil {
			return nil, err
		}
		results[p.ID()] = res
	}
	pm.carryEraseCounts(results)
	return results, nil
}

// carryEraseCounts gives pages that lost their erase count the highest
// count still on flash, so wear leveling never treats them as fresh.
func (pm *Manager) carryEraseCounts(results map[int]page.LoadResult) {
	var known uint32
	for _, p := range pm.pages {
		if !results[p.ID()].CountMissing && p.EraseCount() > known {
			known = p.EraseCount()
		}
	}
	if known == 0 {
		return
	}
	for _, p := range pm.pages {
		if !results[p.ID()].CountMissing {
			continue
		}
		pm.logger.Warn("Page lost its erase count",
			zap.Int("page_id", p.ID()),
			zap.Uint32("assumed_erase_count", known))
		p.AssumeEraseCount(known)
	}
}

// Rebuild derives the free queue, the active page and the highest sequence
// number from the loaded pages. Recovery calls it once the pages are
// consistent: at most one Active page and no dirty Empty page.
func (pm *Manager) Rebuild() error {
	pm.free = pm.free[:0]
	pm.active = nil
	pm.maxSeq = 0

	for _, p := range pm.pages {
		switch p.State() {
		case model.PageStateEmpty:
			pm.free = append(pm.free, p)
			continue
		case model.PageStateActive:
			if pm.active != nil {
				return fmt.Errorf("pages %d and %d are both active", pm.active.ID(), p.ID())
			}
			pm.active = p
		}
		if p.Sequence() > pm.maxSeq {
			pm.maxSeq = p.Sequence()
		}
	}

	pm.checkThresholds()
	pm.updateMetrics()
	return nil
}

// AllocatePageForWrite returns a page with at least requiredSlots free
// slots. It fills the active page first, then activates the least worn free
// page, and runs garbage collection when only the reserve is left.
func (pm *Manager) AllocatePageForWrite(requiredSlots int) (*page.Page, error) {
	if requiredSlots > pm.layout.SlotsPerPage {
		return nil, fmt.Errorf("item of %d slots exceeds page capacity %d", requiredSlots, pm.layout.SlotsPerPage)
	}

	for attempt := 0; attempt <= len(pm.pages); attempt++ {
		if pm.active != nil {
			if pm.active.FreeSlots() >= requiredSlots {
				return pm.active, nil
			}
			if err := pm.MarkPageFull(pm.active.ID()); err != nil {
				return nil, err
			}
		}

		if len(pm.free) > pm.reservePages {
			if _, err := pm.activate(); err != nil {
				return nil, err
			}
			pm.checkThresholds()
			continue
		}

		if pm.collector == nil {
			return nil, ErrNoSpace
		}
		if err := pm.collector.CollectGarbage(); err != nil {
			if errors.Is(err, ErrNoVictim) {
				return nil, fmt.Errorf("%w: %d free pages, no reclaimable slots", ErrNoSpace, len(pm.free))
			}
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrNoSpace, len(pm.pages)+1)
}

// RelocationTarget returns a page that can take slots items during garbage
// collection. The reserve page may be used; thresholds are rechecked once
// the victim is erased.
func (pm *Manager) RelocationTarget(slots int) (*page.Page, error) {
	if pm.active != nil {
		if pm.active.FreeSlots() >= slots {
			return pm.active, nil
		}
		if err := pm.MarkPageFull(pm.active.ID()); err != nil {
			return nil, err
		}
	}
	if len(pm.free) == 0 {
		return nil, fmt.Errorf("%w: no free page for relocation", ErrNoSpace)
	}
	return pm.activate()
}

// activate turns the least worn free page into the active page. Among pages
// with equal erase counts the one freed first wins.
func (pm *Manager) activate() (*page.Page, error) {
	best := 0
	for i, p := range pm.free {
		if p.EraseCount() < pm.free[best].EraseCount() {
			best = i
		}
	}
	p := pm.free[best]

	if err := p.Activate(pm.maxSeq + 1); err != nil {
		return nil, err
	}
	pm.free = append(pm.free[:best], pm.free[best+1:]...)
	pm.maxSeq++
	pm.active = p

	pm.logger.Debug("Activated page",
		zap.Int("page", p.ID()),
		zap.Uint32("seq", p.Sequence()),
		zap.Uint32("erase_count", p.EraseCount()),
		zap.Int("free_pages", len(pm.free)))

	pm.updateMetrics()
	return p, nil
}

// MarkPageFull closes a page for writing.
func (pm *Manager) MarkPageFull(pageID int) error {
	p := pm.pages[pageID]
	if err := p.SetState(model.PageStateFull); err != nil {
		return err
	}
	if pm.active == p {
		pm.active = nil
	}
	pm.updateMetrics()
	return nil
}

// ErasePage erases a page without live items and returns it to the free
// queue with its erase count bumped.
func (pm *Manager) ErasePage(pageID int) error {
	p := pm.pages[pageID]
	if p.WrittenSlots() > 0 && p.State() != model.PageStateFreeing && p.State() != model.PageStateCorrupt {
		return fmt.Errorf("%w: page %d has %d written slots", ErrPageInUse, pageID, p.WrittenSlots())
	}
	return pm.erase(p)
}

// ReclaimPage erases a page regardless of content. Recovery uses it for
// dirty and corrupt pages.
func (pm *Manager) ReclaimPage(pageID int) error {
	return pm.erase(pm.pages[pageID])
}

func (pm *Manager) erase(p *page.Page) error {
	for i, f := range pm.free {
		if f == p {
			pm.free = append(pm.free[:i], pm.free[i+1:]...)
			break
		}
	}
	if err := p.Erase(); err != nil {
		return err
	}
	if pm.active == p {
		pm.active = nil
	}
	pm.free = append(pm.free, p)
	pm.m.RecordPageErase()

	pm.logger.Debug("Erased page",
		zap.Int("page", p.ID()),
		zap.Uint32("erase_count", p.EraseCount()))

	pm.checkThresholds()
	pm.updateMetrics()
	return nil
}

// SelectVictim returns the Full page with the most reclaimable slots.
func (pm *Manager) SelectVictim() (*page.Page, bool) {
	var victim *page.Page
	best := 0
	for _, p := range pm.pages {
		if p.State() != model.PageStateFull {
			continue
		}
		reclaimable := pm.layout.SlotsPerPage - p.WrittenSlots()
		if reclaimable > best {
			victim, best = p, reclaimable
		}
	}
	return victim, victim != nil
}

// PagesByState counts pages per state name.
func (pm *Manager) PagesByState() map[string]int {
	counts := map[string]int{
		model.PageStateEmpty.String():   0,
		model.PageStateActive.String():  0,
		model.PageStateFull.String():    0,
		model.PageStateFreeing.String(): 0,
		model.PageStateCorrupt.String(): 0,
	}
	for _, p := range pm.pages {
		counts[p.State().String()]++
	}
	return counts
}

// EraseCountRange returns the lowest and highest erase counts.
func (pm *Manager) EraseCountRange() (uint32, uint32) {
	lo, hi := pm.pages[0].EraseCount(), pm.pages[0].EraseCount()
	for _, p := range pm.pages[1:] {
		if c := p.EraseCount(); c < lo {
			lo = c
		} else if c > hi {
			hi = c
		}
	}
	return lo, hi
}

// SpaceStatus contains free space state
type SpaceStatus struct {
	FreePages  int
	IsWarning  bool
	IsCritical bool
}

// Status returns the current free space state
func (pm *Manager) Status() SpaceStatus {
	return SpaceStatus{
		FreePages:  len(pm.free),
		IsWarning:  pm.isWarning,
		IsCritical: pm.isCritical,
	}
}

// checkThresholds updates the free space state and logs transitions
func (pm *Manager) checkThresholds() {
	free := len(pm.free)
	previouslyWarning := pm.isWarning
	previouslyCritical := pm.isCritical

	// Critical means the reserve itself is being consumed
	pm.isCritical = free < pm.criticalFreePages
	pm.isWarning = free <= pm.warningFreePages && !pm.isCritical

	if pm.isCritical && !previouslyCritical {
		pm.logger.Warn("Free pages CRITICAL, reserve page in use",
			zap.Int("free_pages", free),
			zap.Int("threshold", pm.criticalFreePages))
	} else if !pm.isCritical && previouslyCritical {
		pm.logger.Info("Free pages recovered from critical",
			zap.Int("free_pages", free))
	}

	if pm.isWarning && !previouslyWarning {
		pm.logger.Warn("Free pages low",
			zap.Int("free_pages", free),
			zap.Int("threshold", pm.warningFreePages))
	}
}

func (pm *Manager) updateMetrics() {
	if pm.m == nil {
		return
	}
	lo, hi := pm.EraseCountRange()
	pm.m.UpdatePageStats(pm.PagesByState(), len(pm.free), lo, hi)
}
