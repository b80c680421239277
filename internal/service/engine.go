package service

import (
	stderrors "errors"
	"fmt"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/entry"
	"github.com/devrev/nvstore/internal/storage/index"
	"github.com/devrev/nvstore/internal/storage/namespace"
	"github.com/devrev/nvstore/internal/storage/page"
	"github.com/devrev/nvstore/internal/storage/pagemanager"
	"go.uber.org/zap"
)

// engine holds the state shared by the store, the compactor and recovery.
// Callers serialize access through the store lock.
type engine struct {
	region  flash.Region
	pm      *pagemanager.Manager
	layout  page.Layout
	ns      *namespace.Table
	idx     *index.Index
	logger  *zap.Logger
	metrics *metrics.Metrics

	// chunkCapacity is the largest payload a single item can carry
	chunkCapacity int

	compress        bool
	compressMinSize int
}

func newEngine(region flash.Region, pm *pagemanager.Manager, logger *zap.Logger, m *metrics.Metrics) *engine {
	return &engine{
		region:        region,
		pm:            pm,
		layout:        pm.Layout(),
		ns:            namespace.New(),
		idx:           index.New(),
		logger:        logger,
		metrics:       m,
		chunkCapacity: entry.PayloadCapacity(pm.Layout().SlotsPerPage),
	}
}

// writeEntry encodes ent and programs it into a page chosen by the
// allocator. Garbage collection may run before the write.
func (e *engine) writeEntry(ent entry.Entry) (index.Location, error) {
	raw, err := entry.Encode(ent)
	if err != nil {
		return index.Location{}, errors.InvalidArgument("failed to encode item", err)
	}
	span := len(raw) / entry.SlotSize

	p, err := e.pm.AllocatePageForWrite(span)
	if err != nil {
		if stderrors.Is(err, pagemanager.ErrNoSpace) {
			return index.Location{}, errors.NoSpace("no page can hold the item", err).
				WithDetail("slots", span)
		}
		return index.Location{}, errors.WriteFailed("failed to allocate page", err)
	}

	slot, err := p.WriteItem(raw)
	if err != nil {
		return index.Location{}, errors.WriteFailed(fmt.Sprintf("failed to write item %q", ent.Key), err).
			WithDetail("page", p.ID()).
			WithDetail("slot", slot)
	}

	e.logger.Debug("Wrote item",
		zap.Uint8("namespace_id", ent.Namespace),
		zap.String("key", ent.Key),
		zap.Stringer("type", ent.Type),
		zap.Int("page", p.ID()),
		zap.Int("slot", slot),
		zap.Int("span", span))

	return index.Location{Page: p.ID(), Slot: slot, Span: span}, nil
}

// readEntry reads and decodes the item at loc.
func (e *engine) readEntry(loc index.Location) (entry.Entry, error) {
	raw, err := e.pm.Page(loc.Page).ReadSlots(loc.Slot, loc.Span)
	if err != nil {
		return entry.Entry{}, errors.ReadFailed("failed to read item", err)
	}
	ent, err := entry.Decode(raw)
	if err != nil {
		return entry.Entry{}, errors.ReadFailed(fmt.Sprintf("item at page %d slot %d is damaged", loc.Page, loc.Slot), err)
	}
	return ent, nil
}

// readHeader decodes the header slot at slot of p.
func (e *engine) readHeader(p *page.Page, slot int) (entry.Header, error) {
	raw, err := p.ReadSlots(slot, 1)
	if err != nil {
		return entry.Header{}, err
	}
	return entry.DecodeHeader(raw)
}

// retire marks the slots of a superseded item Erased. A superseded value
// left Written is harmless when a newer item for its key follows it on
// flash; callers that rely on the retire itself check the error.
func (e *engine) retire(loc index.Location) error {
	err := e.pm.Page(loc.Page).MarkErased(loc.Slot, loc.Span)
	if err != nil {
		e.logger.Warn("Failed to retire stale item",
			zap.Int("page", loc.Page),
			zap.Int("slot", loc.Slot),
			zap.Int("span", loc.Span),
			zap.Error(err))
	}
	return err
}

// retireChunks drops every chunk of k that does not belong to keep and
// returns how many it dropped plus the ones still Written on flash.
func (e *engine) retireChunks(k index.Key, keep *index.Entry) (int, []index.Location) {
	retired := 0
	var stale []index.Location
	for _, ck := range e.idx.ChunksOf(k) {
		if keep != nil && keep.Chunked() && ck.Group == keep.Group && int(ck.Index) < keep.ChunkCount {
			continue
		}
		if loc, ok := e.idx.DeleteChunk(ck); ok {
			if err := e.retire(loc); err != nil {
				stale = append(stale, loc)
			}
			retired++
		}
	}
	return retired, stale
}

// retireErased retires the value and chunks of k, which a tombstone at tomb
// has just erased. If any copy of k stays Written the tombstone is pinned so
// compaction keeps it until those slots are reclaimed.
func (e *engine) retireErased(k index.Key, tomb index.Location) int {
	var stale []index.Location
	retired := 0
	if prev, ok := e.idx.Delete(k); ok {
		if err := e.retire(prev.Location); err != nil {
			stale = append(stale, prev.Location)
		}
		retired++
	}
	n, failed := e.retireChunks(k, nil)
	retired += n
	stale = append(stale, failed...)

	if len(stale) == 0 && !e.idx.HasStale(k) {
		e.retire(tomb)
		return retired
	}
	if old, had := e.idx.PinTombstone(k, tomb, stale); had {
		e.retire(old)
	}
	e.logger.Warn("Keeping tombstone until erased slots are reclaimed",
		zap.Uint8("namespace_id", k.Namespace),
		zap.String("key", k.Name),
		zap.Int("failed_retires", len(stale)))
	return retired
}

// supersede installs ie as the value of k and retires the copies it
// replaces. Copies that stay Written are tracked so a later tombstone for k
// still hides them. A tombstone pinned for k is no longer needed: ie is
// newer than everything it hid.
func (e *engine) supersede(k index.Key, ie index.Entry) int {
	var stale []index.Location
	retired := 0
	if old, had := e.idx.Put(k, ie); had {
		if err := e.retire(old.Location); err != nil {
			stale = append(stale, old.Location)
		}
		retired++
	}
	n, failed := e.retireChunks(k, &ie)
	retired += n
	e.idx.AddStale(k, append(stale, failed...)...)
	if tomb, ok := e.idx.Unpin(k); ok {
		e.retire(tomb)
	}
	return retired
}

// releasePage is called once pageID is erased: tombstones that no longer
// hide anything are retired.
func (e *engine) releasePage(pageID int) {
	for _, tomb := range e.idx.ReleasePage(pageID) {
		e.retire(tomb)
	}
}

// isLive reports whether the item at page/slot is referenced by the index or
// the namespace table.
func (e *engine) isLive(pageID, slot int) bool {
	if _, ok := e.idx.Owner(pageID, slot); ok {
		return true
	}
	_, ok := e.ns.OwnerOf(namespace.Location{Page: pageID, Slot: slot})
	return ok
}

// stats summarises slot usage across every page.
func (e *engine) stats() model.Stats {
	st := model.Stats{
		TotalSlots:     e.layout.SlotsPerPage * len(e.pm.Pages()),
		NamespaceCount: e.ns.Len(),
		KeyCount:       e.idx.Len(),
		PagesByState:   e.pm.PagesByState(),
	}
	for _, p := range e.pm.Pages() {
		switch p.State() {
		case model.PageStateEmpty:
			st.FreeSlots += e.layout.SlotsPerPage
		case model.PageStateCorrupt:
		default:
			st.UsedSlots += p.WrittenSlots()
			st.ErasedSlots += p.ErasedSlots()
			st.FreeSlots += p.FreeSlots()
		}
	}
	st.MinEraseCount, st.MaxEraseCount = e.pm.EraseCountRange()
	return st
}

func (e *engine) updateMetrics() {
	if e.metrics == nil {
		return
	}
	st := e.stats()
	e.metrics.UpdateSlotStats(st.UsedSlots, st.FreeSlots, st.KeyCount)
}
