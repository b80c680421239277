package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/entry"
	"github.com/devrev/nvstore/internal/storage/index"
	"github.com/devrev/nvstore/internal/storage/namespace"
	"github.com/devrev/nvstore/internal/storage/page"
	"go.uber.org/zap"
)

// RecoveryService rebuilds the in-memory index from flash at open time and
// repairs whatever an interrupted operation left behind.
type RecoveryService struct {
	e         *engine
	compactor *CompactionService
	logger    *zap.Logger
}

func newRecoveryService(e *engine, compactor *CompactionService) *RecoveryService {
	return &RecoveryService{
		e:         e,
		compactor: compactor,
		logger:    e.logger,
	}
}

// Recover scans every page in sequence order. Later copies of a key win,
// tombstones delete, and items that fail verification are marked Erased.
func (r *RecoveryService) Recover(ctx context.Context) (*model.RecoveryResult, error) {
	start := time.Now()
	pages := r.e.pm.Pages()
	r.logger.Info("Starting flash recovery",
		zap.Int("pages", len(pages)),
		zap.Int("page_size", r.e.layout.PageSize))

	loaded, err := r.e.pm.Load()
	if err != nil {
		return nil, errors.ReadFailed("failed to load pages", err)
	}
	result := &model.RecoveryResult{Pages: len(pages)}

	var ordered []*page.Page
	for _, p := range pages {
		switch p.State() {
		case model.PageStateEmpty:
			if !loaded[p.ID()].Dirty {
				continue
			}
			r.logger.Warn("Erasing partially written empty page", zap.Int("page", p.ID()))
			if err := r.e.pm.ReclaimPage(p.ID()); err != nil {
				return nil, errors.EraseFailed(fmt.Sprintf("failed to erase page %d", p.ID()), err)
			}
		case model.PageStateCorrupt:
			r.logger.Warn("Erasing page with a damaged header", zap.Int("page", p.ID()))
			if err := r.e.pm.ReclaimPage(p.ID()); err != nil {
				return nil, errors.EraseFailed(fmt.Sprintf("failed to erase page %d", p.ID()), err)
			}
		default:
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence() < ordered[j].Sequence()
	})

	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, slot := range loaded[p.ID()].Torn {
			r.garbage(p, slot, 1, "torn slot", nil)
			result.GarbageItems++
		}
		if err := r.scanPage(p, result); err != nil {
			return nil, err
		}
	}

	r.dropOrphanChunks(result)
	r.verifyChunkedValues(result)

	for _, k := range r.e.idx.Keys(0, true) {
		if _, ok := r.e.ns.Lookup(k.Namespace); !ok {
			return nil, errors.CorruptStore(
				fmt.Sprintf("key %q references unknown namespace id %d", k.Name, k.Namespace), nil)
		}
	}

	if err := r.demoteStaleActive(ordered); err != nil {
		return nil, err
	}
	if err := r.e.pm.Rebuild(); err != nil {
		return nil, errors.CorruptStore("inconsistent page states", err)
	}

	for _, p := range ordered {
		if p.State() != model.PageStateFreeing {
			continue
		}
		r.logger.Info("Resuming interrupted compaction", zap.Int("page", p.ID()))
		if _, err := r.compactor.Resume(p); err != nil {
			return nil, err
		}
		result.ResumedGC++
	}

	if err := r.e.region.Sync(); err != nil {
		return nil, errors.WriteFailed("failed to sync recovered region", err)
	}

	result.Duration = time.Since(start)
	r.e.metrics.RecordRecovery(result.Duration.Seconds(), result.GarbageItems, result.OrphanChunks)
	r.e.updateMetrics()

	r.logger.Info("Flash recovery completed",
		zap.Int("items", result.Items),
		zap.Int("keys", r.e.idx.Len()),
		zap.Int("namespaces", r.e.ns.Len()),
		zap.Int("garbage_items", result.GarbageItems),
		zap.Int("stale_items", result.StaleItems),
		zap.Int("orphan_chunks", result.OrphanChunks),
		zap.Int("tombstones", result.Tombstones),
		zap.Int("resumed_compactions", result.ResumedGC),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// scanPage applies every Written item of p in slot order.
func (r *RecoveryService) scanPage(p *page.Page, result *model.RecoveryResult) error {
	end := p.NextFree()
	for slot := 0; slot < end; {
		if p.SlotState(slot) != page.SlotWritten {
			slot++
			continue
		}

		h, err := r.e.readHeader(p, slot)
		if err != nil {
			r.garbage(p, slot, 1, "bad item header", err)
			result.GarbageItems++
			slot++
			continue
		}

		span := int(h.Span)
		if slot+span > end || !allWritten(p, slot, span) {
			n := span
			if slot+n > end {
				n = end - slot
			}
			r.garbage(p, slot, n, "incomplete item", entry.ErrIncompleteSpan)
			result.GarbageItems++
			slot++
			continue
		}

		loc := index.Location{Page: p.ID(), Slot: slot, Span: span}
		ent, err := r.e.readEntry(loc)
		if err != nil {
			r.garbage(p, slot, span, "damaged item", err)
			result.GarbageItems++
			slot += span
			continue
		}

		result.Items++
		if err := r.apply(p, ent, loc, result); err != nil {
			return err
		}
		slot += span
	}
	return nil
}

func allWritten(p *page.Page, slot, span int) bool {
	for i := slot; i < slot+span; i++ {
		if p.SlotState(i) != page.SlotWritten {
			return false
		}
	}
	return true
}

// apply folds one verified item into the namespace table and the index.
func (r *RecoveryService) apply(p *page.Page, ent entry.Entry, loc index.Location, result *model.RecoveryResult) error {
	k := index.Key{Namespace: ent.Namespace, Name: ent.Key}

	switch {
	case ent.Namespace == entry.NamespaceTableID:
		if ent.Type != model.TypeU8 || len(ent.Payload) != 1 {
			r.garbage(p, loc.Slot, loc.Span, "malformed namespace record", nil)
			result.GarbageItems++
			return nil
		}
		prev, err := r.e.ns.Add(ent.Key, ent.Payload[0], namespace.Location{Page: loc.Page, Slot: loc.Slot})
		if err != nil {
			return errors.CorruptStore(fmt.Sprintf("conflicting records for namespace %q", ent.Key), err)
		}
		if prev != nil {
			r.e.retire(index.Location{Page: prev.Page, Slot: prev.Slot, Span: 1})
			result.StaleItems++
		}

	case ent.Type == model.TypeTombstone:
		result.StaleItems += r.e.retireErased(k, loc)
		result.Tombstones++

	case ent.Type == model.TypeBlobData:
		if ent.ChunkIndex == entry.NoChunk {
			r.garbage(p, loc.Slot, loc.Span, "chunk without index", nil)
			result.GarbageItems++
			return nil
		}
		group, i := splitChunkIndex(ent.ChunkIndex)
		ck := index.ChunkKey{Namespace: ent.Namespace, Name: ent.Key, Group: group, Index: i}
		if prev, had := r.e.idx.PutChunk(ck, loc); had {
			r.e.retire(prev)
			result.StaleItems++
		}

	case ent.Type == model.TypeBlobIndex:
		bi := ent.Index
		result.StaleItems += r.replace(k, index.Entry{
			Location:   loc,
			ItemType:   model.TypeBlobIndex,
			ValueType:  bi.ValueType,
			Size:       int(bi.RawSize),
			Group:      bi.Group,
			ChunkCount: int(bi.ChunkCount),
		})

	default:
		result.StaleItems += r.replace(k, index.Entry{
			Location:  loc,
			ItemType:  ent.Type,
			ValueType: ent.Type,
			Size:      len(ent.Payload),
		})
	}
	return nil
}

// replace installs ie for k and retires whatever it supersedes.
func (r *RecoveryService) replace(k index.Key, ie index.Entry) int {
	return r.e.supersede(k, ie)
}

// dropOrphanChunks erases chunks no complete value refers to: leftovers of
// a write interrupted before its blob index was programmed.
func (r *RecoveryService) dropOrphanChunks(result *model.RecoveryResult) {
	for _, ck := range r.e.idx.ChunkKeys() {
		ie, ok := r.e.idx.Get(index.Key{Namespace: ck.Namespace, Name: ck.Name})
		if ok && ie.Chunked() && ie.Group == ck.Group && int(ck.Index) < ie.ChunkCount {
			continue
		}
		if loc, ok := r.e.idx.DeleteChunk(ck); ok {
			r.e.retire(loc)
			result.OrphanChunks++
		}
	}
}

// verifyChunkedValues drops chunked values that cannot be reassembled.
func (r *RecoveryService) verifyChunkedValues(result *model.RecoveryResult) {
	for _, k := range r.e.idx.Keys(0, true) {
		ie, _ := r.e.idx.Get(k)
		if !ie.Chunked() {
			continue
		}
		if _, err := r.e.readChunked(k, ie); err == nil {
			continue
		}
		r.logger.Warn("Dropping chunked value that failed verification",
			zap.Uint8("namespace_id", k.Namespace),
			zap.String("key", k.Name),
			zap.Int("chunks", ie.ChunkCount))
		r.e.idx.Delete(k)
		r.e.retire(ie.Location)
		r.e.retireChunks(k, nil)
		result.GarbageItems++
	}
}

// demoteStaleActive leaves only the newest Active page active. Several can
// survive a crash between activating a page and filling the previous one.
func (r *RecoveryService) demoteStaleActive(ordered []*page.Page) error {
	var active []*page.Page
	for _, p := range ordered {
		if p.State() == model.PageStateActive {
			active = append(active, p)
		}
	}
	if len(active) < 2 {
		return nil
	}
	for _, p := range active[:len(active)-1] {
		r.logger.Warn("Demoting stale active page", zap.Int("page", p.ID()), zap.Uint32("seq", p.Sequence()))
		if err := p.SetState(model.PageStateFull); err != nil {
			return errors.WriteFailed(fmt.Sprintf("failed to mark page %d full", p.ID()), err)
		}
	}
	return nil
}

func (r *RecoveryService) garbage(p *page.Page, slot, span int, reason string, cause error) {
	fields := []zap.Field{
		zap.Int("page", p.ID()),
		zap.Int("slot", slot),
		zap.Int("span", span),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Warn("Discarding unusable item", fields...)
	if err := p.MarkErased(slot, span); err != nil {
		r.logger.Warn("Failed to mark item erased", zap.Int("page", p.ID()), zap.Int("slot", slot), zap.Error(err))
	}
}
