package service

import (
	"fmt"
	"time"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/entry"
	"github.com/devrev/nvstore/internal/storage/index"
	"github.com/devrev/nvstore/internal/storage/namespace"
	"github.com/devrev/nvstore/internal/storage/page"
	"github.com/devrev/nvstore/internal/storage/pagemanager"
	"go.uber.org/zap"
)

// CompactionService reclaims pages by copying their live items to the active
// page and erasing them. It runs synchronously under the store lock, either
// from the allocator or from an explicit Compact call.
type CompactionService struct {
	e      *engine
	logger *zap.Logger
}

// newCompactionService creates a compactor and installs it as the page
// manager's garbage collector.
func newCompactionService(e *engine) *CompactionService {
	cs := &CompactionService{
		e:      e,
		logger: e.logger,
	}
	e.pm.SetCollector(cs)
	return cs
}

// CollectGarbage implements pagemanager.Collector.
func (s *CompactionService) CollectGarbage() error {
	_, err := s.Compact()
	return err
}

// Compact compacts the Full page with the most reclaimable slots.
func (s *CompactionService) Compact() (*model.CompactionResult, error) {
	victim, ok := s.e.pm.SelectVictim()
	if !ok {
		return nil, pagemanager.ErrNoVictim
	}
	return s.compactPage(victim, model.CompactionStatusCompleted)
}

// Resume finishes the compaction of a page left Freeing by a crash.
func (s *CompactionService) Resume(victim *page.Page) (*model.CompactionResult, error) {
	return s.compactPage(victim, model.CompactionStatusResumed)
}

type liveItem struct {
	slot int
	span int
}

// liveItems lists the referenced items of p in slot order.
func (s *CompactionService) liveItems(p *page.Page) ([]liveItem, int) {
	var items []liveItem
	slots := 0
	for slot := 0; slot < p.NextFree(); {
		if p.SlotState(slot) != page.SlotWritten {
			slot++
			continue
		}
		h, err := s.e.readHeader(p, slot)
		if err != nil {
			slot++
			continue
		}
		span := int(h.Span)
		if s.e.isLive(p.ID(), slot) {
			items = append(items, liveItem{slot: slot, span: span})
			slots += span
		}
		slot += span
	}
	return items, slots
}

// compactPage moves every live item of victim to a relocation target, syncs
// and erases victim. A crash leaves victim Freeing with both copies on flash;
// the copy on the newer page wins at recovery.
func (s *CompactionService) compactPage(victim *page.Page, status model.CompactionStatus) (*model.CompactionResult, error) {
	result := &model.CompactionResult{
		VictimPage: victim.ID(),
		TargetPage: -1,
		StartedAt:  time.Now(),
		Status:     status,
	}
	reclaimable := s.e.layout.SlotsPerPage - victim.WrittenSlots()

	items, liveSlots := s.liveItems(victim)

	var target *page.Page
	if liveSlots > 0 {
		var err error
		target, err = s.e.pm.RelocationTarget(liveSlots)
		if err != nil {
			return s.fail(result, errors.NoSpace("no page to relocate live items", err))
		}
		result.TargetPage = target.ID()
	}

	if victim.State() != model.PageStateFreeing {
		if err := victim.SetState(model.PageStateFreeing); err != nil {
			return s.fail(result, errors.WriteFailed("failed to mark victim freeing", err))
		}
	}

	for _, it := range items {
		loc := index.Location{Page: victim.ID(), Slot: it.slot, Span: it.span}
		ent, err := s.e.readEntry(loc)
		if err != nil {
			// A live item that no longer decodes is lost either way
			s.logger.Warn("Dropping unreadable item during compaction",
				zap.Int("page", victim.ID()),
				zap.Int("slot", it.slot),
				zap.Error(err))
			continue
		}

		raw, err := entry.Encode(ent)
		if err != nil {
			return s.fail(result, errors.InternalError("failed to re-encode item", err))
		}
		slot, err := target.WriteItem(raw)
		if err != nil {
			return s.fail(result, errors.WriteFailed(fmt.Sprintf("failed to relocate item %q", ent.Key), err))
		}

		newLoc := index.Location{Page: target.ID(), Slot: slot, Span: it.span}
		if ent.Namespace == entry.NamespaceTableID {
			if id, ok := s.e.ns.OwnerOf(namespace.Location{Page: victim.ID(), Slot: it.slot}); ok {
				s.e.ns.Move(id, namespace.Location{Page: target.ID(), Slot: slot})
			}
		} else {
			s.e.idx.Relocate(victim.ID(), it.slot, newLoc)
		}
		result.Relocated++
	}

	if err := s.e.region.Sync(); err != nil {
		return s.fail(result, errors.WriteFailed("failed to sync relocated items", err))
	}
	if err := s.e.pm.ErasePage(victim.ID()); err != nil {
		return s.fail(result, errors.EraseFailed(fmt.Sprintf("failed to erase page %d", victim.ID()), err))
	}
	s.e.releasePage(victim.ID())

	result.Reclaimed = reclaimable
	result.Duration = time.Since(result.StartedAt)
	s.e.metrics.RecordCompactionJob(string(status), result.Duration.Seconds(), result.Relocated, result.Reclaimed)

	s.logger.Info("Compaction completed",
		zap.Int("victim_page", result.VictimPage),
		zap.Int("target_page", result.TargetPage),
		zap.Int("relocated", result.Relocated),
		zap.Int("reclaimed_slots", result.Reclaimed),
		zap.String("status", string(status)),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (s *CompactionService) fail(result *model.CompactionResult, err error) (*model.CompactionResult, error) {
	result.Status = model.CompactionStatusFailed
	result.Duration = time.Since(result.StartedAt)
	s.e.metrics.RecordCompactionJob(string(result.Status), result.Duration.Seconds(), result.Relocated, 0)
	s.logger.Error("Compaction failed",
		zap.Int("victim_page", result.VictimPage),
		zap.Int("relocated", result.Relocated),
		zap.Error(err))
	return result, err
}
