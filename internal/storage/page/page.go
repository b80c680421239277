// Package page manages a single flash erase unit: its header, its slot
// state bitmap and the slots that hold encoded items.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/model"
)

var (
	// ErrPageFull is returned when an item does not fit the free slots.
	ErrPageFull = errors.New("page has no room for item")
	// ErrInvalidTransition is returned for state changes that would set bits.
	ErrInvalidTransition = errors.New("invalid page state transition")
	// ErrNotActive is returned when writing an item to a non-active page.
	ErrNotActive = errors.New("page is not active")
)

// LoadResult reports what Load found on flash beyond the header.
type LoadResult struct {
	// Dirty is set for pages whose state is Empty but whose bytes are not
	// blank, such as a torn activation or an interrupted erase.
	Dirty bool
	// Torn lists slots below the write cursor whose bitmap state is still
	// Empty. They were programmed but never marked Written.
	Torn []int
	// CountMissing is set when the header holds no valid erase count: blank
	// flash, or a crash between erasing the page and rewriting its count.
	CountMissing bool
}

// Page is the in-memory mirror of one flash page.
type Page struct {
	region flash.Region
	layout Layout
	id     int

	state      model.PageState
	seq        uint32
	eraseCount uint32
	bitmap     []byte
	nextFree   int
	written    int
	erased     int
}

// New returns a mirror for page id, assumed blank until Load is called.
func New(region flash.Region, layout Layout, id int) *Page {
	p := &Page{
		region: region,
		layout: layout,
		id:     id,
	}
	p.reset()
	return p
}

func (p *Page) reset() {
	p.state = model.PageStateEmpty
	p.seq = 0
	p.bitmap = make([]byte, p.layout.BitmapSize)
	for i := range p.bitmap {
		p.bitmap[i] = 0xFF
	}
	p.nextFree = 0
	p.written = 0
	p.erased = 0
}

func (p *Page) ID() int                { return p.id }
func (p *Page) State() model.PageState { return p.state }
func (p *Page) Sequence() uint32       { return p.seq }
func (p *Page) EraseCount() uint32     { return p.eraseCount }
func (p *Page) Layout() Layout         { return p.layout }

// NextFree returns the first slot that has never been programmed.
func (p *Page) NextFree() int { return p.nextFree }

// FreeSlots returns the number of slots still available for items.
func (p *Page) FreeSlots() int { return p.layout.SlotsPerPage - p.nextFree }

// WrittenSlots returns the number of slots holding live or stale items.
func (p *Page) WrittenSlots() int { return p.written }

// ErasedSlots returns the number of slots marked Erased.
func (p *Page) ErasedSlots() int { return p.erased }

// SlotState returns the mirrored state of slot.
func (p *Page) SlotState(slot int) SlotState {
	return slotStateAt(p.bitmap, slot)
}

// Info returns a snapshot of the page for stats and logging.
func (p *Page) Info() model.PageInfo {
	return model.PageInfo{
		PageID:     p.id,
		State:      p.state,
		Sequence:   p.seq,
		EraseCount: p.eraseCount,
		Written:    p.written,
		Erased:     p.erased,
		Free:       p.FreeSlots(),
	}
}

// Load reads the page from flash and rebuilds the mirror.
func (p *Page) Load() (LoadResult, error) {
	var result LoadResult

	raw := make([]byte, p.layout.PageSize)
	if err := p.region.Read(p.id, 0, raw); err != nil {
		return result, fmt.Errorf("failed to read page %d: %w", p.id, err)
	}

	p.reset()
	h := decodeHeader(raw[:HeaderSize])
	if h.EraseCountValid {
		p.eraseCount = h.EraseCount
	} else {
		result.CountMissing = true
	}

	if h.State == model.PageStateEmpty {
		eraseField := raw[eraseCountOffset : eraseCountOffset+eraseCountSize]
		blank := allErased(raw[4:eraseCountOffset]) &&
			allErased(raw[eraseCountOffset+eraseCountSize:HeaderSize]) &&
			allErased(raw[HeaderSize:]) &&
			(h.EraseCountValid || allErased(eraseField))
		result.Dirty = !blank
		return result, nil
	}

	if !knownState(h.State) || !h.CRCValid || h.Version != Version {
		p.state = model.PageStateCorrupt
		return result, nil
	}

	p.state = h.State
	p.seq = h.Sequence
	copy(p.bitmap, raw[p.layout.BitmapOffset:p.layout.BitmapOffset+p.layout.BitmapSize])

	// The cursor sits after the last slot that is either marked or programmed.
	for slot := p.layout.SlotsPerPage - 1; slot >= 0; slot-- {
		off := p.layout.SlotOffset(slot)
		if p.SlotState(slot) != SlotEmpty || !allErased(raw[off:off+SlotSize]) {
			p.nextFree = slot + 1
			break
		}
	}

	for slot := 0; slot < p.nextFree; slot++ {
		switch p.SlotState(slot) {
		case SlotWritten:
			p.written++
		case SlotErased:
			p.erased++
		case SlotEmpty:
			result.Torn = append(result.Torn, slot)
		default:
			// 0b01 cannot be produced by a valid transition
			result.Torn = append(result.Torn, slot)
		}
	}

	return result, nil
}

// Activate writes a fresh header with seq and moves an Empty page to Active.
// The header body goes first so a torn activation leaves state Empty.
func (p *Page) Activate(seq uint32) error {
	if p.state != model.PageStateEmpty {
		return fmt.Errorf("%w: activate page %d in state %s", ErrInvalidTransition, p.id, p.state)
	}
	if err := p.region.Write(p.id, 4, encodeHeaderBody(seq, p.eraseCount)); err != nil {
		return fmt.Errorf("failed to write header of page %d: %w", p.id, err)
	}
	if err := p.writeState(model.PageStateActive); err != nil {
		return err
	}
	p.seq = seq
	return nil
}

// SetState moves the page to s. Only transitions that clear bits are allowed.
func (p *Page) SetState(s model.PageState) error {
	if s == p.state {
		return nil
	}
	if uint32(s)&^uint32(p.state) != 0 {
		return fmt.Errorf("%w: %s to %s on page %d", ErrInvalidTransition, p.state, s, p.id)
	}
	return p.writeState(s)
}

func (p *Page) writeState(s model.PageState) error {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(s))
	if err := p.region.Write(p.id, 0, word[:]); err != nil {
		return fmt.Errorf("failed to write state of page %d: %w", p.id, err)
	}
	p.state = s
	return nil
}

// WriteItem programs an encoded item at the write cursor and returns its
// first slot. The slots are written first and the bitmap last, so an item
// is only Written once all its bytes are on flash.
func (p *Page) WriteItem(data []byte) (int, error) {
	if p.state != model.PageStateActive {
		return 0, fmt.Errorf("%w: page %d is %s", ErrNotActive, p.id, p.state)
	}
	if len(data) == 0 || len(data)%SlotSize != 0 {
		return 0, fmt.Errorf("item length %d is not a whole number of slots", len(data))
	}
	span := len(data) / SlotSize
	if span > p.FreeSlots() {
		return 0, fmt.Errorf("%w: need %d slots, page %d has %d", ErrPageFull, span, p.id, p.FreeSlots())
	}

	slot := p.nextFree
	// The cursor moves even on failure: partially programmed slots can no
	// longer be written.
	p.nextFree += span

	if err := p.region.Write(p.id, p.layout.SlotOffset(slot), data); err != nil {
		return slot, fmt.Errorf("failed to write item to page %d slot %d: %w", p.id, slot, err)
	}
	if err := p.writeSlotStates(slot, span, SlotWritten); err != nil {
		return slot, err
	}
	return slot, nil
}

// MarkErased moves span slots starting at slot to Erased.
func (p *Page) MarkErased(slot, span int) error {
	if slot < 0 || span <= 0 || slot+span > p.layout.SlotsPerPage {
		return fmt.Errorf("slot range %d+%d out of page", slot, span)
	}
	return p.writeSlotStates(slot, span, SlotErased)
}

func (p *Page) writeSlotStates(slot, span int, s SlotState) error {
	lo, hi := slot/4, (slot+span-1)/4
	updated := make([]byte, hi-lo+1)
	copy(updated, p.bitmap[lo:hi+1])

	for i := slot; i < slot+span; i++ {
		setSlotState(updated, i-lo*4, slotStateAt(p.bitmap, i)&s)
	}

	if err := p.region.Write(p.id, p.layout.BitmapOffset+lo, updated); err != nil {
		return fmt.Errorf("failed to update bitmap of page %d: %w", p.id, err)
	}

	for i := slot; i < slot+span; i++ {
		before := p.SlotState(i)
		after := before & s
		if before == after {
			continue
		}
		if before == SlotWritten {
			p.written--
		}
		switch after {
		case SlotWritten:
			p.written++
		case SlotErased:
			p.erased++
		}
	}
	copy(p.bitmap[lo:hi+1], updated)
	return nil
}

// ReadSlots reads n consecutive slots starting at slot.
func (p *Page) ReadSlots(slot, n int) ([]byte, error) {
	if slot < 0 || n <= 0 || slot+n > p.layout.SlotsPerPage {
		return nil, fmt.Errorf("slot range %d+%d out of page", slot, n)
	}
	buf := make([]byte, n*SlotSize)
	if err := p.region.Read(p.id, p.layout.SlotOffset(slot), buf); err != nil {
		return nil, fmt.Errorf("failed to read page %d slot %d: %w", p.id, slot, err)
	}
	return buf, nil
}

// AssumeEraseCount stands in for an erase count lost from flash. The value
// is programmed with the next header or erase.
func (p *Page) AssumeEraseCount(n uint32) { p.eraseCount = n }

// Erase physically erases the page and records the incremented erase count.
func (p *Page) Erase() error {
	if err := p.region.ErasePage(p.id); err != nil {
		return fmt.Errorf("failed to erase page %d: %w", p.id, err)
	}
	p.reset()
	p.eraseCount++
	if err := p.region.Write(p.id, eraseCountOffset, encodeEraseCount(p.eraseCount)); err != nil {
		return fmt.Errorf("failed to write erase count of page %d: %w", p.id, err)
	}
	return nil
}
