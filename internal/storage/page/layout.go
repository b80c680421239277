package page

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/util"
)

const (
	// HeaderSize is the size of the page header in bytes.
	HeaderSize = 32
	// SlotSize is the size of one slot in bytes.
	SlotSize = 32
	// Version is the layout version written into every activated page.
	Version = 0xFE
	// MinPageSize is the smallest supported erase unit.
	MinPageSize = 512

	eraseCountOffset = 12
	eraseCountSize   = 8
)

// SlotState is the 2-bit state of one slot in the page bitmap.
type SlotState uint8

const (
	SlotEmpty   SlotState = 0b11
	SlotWritten SlotState = 0b10
	SlotErased  SlotState = 0b00
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotWritten:
		return "written"
	case SlotErased:
		return "erased"
	default:
		return "invalid"
	}
}

// Layout is the slot geometry derived from a page size.
type Layout struct {
	PageSize     int
	SlotsPerPage int
	BitmapOffset int
	BitmapSize   int
	SlotsOffset  int
}

// NewLayout computes the largest slot count whose header, padded bitmap and
// slots fit in pageSize.
func NewLayout(pageSize int) (Layout, error) {
	if pageSize < MinPageSize || pageSize%SlotSize != 0 {
		return Layout{}, fmt.Errorf("page size %d must be a multiple of %d and at least %d", pageSize, SlotSize, MinPageSize)
	}

	n := (pageSize - HeaderSize) / SlotSize
	for n > 0 && HeaderSize+bitmapBytes(n)+n*SlotSize > pageSize {
		n--
	}

	bitmap := bitmapBytes(n)
	return Layout{
		PageSize:     pageSize,
		SlotsPerPage: n,
		BitmapOffset: HeaderSize,
		BitmapSize:   bitmap,
		SlotsOffset:  HeaderSize + bitmap,
	}, nil
}

func bitmapBytes(slots int) int {
	raw := (2*slots + 7) / 8
	return (raw + SlotSize - 1) / SlotSize * SlotSize
}

// SlotOffset returns the byte offset of slot inside the page.
func (l Layout) SlotOffset(slot int) int {
	return l.SlotsOffset + slot*SlotSize
}

// Header is the decoded page header.
type Header struct {
	State      model.PageState
	Sequence   uint32
	Version    uint8
	EraseCount uint32
	// EraseCountValid is false when the erase count and its complement disagree.
	EraseCountValid bool
	// CRCValid reports whether bytes 4:28 match the stored CRC.
	CRCValid bool
}

// encodeHeaderBody returns header bytes 4:32 for an activation.
func encodeHeaderBody(seq, eraseCount uint32) []byte {
	body := make([]byte, HeaderSize-4)
	for i := range body {
		body[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(body[0:4], seq)
	body[4] = Version
	binary.LittleEndian.PutUint32(body[8:12], eraseCount)
	binary.LittleEndian.PutUint32(body[12:16], ^eraseCount)
	binary.LittleEndian.PutUint32(body[24:28], util.ComputeChecksum(body[0:24]))
	return body
}

func encodeEraseCount(eraseCount uint32) []byte {
	buf := make([]byte, eraseCountSize)
	binary.LittleEndian.PutUint32(buf[0:4], eraseCount)
	binary.LittleEndian.PutUint32(buf[4:8], ^eraseCount)
	return buf
}

func decodeHeader(raw []byte) Header {
	h := Header{
		State:      model.PageState(binary.LittleEndian.Uint32(raw[0:4])),
		Sequence:   binary.LittleEndian.Uint32(raw[4:8]),
		Version:    raw[8],
		EraseCount: binary.LittleEndian.Uint32(raw[12:16]),
	}
	h.EraseCountValid = h.EraseCount == ^binary.LittleEndian.Uint32(raw[16:20])
	h.CRCValid = util.ComputeChecksum(raw[4:28]) == binary.LittleEndian.Uint32(raw[28:32])
	return h
}

func knownState(s model.PageState) bool {
	switch s {
	case model.PageStateEmpty, model.PageStateActive, model.PageStateFull,
		model.PageStateFreeing, model.PageStateCorrupt:
		return true
	}
	return false
}

func slotStateAt(bitmap []byte, slot int) SlotState {
	return SlotState(bitmap[slot/4]>>(uint(slot%4)*2)) & 0b11
}

func setSlotState(bitmap []byte, slot int, s SlotState) {
	shift := uint(slot%4) * 2
	bitmap[slot/4] = bitmap[slot/4]&^(0b11<<shift) | byte(s)<<shift
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
