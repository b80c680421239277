// Package flash models a raw NOR flash region: a fixed number of equally
// sized erase units (pages) where erased bytes read 0xFF and programming can
// only clear bits.
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value of every byte of a freshly erased page.
const ErasedByte = 0xFF

var (
	// ErrRegionInUse is returned by Lock when another owner holds the region.
	ErrRegionInUse = errors.New("flash region already in use")
	// ErrOutOfRange is returned for page indexes or offsets outside the region.
	ErrOutOfRange = errors.New("flash access out of range")
	// ErrNotErased is returned when a write would have to set a cleared bit.
	ErrNotErased = errors.New("flash write requires erase")
	// ErrPowerLoss is returned by MemRegion once a simulated power loss hit.
	ErrPowerLoss = errors.New("flash power loss")
	// ErrClosed is returned for any access after Close.
	ErrClosed = errors.New("flash region closed")
)

// Region abstracts a page-erasable flash device.
type Region interface {
	// PageSize returns the erase unit size in bytes.
	PageSize() int
	// PageCount returns the number of pages in the region.
	PageCount() int
	// Read fills buf from the given page starting at off.
	Read(page, off int, buf []byte) error
	// Write programs data into the given page at off. Bits can only go 1->0.
	Write(page, off int, data []byte) error
	// ErasePage resets every byte of the page to 0xFF.
	ErasePage(page int) error
	// Sync makes previous writes and erases durable.
	Sync() error
	// Lock claims exclusive ownership of the region.
	Lock() error
	// Unlock releases ownership taken by Lock.
	Unlock() error
	// Close releases the underlying device.
	Close() error
}

// checkBounds validates a (page, off, n) access against the geometry.
func checkBounds(pageSize, pageCount, page, off, n int) error {
	if page < 0 || page >= pageCount {
		return fmt.Errorf("%w: page %d of %d", ErrOutOfRange, page, pageCount)
	}
	if off < 0 || n < 0 || off+n > pageSize {
		return fmt.Errorf("%w: offset %d length %d page size %d", ErrOutOfRange, off, n, pageSize)
	}
	return nil
}

// canProgram reports whether data can be written over existing without erase.
func canProgram(existing, data []byte) bool {
	for i := range data {
		if data[i]&^existing[i] != 0 {
			return false
		}
	}
	return true
}
