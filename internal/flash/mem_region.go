package flash

import (
	"fmt"
	"sync"
)

// MemRegion is a RAM-backed Region. It enforces NOR programming rules, keeps
// per-page erase counters and can simulate a power loss after a byte budget.
type MemRegion struct {
	mu          sync.RWMutex
	pageSize    int
	pageCount   int
	data        []byte
	eraseCounts []int
	locked      bool
	closed      bool

	// budget is the number of bytes that may still be programmed before the
	// simulated power loss; negative means unlimited.
	budget    int64
	powerLost bool
}

// NewMemRegion creates an erased in-memory region.
func NewMemRegion(pageSize, pageCount int) *MemRegion {
	data := make([]byte, pageSize*pageCount)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemRegion{
		pageSize:    pageSize,
		pageCount:   pageCount,
		data:        data,
		eraseCounts: make([]int, pageCount),
		budget:      -1,
	}
}

// NewMemRegionFromImage creates a region holding a copy of image, typically a
// Snapshot taken from a region that suffered a simulated power loss.
func NewMemRegionFromImage(pageSize int, image []byte) (*MemRegion, error) {
	if pageSize <= 0 || len(image)%pageSize != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of page size %d", len(image), pageSize)
	}
	data := make([]byte, len(image))
	copy(data, image)
	return &MemRegion{
		pageSize:    pageSize,
		pageCount:   len(image) / pageSize,
		data:        data,
		eraseCounts: make([]int, len(image)/pageSize),
		budget:      -1,
	}, nil
}

func (r *MemRegion) PageSize() int  { return r.pageSize }
func (r *MemRegion) PageCount() int { return r.pageCount }

func (r *MemRegion) Read(page, off int, buf []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	if err := checkBounds(r.pageSize, r.pageCount, page, off, len(buf)); err != nil {
		return err
	}
	base := page*r.pageSize + off
	copy(buf, r.data[base:base+len(buf)])
	return nil
}

func (r *MemRegion) Write(page, off int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.powerLost {
		return ErrPowerLoss
	}
	if err := checkBounds(r.pageSize, r.pageCount, page, off, len(data)); err != nil {
		return err
	}
	base := page*r.pageSize + off
	dst := r.data[base : base+len(data)]
	if !canProgram(dst, data) {
		return fmt.Errorf("%w: page %d offset %d", ErrNotErased, page, off)
	}

	n := len(data)
	if r.budget >= 0 && int64(n) > r.budget {
		n = int(r.budget)
		r.powerLost = true
	}
	for i := 0; i < n; i++ {
		dst[i] &= data[i]
	}
	if r.budget >= 0 {
		r.budget -= int64(n)
	}
	if r.powerLost {
		return ErrPowerLoss
	}
	return nil
}

func (r *MemRegion) ErasePage(page int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.powerLost {
		return ErrPowerLoss
	}
	if err := checkBounds(r.pageSize, r.pageCount, page, 0, 0); err != nil {
		return err
	}
	base := page * r.pageSize
	for i := base; i < base+r.pageSize; i++ {
		r.data[i] = ErasedByte
	}
	r.eraseCounts[page]++
	return nil
}

func (r *MemRegion) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	if r.powerLost {
		return ErrPowerLoss
	}
	return nil
}

func (r *MemRegion) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.locked {
		return ErrRegionInUse
	}
	r.locked = true
	return nil
}

func (r *MemRegion) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = false
	return nil
}

// Close marks the region unusable. The backing image stays readable through
// Snapshot so tests can reopen it.
func (r *MemRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.locked = false
	return nil
}

// FailAfterBytes arms a simulated power loss: once n more bytes have been
// programmed, the write in progress is cut short and every later write or
// erase fails with ErrPowerLoss.
func (r *MemRegion) FailAfterBytes(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budget = n
	r.powerLost = false
}

// PowerLost reports whether the simulated power loss has happened.
func (r *MemRegion) PowerLost() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.powerLost
}

// Snapshot returns a copy of the raw flash contents.
func (r *MemRegion) Snapshot() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// EraseCount returns how many times page was erased through this region.
func (r *MemRegion) EraseCount(page int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eraseCounts[page]
}

// Overwrite replaces raw bytes without NOR rules, for corrupting images in tests.
func (r *MemRegion) Overwrite(page, off int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkBounds(r.pageSize, r.pageCount, page, off, len(data)); err != nil {
		return err
	}
	copy(r.data[page*r.pageSize+off:], data)
	return nil
}
