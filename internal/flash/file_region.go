package flash

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileRegion is a Region backed by a regular file, one page after another.
// Ownership is enforced with an exclusive flock on the file.
type FileRegion struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	pageSize  int
	pageCount int
	locked    bool
	closed    bool
}

// OpenFileRegion opens or creates the region image at path. A new image is
// filled with 0xFF; an existing image must match the requested geometry.
func OpenFileRegion(path string, pageSize, pageCount int) (*FileRegion, error) {
	if pageSize <= 0 || pageCount <= 0 {
		return nil, fmt.Errorf("invalid region geometry %dx%d", pageCount, pageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}

	size := int64(pageSize) * int64(pageCount)
	switch stat.Size() {
	case 0:
		blank := bytes.Repeat([]byte{ErasedByte}, pageSize)
		for p := 0; p < pageCount; p++ {
			if _, err := file.WriteAt(blank, int64(p)*int64(pageSize)); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to format region file: %w", err)
			}
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync region file: %w", err)
		}
	case size:
	default:
		file.Close()
		return nil, fmt.Errorf("region file %s has %d bytes, expected %d", path, stat.Size(), size)
	}

	return &FileRegion{
		file:      file,
		path:      path,
		pageSize:  pageSize,
		pageCount: pageCount,
	}, nil
}

func (r *FileRegion) PageSize() int  { return r.pageSize }
func (r *FileRegion) PageCount() int { return r.pageCount }

// Path returns the backing file path.
func (r *FileRegion) Path() string { return r.path }

func (r *FileRegion) offset(page, off int) int64 {
	return int64(page)*int64(r.pageSize) + int64(off)
}

func (r *FileRegion) Read(page, off int, buf []byte) error {
	if err := checkBounds(r.pageSize, r.pageCount, page, off, len(buf)); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := r.file.ReadAt(buf, r.offset(page, off)); err != nil {
		return fmt.Errorf("failed to read page %d: %w", page, err)
	}
	return nil
}

func (r *FileRegion) Write(page, off int, data []byte) error {
	if err := checkBounds(r.pageSize, r.pageCount, page, off, len(data)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	existing := make([]byte, len(data))
	if _, err := r.file.ReadAt(existing, r.offset(page, off)); err != nil {
		return fmt.Errorf("failed to read page %d before write: %w", page, err)
	}
	if !canProgram(existing, data) {
		return fmt.Errorf("%w: page %d offset %d", ErrNotErased, page, off)
	}
	if _, err := r.file.WriteAt(data, r.offset(page, off)); err != nil {
		return fmt.Errorf("failed to write page %d: %w", page, err)
	}
	return nil
}

func (r *FileRegion) ErasePage(page int) error {
	if err := checkBounds(r.pageSize, r.pageCount, page, 0, 0); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	blank := bytes.Repeat([]byte{ErasedByte}, r.pageSize)
	if _, err := r.file.WriteAt(blank, r.offset(page, 0)); err != nil {
		return fmt.Errorf("failed to erase page %d: %w", page, err)
	}
	return nil
}

func (r *FileRegion) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	return r.file.Sync()
}

func (r *FileRegion) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.locked {
		return ErrRegionInUse
	}
	if err := syscall.Flock(int(r.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrRegionInUse
		}
		return fmt.Errorf("failed to lock region file: %w", err)
	}
	r.locked = true
	return nil
}

func (r *FileRegion) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.locked || r.closed {
		return nil
	}
	r.locked = false
	return syscall.Flock(int(r.file.Fd()), syscall.LOCK_UN)
}

func (r *FileRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.locked = false
	return r.file.Close()
}
