// Package namespace maps namespace names to the small integer ids stored in
// every item header. Records live in namespace 0 as U8 items.
package namespace

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// FirstID is the lowest id handed to user namespaces.
	FirstID = 1
	// MaxID is the highest usable namespace id.
	MaxID = 254
)

var (
	// ErrConflict is returned when a name or an id is already bound differently.
	ErrConflict = errors.New("namespace record conflict")
	// ErrExhausted is returned when every namespace id has been used.
	ErrExhausted = errors.New("namespace ids exhausted")
)

// Location is where a namespace record item lives on flash.
type Location struct {
	Page int
	Slot int
}

// Record binds a name to an id.
type Record struct {
	Name     string
	ID       uint8
	Location Location
}

// Table is the in-memory namespace table. It is not safe for concurrent use;
// the owning store serializes access.
type Table struct {
	byName map[string]*Record
	byID   map[uint8]*Record
	maxID  uint8
}

// New returns an empty table.
func New() *Table {
	return &Table{
		byName: make(map[string]*Record),
		byID:   make(map[uint8]*Record),
	}
}

// Resolve returns the id bound to name.
func (t *Table) Resolve(name string) (uint8, bool) {
	r, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return r.ID, true
}

// Lookup returns the name bound to id.
func (t *Table) Lookup(id uint8) (string, bool) {
	r, ok := t.byID[id]
	if !ok {
		return "", false
	}
	return r.Name, true
}

// Get returns the record for name.
func (t *Table) Get(name string) (Record, bool) {
	r, ok := t.byName[name]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Add binds name to id at loc. Adding an identical binding again moves the
// record and returns the previous location so the caller can retire it.
func (t *Table) Add(name string, id uint8, loc Location) (*Location, error) {
	if id < FirstID || id > MaxID {
		return nil, fmt.Errorf("%w: id %d out of range for %q", ErrConflict, id, name)
	}
	if r, ok := t.byName[name]; ok {
		if r.ID != id {
			return nil, fmt.Errorf("%w: %q bound to %d and %d", ErrConflict, name, r.ID, id)
		}
		prev := r.Location
		r.Location = loc
		return &prev, nil
	}
	if r, ok := t.byID[id]; ok {
		return nil, fmt.Errorf("%w: id %d bound to %q and %q", ErrConflict, id, r.Name, name)
	}

	r := &Record{Name: name, ID: id, Location: loc}
	t.byName[name] = r
	t.byID[id] = r
	if id > t.maxID {
		t.maxID = id
	}
	return nil, nil
}

// Move updates the location of the record for id after compaction.
func (t *Table) Move(id uint8, loc Location) bool {
	r, ok := t.byID[id]
	if !ok {
		return false
	}
	r.Location = loc
	return true
}

// NextID returns the id the next new namespace will get. Ids are never
// reused, even if every key of a namespace was erased.
func (t *Table) NextID() (uint8, error) {
	if t.maxID >= MaxID {
		return 0, ErrExhausted
	}
	if t.maxID < FirstID {
		return FirstID, nil
	}
	return t.maxID + 1, nil
}

// Names returns all namespace names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of namespaces.
func (t *Table) Len() int {
	return len(t.byName)
}

// OwnerOf returns the id of the record stored at loc, if any.
func (t *Table) OwnerOf(loc Location) (uint8, bool) {
	for _, r := range t.byID {
		if r.Location == loc {
			return r.ID, true
		}
	}
	return 0, false
}
