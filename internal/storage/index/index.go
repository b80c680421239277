// Package index is the in-memory key index rebuilt from flash at open. It
// maps (namespace id, key) to the location of the newest live item and
// tracks the chunks of multi-slot values.
package index

import (
	"sort"

	"github.com/devrev/nvstore/internal/model"
)

// Key identifies a value.
type Key struct {
	Namespace uint8
	Name      string
}

// ChunkKey identifies one chunk of a chunked value.
type ChunkKey struct {
	Namespace uint8
	Name      string
	Group     uint8
	Index     uint8
}

// Location is the position of an item on flash.
type Location struct {
	Page int
	Slot int
	Span int
}

type position struct {
	page int
	slot int
}

// Entry describes the live item of a key. For chunked values Location points
// at the BlobIndex item and the chunks are tracked separately.
type Entry struct {
	Location
	// ItemType is the stored item type: the value type or TypeBlobIndex.
	ItemType   model.ValueType
	ValueType  model.ValueType
	Size       int
	Group      uint8
	ChunkCount int
}

// Chunked reports whether the value is stored as chunks.
func (e Entry) Chunked() bool {
	return e.ItemType == model.TypeBlobIndex
}

// Owner identifies what lives at a flash position.
type Owner struct {
	Chunk     bool
	Tombstone bool
	Key       Key
	Part      ChunkKey
}

// guard tracks superseded copies of a key that are still Written on flash.
// While any remain, the newest record of the key must outlive them: the
// live value does so on its own, a tombstone only while it is pinned.
type guard struct {
	stale  []Location
	tomb   Location
	pinned bool
}

// Index is not safe for concurrent use; the owning store serializes access.
type Index struct {
	entries map[Key]Entry
	chunks  map[ChunkKey]Location
	owners  map[position]Owner
	guards  map[Key]*guard
}

// New returns an empty index.
func New() *Index {
	return &Index{
		entries: make(map[Key]Entry),
		chunks:  make(map[ChunkKey]Location),
		owners:  make(map[position]Owner),
		guards:  make(map[Key]*guard),
	}
}

// Get returns the entry for k.
func (x *Index) Get(k Key) (Entry, bool) {
	e, ok := x.entries[k]
	return e, ok
}

// Put stores e for k and returns the entry it replaced.
func (x *Index) Put(k Key, e Entry) (Entry, bool) {
	prev, had := x.entries[k]
	if had {
		delete(x.owners, position{prev.Page, prev.Slot})
	}
	x.entries[k] = e
	x.owners[position{e.Page, e.Slot}] = Owner{Key: k}
	return prev, had
}

// Delete removes k and returns the removed entry.
func (x *Index) Delete(k Key) (Entry, bool) {
	prev, had := x.entries[k]
	if !had {
		return Entry{}, false
	}
	delete(x.entries, k)
	delete(x.owners, position{prev.Page, prev.Slot})
	return prev, true
}

// Len returns the number of live keys.
func (x *Index) Len() int {
	return len(x.entries)
}

// Keys returns the live keys of namespace ns in name order. All namespaces
// are included, ordered by id then name, when all is set.
func (x *Index) Keys(ns uint8, all bool) []Key {
	keys := make([]Key, 0, len(x.entries))
	for k := range x.entries {
		if all || k.Namespace == ns {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// PutChunk records a chunk location and returns the one it replaced.
func (x *Index) PutChunk(ck ChunkKey, loc Location) (Location, bool) {
	prev, had := x.chunks[ck]
	if had {
		delete(x.owners, position{prev.Page, prev.Slot})
	}
	x.chunks[ck] = loc
	x.owners[position{loc.Page, loc.Slot}] = Owner{Chunk: true, Part: ck}
	return prev, had
}

// Chunk returns the location of a chunk.
func (x *Index) Chunk(ck ChunkKey) (Location, bool) {
	loc, ok := x.chunks[ck]
	return loc, ok
}

// DeleteChunk removes a chunk and returns its location.
func (x *Index) DeleteChunk(ck ChunkKey) (Location, bool) {
	loc, ok := x.chunks[ck]
	if !ok {
		return Location{}, false
	}
	delete(x.chunks, ck)
	delete(x.owners, position{loc.Page, loc.Slot})
	return loc, true
}

// ChunksOf returns the chunk keys of every group stored for k.
func (x *Index) ChunksOf(k Key) []ChunkKey {
	var out []ChunkKey
	for ck := range x.chunks {
		if ck.Namespace == k.Namespace && ck.Name == k.Name {
			out = append(out, ck)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// ChunkKeys returns every tracked chunk.
func (x *Index) ChunkKeys() []ChunkKey {
	out := make([]ChunkKey, 0, len(x.chunks))
	for ck := range x.chunks {
		out = append(out, ck)
	}
	return out
}

// Owner returns what the index holds at page/slot.
func (x *Index) Owner(page, slot int) (Owner, bool) {
	o, ok := x.owners[position{page, slot}]
	return o, ok
}

// Relocate moves whatever lives at page/slot to loc.
func (x *Index) Relocate(page, slot int, loc Location) bool {
	o, ok := x.owners[position{page, slot}]
	if !ok {
		return false
	}
	delete(x.owners, position{page, slot})
	x.owners[position{loc.Page, loc.Slot}] = o

	if o.Chunk {
		x.chunks[o.Part] = loc
		return true
	}
	if o.Tombstone {
		x.guards[o.Key].tomb = loc
		return true
	}
	e := x.entries[o.Key]
	e.Location = loc
	x.entries[o.Key] = e
	return true
}

// AddStale records superseded copies of k that could not be marked Erased.
func (x *Index) AddStale(k Key, stale ...Location) {
	if len(stale) == 0 {
		return
	}
	g, ok := x.guards[k]
	if !ok {
		g = &guard{}
		x.guards[k] = g
	}
	g.stale = append(g.stale, stale...)
}

// HasStale reports whether superseded copies of k are still Written.
func (x *Index) HasStale(k Key) bool {
	g, ok := x.guards[k]
	return ok && len(g.stale) > 0
}

// PinTombstone keeps the tombstone at tomb live until every stale copy of k
// has been reclaimed. A tombstone already pinned for k is replaced and
// returned.
func (x *Index) PinTombstone(k Key, tomb Location, stale []Location) (Location, bool) {
	x.AddStale(k, stale...)
	g, ok := x.guards[k]
	if !ok {
		g = &guard{}
		x.guards[k] = g
	}
	replaced, had := g.tomb, g.pinned
	if had {
		delete(x.owners, position{replaced.Page, replaced.Slot})
	}
	g.tomb, g.pinned = tomb, true
	x.owners[position{tomb.Page, tomb.Slot}] = Owner{Tombstone: true, Key: k}
	return replaced, had
}

// PinnedTombstone returns the pinned tombstone of k.
func (x *Index) PinnedTombstone(k Key) (Location, bool) {
	g, ok := x.guards[k]
	if !ok || !g.pinned {
		return Location{}, false
	}
	return g.tomb, true
}

// Unpin releases the tombstone pinned for k and returns its location. Stale
// copies stay tracked for whatever record of k comes next.
func (x *Index) Unpin(k Key) (Location, bool) {
	g, ok := x.guards[k]
	if !ok || !g.pinned {
		return Location{}, false
	}
	g.pinned = false
	delete(x.owners, position{g.tomb.Page, g.tomb.Slot})
	if len(g.stale) == 0 {
		delete(x.guards, k)
	}
	return g.tomb, true
}

// ReleasePage forgets stale copies on an erased page and unpins the
// tombstones left with nothing to hide. Their locations are returned.
func (x *Index) ReleasePage(page int) []Location {
	var released []Location
	for k, g := range x.guards {
		kept := g.stale[:0]
		for _, loc := range g.stale {
			if loc.Page != page {
				kept = append(kept, loc)
			}
		}
		g.stale = kept
		if len(g.stale) > 0 {
			continue
		}
		delete(x.guards, k)
		if g.pinned {
			delete(x.owners, position{g.tomb.Page, g.tomb.Slot})
			released = append(released, g.tomb)
		}
	}
	return released
}

// Pinned returns the number of pinned tombstones.
func (x *Index) Pinned() int {
	n := 0
	for _, g := range x.guards {
		if g.pinned {
			n++
		}
	}
	return n
}
