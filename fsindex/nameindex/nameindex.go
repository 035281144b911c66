// Package nameindex maintains the inverted map from interned entry name to
// the set of arena slots sharing that name. Posting sets are roaring bitmaps
// over bare slot numbers; the arena maps slots back to live
// generation-tagged handles. A name with an empty posting set never exists
// as a key.
package nameindex

import (
	"sort"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"

	roaring "github.com/RoaringBitmap/roaring"
)

// Index owns the name pool it interns into; the pool's lifetime is exactly
// the index's lifetime. Interning is the index's deduplication layer: the
// pool itself stores whatever it is handed, the index pushes each distinct
// name once.
type Index struct {
	pool     *namepool.Pool
	interned map[string]namepool.Handle
	posts    map[string]*roaring.Bitmap
}

// New creates an empty index interning into pool.
func New(pool *namepool.Pool) *Index {
	return &Index{
		pool:     pool,
		interned: make(map[string]namepool.Handle),
		posts:    make(map[string]*roaring.Bitmap),
	}
}

// Pool exposes the owned name pool, the search surface for substring,
// prefix, suffix and exact queries.
func (ix *Index) Pool() *namepool.Pool {
	return ix.pool
}

// Len returns the number of distinct names with at least one posting.
func (ix *Index) Len() int {
	return len(ix.posts)
}

// Intern returns the pool handle for name, pushing it on first sight.
func (ix *Index) Intern(name string) namepool.Handle {
	if h, ok := ix.interned[name]; ok {
		return h
	}
	h := ix.pool.Push(name)
	ix.interned[name] = h
	return h
}

// Add records that the arena slot holds an entry called name and returns the
// interned handle for it.
func (ix *Index) Add(name string, slot uint32) namepool.Handle {
	h := ix.Intern(name)
	bm, ok := ix.posts[name]
	if !ok {
		bm = roaring.New()
		ix.posts[name] = bm
	}
	bm.Add(slot)
	return h
}

// Remove drops the slot from name's posting set, deleting the key entirely
// once the set empties. It reports whether the posting existed.
func (ix *Index) Remove(name string, slot uint32) bool {
	bm, ok := ix.posts[name]
	if !ok {
		return false
	}
	existed := bm.CheckedRemove(slot)
	if bm.IsEmpty() {
		delete(ix.posts, name)
	}
	return existed
}

// Lookup returns the posting set for name. The returned bitmap is owned by
// the index; callers must not mutate it.
func (ix *Index) Lookup(name string) (*roaring.Bitmap, bool) {
	bm, ok := ix.posts[name]
	return bm, ok
}

// Names returns all posting keys in sorted order.
func (ix *Index) Names() []string {
	names := make([]string, 0, len(ix.posts))
	for name := range ix.posts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllSlots returns the flattened union of every posting set, grouped by
// sorted name. Used for full-index export and persistence.
func (ix *Index) AllSlots() []uint32 {
	var out []uint32
	for _, name := range ix.Names() {
		out = append(out, ix.posts[name].ToArray()...)
	}
	return out
}

// FromArena bulk-builds the index from every occupied record. Record names
// are already interned in pool, so existing handles are reused rather than
// pushed again.
func FromArena(a *arena.Arena, pool *namepool.Pool) *Index {
	ix := New(pool)
	for idx, rec := range a.Iter() {
		name := pool.Resolve(rec.Name)
		if _, ok := ix.interned[name]; !ok {
			ix.interned[name] = rec.Name
		}
		bm, ok := ix.posts[name]
		if !ok {
			bm = roaring.New()
			ix.posts[name] = bm
		}
		bm.Add(idx.Slot)
	}
	return ix
}

// Export produces the owned, self-contained persistence form: name strings
// instead of pool handles, posting sets as sorted slot arrays.
func (ix *Index) Export() map[string][]uint32 {
	out := make(map[string][]uint32, len(ix.posts))
	for name, bm := range ix.posts {
		out[name] = bm.ToArray()
	}
	return out
}

// FromExport reconstructs an index from its persistence form, re-interning
// every name into pool (a fresh pool on cache load). Names with no slots are
// dropped so the empty-set invariant holds.
func FromExport(data map[string][]uint32, pool *namepool.Pool) *Index {
	ix := New(pool)
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	// deterministic pool layout regardless of map iteration order
	sort.Strings(names)
	for _, name := range names {
		slots := data[name]
		if len(slots) == 0 {
			continue
		}
		ix.interned[name] = pool.Push(name)
		ix.posts[name] = roaring.BitmapOf(slots...)
	}
	return ix
}
