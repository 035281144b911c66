// Package arena provides stable-index slab storage for file-system node
// records. Slots are reused through a LIFO free list; every handle carries a
// generation counter incremented on reuse, so a stale handle held past a
// remove-then-reuse cycle reads as a miss instead of addressing an unrelated
// record.
package arena

import (
	"fmt"
	"iter"

	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
)

// EntryType classifies a file-system entry.
type EntryType uint8

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDir
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Metadata holds the per-entry attributes the index serves queries over.
// Known is false when the entry exists but could not be inspected, e.g. on
// permission denied during a walk; the entry is still recorded.
type Metadata struct {
	Type       EntryType `json:"type"`
	Size       int64     `json:"size"`
	CreatedAt  int64     `json:"created_at"`
	ModifiedAt int64     `json:"modified_at"`
	Known      bool      `json:"known"`
}

// NodeIndex is a stable, generation-tagged handle into an Arena.
type NodeIndex struct {
	Slot uint32 `json:"slot"`
	Gen  uint32 `json:"gen"`
}

// InvalidIndex is the sentinel parent reference for root records.
var InvalidIndex = NodeIndex{Slot: ^uint32(0)}

// IsValid reports whether the index refers to a real slot.
func (i NodeIndex) IsValid() bool {
	return i.Slot != ^uint32(0)
}

// NodeRecord is one file-system entry. Parent is a weak, lookup-only back
// reference used for path reconstruction; parent lifetime is independent of
// the child's.
type NodeRecord struct {
	Name   namepool.Handle
	Parent NodeIndex
	Meta   Metadata
}

type slot struct {
	rec      NodeRecord
	gen      uint32
	occupied bool
}

// Arena stores node records flatly. There is no parent-to-children list: the
// primary access pattern is name lookup, not tree traversal.
type Arena struct {
	slots []slot
	free  []uint32
	count int
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{}
}

// Len returns the number of occupied slots.
func (a *Arena) Len() int {
	return a.count
}

// Cap returns the total number of slots, occupied or free.
func (a *Arena) Cap() int {
	return len(a.slots)
}

// Insert stores rec, reusing a free slot when one exists, and returns its
// handle.
func (a *Arena) Insert(rec NodeRecord) NodeIndex {
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[s].rec = rec
		a.slots[s].occupied = true
		a.count++
		return NodeIndex{Slot: s, Gen: a.slots[s].gen}
	}
	a.slots = append(a.slots, slot{rec: rec, occupied: true})
	a.count++
	return NodeIndex{Slot: uint32(len(a.slots) - 1)}
}

// Remove frees the slot referenced by idx and bumps its generation. It
// reports false when idx is stale or was never issued.
func (a *Arena) Remove(idx NodeIndex) bool {
	if !a.live(idx) {
		return false
	}
	s := &a.slots[idx.Slot]
	s.rec = NodeRecord{}
	s.occupied = false
	s.gen++
	a.free = append(a.free, idx.Slot)
	a.count--
	return true
}

// Get returns the record for idx. Absence means either a never-issued index
// (a caller bug) or an already-removed one (a race the caller tolerates).
func (a *Arena) Get(idx NodeIndex) (*NodeRecord, bool) {
	if !a.live(idx) {
		return nil, false
	}
	return &a.slots[idx.Slot].rec, true
}

// Live returns the current handle for an occupied slot number. It is how
// posting sets, which store bare slot numbers, are mapped back to
// generation-tagged handles.
func (a *Arena) Live(s uint32) (NodeIndex, bool) {
	if int(s) >= len(a.slots) || !a.slots[s].occupied {
		return NodeIndex{}, false
	}
	return NodeIndex{Slot: s, Gen: a.slots[s].gen}, true
}

func (a *Arena) live(idx NodeIndex) bool {
	return int(idx.Slot) < len(a.slots) &&
		a.slots[idx.Slot].occupied &&
		a.slots[idx.Slot].gen == idx.Gen
}

// Iter yields every occupied slot. Cost is O(capacity) including skipped
// free slots, acceptable since full iterations back infrequent rebuilds.
func (a *Arena) Iter() iter.Seq2[NodeIndex, *NodeRecord] {
	return func(yield func(NodeIndex, *NodeRecord) bool) {
		for s := range a.slots {
			if !a.slots[s].occupied {
				continue
			}
			idx := NodeIndex{Slot: uint32(s), Gen: a.slots[s].gen}
			if !yield(idx, &a.slots[s].rec) {
				return
			}
		}
	}
}

// SlotSnapshot is the owned, pool-independent form of one slot.
type SlotSnapshot struct {
	Occupied bool      `json:"occupied"`
	Gen      uint32    `json:"gen"`
	Name     string    `json:"name,omitempty"`
	Parent   NodeIndex `json:"parent"`
	Meta     Metadata  `json:"meta"`
}

// Snapshot is the serializable form of an arena. Name handles are resolved
// to owned strings since pool offsets are process-scoped.
type Snapshot struct {
	Slots []SlotSnapshot `json:"slots"`
	Free  []uint32       `json:"free"`
}

// Export resolves every record's name through pool into an owned snapshot.
func (a *Arena) Export(pool *namepool.Pool) Snapshot {
	snap := Snapshot{
		Slots: make([]SlotSnapshot, len(a.slots)),
		Free:  append([]uint32(nil), a.free...),
	}
	for s := range a.slots {
		snap.Slots[s] = SlotSnapshot{
			Occupied: a.slots[s].occupied,
			Gen:      a.slots[s].gen,
			Parent:   a.slots[s].rec.Parent,
			Meta:     a.slots[s].rec.Meta,
		}
		if a.slots[s].occupied {
			snap.Slots[s].Name = pool.Resolve(a.slots[s].rec.Name)
		}
	}
	return snap
}

// FromSnapshot reconstructs an arena, resolving every occupied name through
// intern. Callers restoring alongside a name index pass its Intern method so
// each distinct name lands in the shared pool exactly once.
func FromSnapshot(snap Snapshot, intern func(string) namepool.Handle) (*Arena, error) {
	a := &Arena{
		slots: make([]slot, len(snap.Slots)),
		free:  append([]uint32(nil), snap.Free...),
	}
	for s, ss := range snap.Slots {
		a.slots[s].gen = ss.Gen
		a.slots[s].occupied = ss.Occupied
		if !ss.Occupied {
			continue
		}
		a.slots[s].rec = NodeRecord{
			Name:   intern(ss.Name),
			Parent: ss.Parent,
			Meta:   ss.Meta,
		}
		a.count++
	}
	for _, f := range a.free {
		if int(f) >= len(a.slots) {
			return nil, fmt.Errorf("arena snapshot free list references slot %d beyond capacity %d", f, len(a.slots))
		}
		if a.slots[f].occupied {
			return nil, fmt.Errorf("arena snapshot free list references occupied slot %d", f)
		}
	}
	return a, nil
}
