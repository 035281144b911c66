package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/nameindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
)

// buildState assembles a small live index: a root dir with two files, one
// of which was removed to leave a free slot behind.
func buildState(t *testing.T) (*namepool.Pool, *arena.Arena, *nameindex.Index) {
	t.Helper()
	pool := namepool.New()
	ix := nameindex.New(pool)
	a := arena.New()

	root := a.Insert(arena.NodeRecord{
		Name:   ix.Intern("/watched"),
		Parent: arena.InvalidIndex,
		Meta:   arena.Metadata{Type: arena.EntryDir, Known: true},
	})
	ix.Add("/watched", root.Slot)

	file := a.Insert(arena.NodeRecord{
		Name:   ix.Intern("a.txt"),
		Parent: root,
		Meta:   arena.Metadata{Type: arena.EntryFile, Size: 100, ModifiedAt: 1700000000, Known: true},
	})
	ix.Add("a.txt", file.Slot)

	gone := a.Insert(arena.NodeRecord{
		Name:   ix.Intern("gone.txt"),
		Parent: root,
		Meta:   arena.Metadata{Type: arena.EntryFile, Known: true},
	})
	ix.Add("gone.txt", gone.Slot)
	ix.Remove("gone.txt", gone.Slot)
	require.True(t, a.Remove(gone))

	return pool, a, ix
}

func TestCache(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "SaveLoadRoundTrip",
			test: func(t *testing.T) {
				pool, a, ix := buildState(t)
				c := New(filepath.Join(t.TempDir(), "cache", "index.fsix"))
				assert.False(t, c.Exists())

				p := NewPayload("/watched", 42, a.Export(pool), ix.Export())
				require.NoError(t, c.Save(p))
				assert.True(t, c.Exists())

				got, err := c.Load()
				require.NoError(t, err)
				assert.Equal(t, p.SnapshotID, got.SnapshotID)
				assert.Equal(t, "/watched", got.Root)
				assert.Equal(t, uint64(42), got.LastEventID)

				freshPool, restored, restoredIx, err := Restore(got)
				require.NoError(t, err)
				assert.Equal(t, a.Len(), restored.Len())
				assert.Equal(t, ix.Len(), restoredIx.Len())

				// the posting survives and resolves to a live record
				bm, ok := restoredIx.Lookup("a.txt")
				require.True(t, ok)
				require.Equal(t, uint64(1), bm.GetCardinality())
				idx, ok := restored.Live(bm.Minimum())
				require.True(t, ok)
				rec, ok := restored.Get(idx)
				require.True(t, ok)
				assert.Equal(t, "a.txt", freshPool.Resolve(rec.Name))
				assert.Equal(t, int64(100), rec.Meta.Size)
			},
		},
		{
			name: "RestoredPoolHoldsEachNameOnce",
			test: func(t *testing.T) {
				pool, a, ix := buildState(t)
				c := New(filepath.Join(t.TempDir(), "index.fsix"))
				require.NoError(t, c.Save(NewPayload("/watched", 0, a.Export(pool), ix.Export())))

				got, err := c.Load()
				require.NoError(t, err)
				freshPool, _, _, err := Restore(got)
				require.NoError(t, err)

				var hits int
				for range freshPool.SearchExact(namepool.ExactPattern("a.txt")) {
					hits++
				}
				assert.Equal(t, 1, hits, "arena and index restore must share one interned copy")
			},
		},
		{
			name: "MissingFile",
			test: func(t *testing.T) {
				c := New(filepath.Join(t.TempDir(), "absent.fsix"))
				_, err := c.Load()
				assert.ErrorIs(t, err, ErrNoSnapshot)
			},
		},
		{
			name: "CorruptionIsAnError",
			test: func(t *testing.T) {
				pool, a, ix := buildState(t)
				path := filepath.Join(t.TempDir(), "index.fsix")
				c := New(path)
				require.NoError(t, c.Save(NewPayload("/watched", 0, a.Export(pool), ix.Export())))

				blob, err := os.ReadFile(path)
				require.NoError(t, err)

				// flip a payload byte: checksum must catch it
				flipped := append([]byte(nil), blob...)
				flipped[len(flipped)-1] ^= 0xff
				require.NoError(t, os.WriteFile(path, flipped, 0o644))
				_, err = c.Load()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "checksum")

				// truncated body: length check must catch it
				require.NoError(t, os.WriteFile(path, blob[:len(blob)-4], 0o644))
				_, err = c.Load()
				require.Error(t, err)

				// wrong magic
				bad := append([]byte(nil), blob...)
				copy(bad, "NOPE")
				require.NoError(t, os.WriteFile(path, bad, 0o644))
				_, err = c.Load()
				require.Error(t, err)
				assert.Contains(t, err.Error(), "magic")
			},
		},
		{
			name: "SaveReplacesAtomically",
			test: func(t *testing.T) {
				pool, a, ix := buildState(t)
				path := filepath.Join(t.TempDir(), "index.fsix")
				c := New(path)

				first := NewPayload("/watched", 1, a.Export(pool), ix.Export())
				require.NoError(t, c.Save(first))
				second := NewPayload("/watched", 2, a.Export(pool), ix.Export())
				require.NoError(t, c.Save(second))

				got, err := c.Load()
				require.NoError(t, err)
				assert.Equal(t, second.SnapshotID, got.SnapshotID)

				// a stale temp file from a crashed writer is invisible
				require.NoError(t, os.WriteFile(path+".tmp", []byte("garbage"), 0o644))
				got, err = c.Load()
				require.NoError(t, err)
				assert.Equal(t, second.SnapshotID, got.SnapshotID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}
