package merge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	assertlib "github.com/ZanzyTHEbar/assert-lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/fsevent"
	"github.com/ZanzyTHEbar/fsindex/fsindex/nameindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
	"github.com/ZanzyTHEbar/fsindex/fsindex/walker"
)

func newTestConsumer(t *testing.T, root string) *Consumer {
	t.Helper()
	return NewConsumer(
		root,
		&walker.Runner{Root: root, MaxWorkers: 4},
		fsevent.NewClassifier(fsevent.UnknownFatal),
		assertlib.NewAssertHandler(),
	)
}

func apply(t *testing.T, c *Consumer, evs ...fsevent.RawEvent) {
	t.Helper()
	require.NoError(t, c.Apply(context.Background(), evs))
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestConsumer(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "BootstrapIndexesTree",
			test: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "a.txt"), 10)
				writeFile(t, filepath.Join(root, "sub", "b.txt"), 20)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))

				assert.Equal(t, 4, c.Len(), "root, a.txt, sub, b.txt")
				assert.Len(t, c.Lookup("a.txt"), 1)
				assert.Len(t, c.Lookup("sub"), 1)

				hits := c.SearchSuffix(".txt")
				names := make([]string, 0, len(hits))
				for _, h := range hits {
					names = append(names, h.Name)
				}
				assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)

				// child records point back at their parent
				idx, ok := c.LookupPath(filepath.Join(root, "sub", "b.txt"))
				require.True(t, ok)
				rec, ok := c.Get(idx)
				require.True(t, ok)
				parentIdx, ok := c.LookupPath(filepath.Join(root, "sub"))
				require.True(t, ok)
				assert.Equal(t, parentIdx, rec.Parent)
			},
		},
		{
			name: "CreateEventIndexesFile",
			test: func(t *testing.T) {
				root := t.TempDir()
				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				require.Equal(t, 1, c.Len())

				path := filepath.Join(root, "a.txt")
				writeFile(t, path, 100)
				apply(t, c, fsevent.RawEvent{
					Path:  path,
					Flags: fsevent.FlagItemCreated | fsevent.FlagItemIsFile,
					ID:    7,
				})

				nodes := c.Lookup("a.txt")
				require.Len(t, nodes, 1)
				rec, ok := c.Get(nodes[0])
				require.True(t, ok)
				assert.Equal(t, arena.EntryFile, rec.Meta.Type)
				assert.Equal(t, int64(100), rec.Meta.Size)
				assert.Equal(t, uint64(7), c.LastSeenEventID())
			},
		},
		{
			name: "DeleteEventRemovesEverywhere",
			test: func(t *testing.T) {
				root := t.TempDir()
				path := filepath.Join(root, "a.txt")
				writeFile(t, path, 100)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				nodes := c.Lookup("a.txt")
				require.Len(t, nodes, 1)

				require.NoError(t, os.Remove(path))
				apply(t, c, fsevent.RawEvent{
					Path:  path,
					Flags: fsevent.FlagItemRemoved,
					ID:    8,
				})

				assert.Empty(t, c.Lookup("a.txt"))
				assert.Empty(t, c.SearchExact("a.txt"))
				_, ok := c.Get(nodes[0])
				assert.False(t, ok, "old handle must miss")
				_, ok = c.LookupPath(path)
				assert.False(t, ok)
			},
		},
		{
			name: "ModifyRefreshesInPlace",
			test: func(t *testing.T) {
				root := t.TempDir()
				path := filepath.Join(root, "grow.bin")
				writeFile(t, path, 10)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				before, ok := c.LookupPath(path)
				require.True(t, ok)

				writeFile(t, path, 999)
				apply(t, c, fsevent.RawEvent{
					Path:  path,
					Flags: fsevent.FlagItemModified | fsevent.FlagItemIsFile,
					ID:    9,
				})

				after, ok := c.LookupPath(path)
				require.True(t, ok)
				assert.Equal(t, before, after, "a metadata refresh must not reallocate the record")
				rec, ok := c.Get(after)
				require.True(t, ok)
				assert.Equal(t, int64(999), rec.Meta.Size)
			},
		},
		{
			name: "AmbiguousEventSettledByDisk",
			test: func(t *testing.T) {
				root := t.TempDir()
				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))

				// flagless event for a path that does exist: indexed
				present := filepath.Join(root, "seen.txt")
				writeFile(t, present, 5)
				apply(t, c, fsevent.RawEvent{Path: present, ID: 1})
				assert.Len(t, c.Lookup("seen.txt"), 1)

				// flagless event for a path that does not: dropped
				apply(t, c, fsevent.RawEvent{Path: filepath.Join(root, "ghost.txt"), ID: 2})
				assert.Empty(t, c.Lookup("ghost.txt"))
			},
		},
		{
			name: "FolderReconcileDiffsChildren",
			test: func(t *testing.T) {
				root := t.TempDir()
				dir := filepath.Join(root, "d")
				writeFile(t, filepath.Join(dir, "keep.txt"), 1)
				writeFile(t, filepath.Join(dir, "lose.txt"), 1)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				require.Len(t, c.Lookup("lose.txt"), 1)

				require.NoError(t, os.Remove(filepath.Join(dir, "lose.txt")))
				writeFile(t, filepath.Join(dir, "new.txt"), 1)
				apply(t, c, fsevent.RawEvent{
					Path:  dir,
					Flags: fsevent.FlagItemRenamed | fsevent.FlagItemIsDir,
					ID:    3,
				})

				assert.Len(t, c.Lookup("keep.txt"), 1)
				assert.Len(t, c.Lookup("new.txt"), 1)
				assert.Empty(t, c.Lookup("lose.txt"))
			},
		},
		{
			name: "DirectoryDeleteDropsSubtree",
			test: func(t *testing.T) {
				root := t.TempDir()
				dir := filepath.Join(root, "d")
				writeFile(t, filepath.Join(dir, "inner", "x.txt"), 1)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				require.Len(t, c.Lookup("x.txt"), 1)

				require.NoError(t, os.RemoveAll(dir))
				apply(t, c, fsevent.RawEvent{
					Path:  dir,
					Flags: fsevent.FlagItemRemoved | fsevent.FlagItemIsDir,
					ID:    4,
				})

				assert.Empty(t, c.Lookup("d"))
				assert.Empty(t, c.Lookup("inner"))
				assert.Empty(t, c.Lookup("x.txt"))
				assert.Equal(t, 1, c.Len(), "only the root survives")
			},
		},
		{
			name: "DroppedEventsForceRescan",
			test: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "old.txt"), 1)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))

				// out-of-band churn the watcher lost
				require.NoError(t, os.Remove(filepath.Join(root, "old.txt")))
				writeFile(t, filepath.Join(root, "fresh.txt"), 1)

				apply(t, c, fsevent.RawEvent{
					Path:  root,
					Flags: fsevent.FlagKernelDropped,
					ID:    5,
				})

				assert.Empty(t, c.Lookup("old.txt"))
				assert.Len(t, c.Lookup("fresh.txt"), 1)
			},
		},
		{
			name: "DeepEventMaterializesAncestors",
			test: func(t *testing.T) {
				root := t.TempDir()
				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				require.Equal(t, 1, c.Len())

				// One event for a deep path; the intermediate directories
				// were never announced.
				deep := filepath.Join(root, "a", "b", "c.txt")
				writeFile(t, deep, 7)
				apply(t, c, fsevent.RawEvent{
					Path:  deep,
					Flags: fsevent.FlagItemCreated | fsevent.FlagItemIsFile,
					ID:    11,
				})

				assert.Equal(t, 4, c.Len(), "root, a, b, c.txt")
				aIdx, ok := c.LookupPath(filepath.Join(root, "a"))
				require.True(t, ok)
				bIdx, ok := c.LookupPath(filepath.Join(root, "a", "b"))
				require.True(t, ok)
				bRec, ok := c.Get(bIdx)
				require.True(t, ok)
				assert.Equal(t, aIdx, bRec.Parent)

				// The parent chain survives a state round trip: nothing
				// rebuilds under a bare name.
				arenaSnap, names, lastID := c.ExportState()
				pool := namepool.New()
				ix := nameindex.FromExport(names, pool)
				a, err := arena.FromSnapshot(arenaSnap, ix.Intern)
				require.NoError(t, err)
				restored, err := NewConsumerFromState(
					root, pool, a, ix, lastID,
					&walker.Runner{Root: root},
					fsevent.NewClassifier(fsevent.UnknownFatal),
					assertlib.NewAssertHandler(),
				)
				require.NoError(t, err)
				_, ok = restored.LookupPath(deep)
				assert.True(t, ok, "deep path resolves at its real location after restore")
				_, ok = restored.LookupPath(filepath.Base(deep))
				assert.False(t, ok)
			},
		},
		{
			name: "MalformedFlagShapesTripAsserts",
			test: func(t *testing.T) {
				root := t.TempDir()
				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))

				tripped := 0
				c.AssertHandler.SetExitFunc(func(int) { tripped++ })
				c.AssertHandler.ToWriter(io.Discard)

				// Well-formed shapes pass.
				apply(t, c, fsevent.RawEvent{
					Path:  filepath.Join(root, "mnt"),
					Flags: fsevent.FlagMount | fsevent.FlagItemIsDir,
					ID:    12,
				})
				assert.Zero(t, tripped)

				// A mount on a non-directory and a content write on a
				// directory both violate the kernel's contract.
				apply(t, c, fsevent.RawEvent{
					Path:  filepath.Join(root, "mnt"),
					Flags: fsevent.FlagMount,
					ID:    13,
				})
				apply(t, c, fsevent.RawEvent{
					Path:  filepath.Join(root, "d"),
					Flags: fsevent.FlagItemModified | fsevent.FlagItemIsDir,
					ID:    14,
				})
				assert.Equal(t, 2, tripped)
			},
		},
		{
			name: "UnsupportedFlagsSurfaceAsError",
			test: func(t *testing.T) {
				root := t.TempDir()
				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))

				err := c.Apply(context.Background(), []fsevent.RawEvent{
					{Path: root, Flags: fsevent.FlagOwnEvent, ID: 6},
				})
				require.Error(t, err)
				assert.Contains(t, err.Error(), "classify")
			},
		},
		{
			name: "StateRoundTrip",
			test: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "sub", "deep.txt"), 33)

				c := newTestConsumer(t, root)
				require.NoError(t, c.Bootstrap(context.Background()))
				arenaSnap, names, lastID := c.ExportState()

				pool := namepool.New()
				ix := nameindex.FromExport(names, pool)
				a, err := arena.FromSnapshot(arenaSnap, ix.Intern)
				require.NoError(t, err)

				restored, err := NewConsumerFromState(
					root, pool, a, ix, lastID,
					&walker.Runner{},
					fsevent.NewClassifier(fsevent.UnknownFatal),
					assertlib.NewAssertHandler(),
				)
				require.NoError(t, err)

				assert.Equal(t, c.Len(), restored.Len())
				idx, ok := restored.LookupPath(filepath.Join(root, "sub", "deep.txt"))
				require.True(t, ok, "path index must be rebuilt from parent chains")
				rec, ok := restored.Get(idx)
				require.True(t, ok)
				assert.Equal(t, int64(33), rec.Meta.Size)

				// restored consumer still applies events
				writeFile(t, filepath.Join(root, "late.txt"), 1)
				apply(t, restored, fsevent.RawEvent{
					Path:  filepath.Join(root, "late.txt"),
					Flags: fsevent.FlagItemCreated | fsevent.FlagItemIsFile,
					ID:    lastID + 1,
				})
				assert.Len(t, restored.Lookup("late.txt"), 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func TestConsumerRun(t *testing.T) {
	t.Run("AppliesBatchesAndIdles", func(t *testing.T) {
		root := t.TempDir()
		c := newTestConsumer(t, root)
		require.NoError(t, c.Bootstrap(context.Background()))

		idled := make(chan struct{}, 1)
		c.OnIdle = func() {
			select {
			case idled <- struct{}{}:
			default:
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events := make(chan []fsevent.RawEvent)
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx, events) }()

		path := filepath.Join(root, "live.txt")
		writeFile(t, path, 1)
		events <- []fsevent.RawEvent{
			{Path: root, Flags: fsevent.FlagHistoryDone, ID: 1},
			{Path: path, Flags: fsevent.FlagItemCreated | fsevent.FlagItemIsFile, ID: 2},
		}

		assert.Eventually(t, func() bool {
			return len(c.Lookup("live.txt")) == 1
		}, time.Second, 5*time.Millisecond)

		select {
		case <-idled:
		case <-time.After(3 * time.Second):
			t.Fatal("consumer never reported idle after history done")
		}

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("ClosedChannelStopsRun", func(t *testing.T) {
		root := t.TempDir()
		c := newTestConsumer(t, root)
		require.NoError(t, c.Bootstrap(context.Background()))

		events := make(chan []fsevent.RawEvent)
		close(events)
		require.NoError(t, c.Run(context.Background(), events))
	})
}
