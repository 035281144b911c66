// Package merge is the single writer over the index structures. One
// consumer goroutine owns the name pool, arena, name index and path index;
// everything else talks to them through it. Readers use the RWMutex-guarded
// query surface and never see a half-applied event.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	assert "github.com/ZanzyTHEbar/assert-lib"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/fsevent"
	"github.com/ZanzyTHEbar/fsindex/fsindex/nameindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
	"github.com/ZanzyTHEbar/fsindex/fsindex/pathindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/walker"
)

// Walker produces metadata batches for directory subtrees, parent before
// child. *walker.Runner is the production implementation.
type Walker interface {
	Walk(ctx context.Context, root string, maxDepth int) (*walker.Batch, error)
}

// drainTimeout is how long the consumer waits for more events once history
// is done before declaring itself idle.
const drainTimeout = 500 * time.Millisecond

// Consumer applies classified events to the index structures.
type Consumer struct {
	mu sync.RWMutex

	root       string
	pool       *namepool.Pool
	arena      *arena.Arena
	names      *nameindex.Index
	paths      *pathindex.Index
	classifier *fsevent.Classifier
	walker     Walker

	AssertHandler *assert.AssertHandler

	lastSeenID  uint64
	historyDone bool

	// OnIdle fires on the consumer goroutine whenever the live drain
	// times out with nothing pending. Optional.
	OnIdle func()
}

// NewConsumer creates an empty consumer rooted at root.
func NewConsumer(root string, w Walker, cls *fsevent.Classifier, assertHandler *assert.AssertHandler) *Consumer {
	pool := namepool.New()
	return &Consumer{
		root:          filepath.Clean(root),
		pool:          pool,
		arena:         arena.New(),
		names:         nameindex.New(pool),
		paths:         pathindex.New(),
		classifier:    cls,
		walker:        w,
		AssertHandler: assertHandler,
	}
}

// NewConsumerFromState wraps already-restored structures. The path index is
// rebuilt from the arena by resolving each record's parent chain.
func NewConsumerFromState(root string, pool *namepool.Pool, a *arena.Arena, names *nameindex.Index, lastSeenID uint64, w Walker, cls *fsevent.Classifier, assertHandler *assert.AssertHandler) (*Consumer, error) {
	c := &Consumer{
		root:          filepath.Clean(root),
		pool:          pool,
		arena:         a,
		names:         names,
		paths:         pathindex.New(),
		classifier:    cls,
		walker:        w,
		AssertHandler: assertHandler,
		lastSeenID:    lastSeenID,
	}
	if err := c.rebuildPaths(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuildPaths recomputes every record's absolute path by following parent
// references. Root records carry their full path as their name; children
// carry base names.
func (c *Consumer) rebuildPaths() error {
	memo := make(map[uint32]string, c.arena.Len())
	var pathOf func(idx arena.NodeIndex) (string, error)
	pathOf = func(idx arena.NodeIndex) (string, error) {
		if p, ok := memo[idx.Slot]; ok {
			return p, nil
		}
		rec, ok := c.arena.Get(idx)
		if !ok {
			return "", fmt.Errorf("dangling parent reference to slot %d", idx.Slot)
		}
		name := c.pool.Resolve(rec.Name)
		if !rec.Parent.IsValid() {
			if name != c.root {
				return "", fmt.Errorf("record %q has no parent and is not the root", name)
			}
			memo[idx.Slot] = name
			return name, nil
		}
		parent, err := pathOf(rec.Parent)
		if err != nil {
			return "", err
		}
		p := filepath.Join(parent, name)
		memo[idx.Slot] = p
		return p, nil
	}

	for idx := range c.arena.Iter() {
		p, err := pathOf(idx)
		if err != nil {
			return fmt.Errorf("failed to rebuild path index: %w", err)
		}
		c.paths.Insert(p, idx)
	}
	return nil
}

// Root returns the watched root path.
func (c *Consumer) Root() string {
	return c.root
}

// LastSeenEventID returns the highest event id applied so far.
func (c *Consumer) LastSeenEventID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeenID
}

// Bootstrap walks the whole root and populates the structures. Used on cold
// start when no snapshot is loadable.
func (c *Consumer) Bootstrap(ctx context.Context) error {
	batch, err := c.walker.Walk(ctx, c.root, -1)
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", c.root, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range batch.Entries {
		c.upsertLocked(e.Path, e.Meta)
	}
	slog.Info("index bootstrapped",
		"root", c.root,
		"files", batch.Files,
		"dirs", batch.Dirs)
	return nil
}

// Run consumes event batches until ctx is cancelled or events closes.
// Before history is done it blocks indefinitely between batches; once the
// backlog is flushed it waits at most drainTimeout and then reports idle.
func (c *Consumer) Run(ctx context.Context, events <-chan []fsevent.RawEvent) error {
	idle := time.NewTimer(drainTimeout)
	defer idle.Stop()
	for {
		if !c.historyDoneSnapshot() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case batch, ok := <-events:
				if !ok {
					return nil
				}
				if err := c.Apply(ctx, batch); err != nil {
					return err
				}
			}
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(drainTimeout)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, batch); err != nil {
				return err
			}
		case <-idle.C:
			if c.OnIdle != nil {
				c.OnIdle()
			}
		}
	}
}

func (c *Consumer) historyDoneSnapshot() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyDone
}

// Apply classifies and dispatches one batch under the write lock.
func (c *Consumer) Apply(ctx context.Context, batch []fsevent.RawEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range batch {
		if err := c.applyLocked(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) applyLocked(ctx context.Context, ev fsevent.RawEvent) error {
	isDir := false
	if idx, ok := c.paths.Lookup(ev.Path); ok {
		if rec, ok := c.arena.Get(idx); ok {
			isDir = rec.Meta.Type == arena.EntryDir
		}
	}

	abstract, err := c.classifier.Classify(ev.Flags, isDir)
	if err != nil {
		return fmt.Errorf("failed to classify event %d at %s: %w", ev.ID, ev.Path, err)
	}
	if ev.ID > c.lastSeenID {
		c.lastSeenID = ev.ID
	}

	// Kernel invariants on the flag shapes. Mount points are directories;
	// content writes land on files.
	c.AssertHandler.Assert(ctx,
		!ev.Flags.Has(fsevent.FlagMount|fsevent.FlagUnmount) || ev.Flags.IsDir(),
		"mount event on a non-directory", "path", ev.Path, "flags", ev.Flags.String())
	c.AssertHandler.Assert(ctx,
		!ev.Flags.Has(fsevent.FlagItemModified) || !ev.Flags.IsDir(),
		"content modification on a directory", "path", ev.Path, "flags", ev.Flags.String())

	slog.Debug("applying event",
		"path", ev.Path,
		"kind", abstract.Kind.String(),
		"scan", abstract.Scan.String(),
		"id", ev.ID)

	switch abstract.Scan {
	case fsevent.ScanNop:
		if ev.Flags.Has(fsevent.FlagHistoryDone) {
			c.historyDone = true
		}
		return nil
	case fsevent.ScanSingleNode:
		return c.reconcileNodeLocked(ev.Path, abstract.Kind)
	case fsevent.ScanFolder:
		return c.reconcileFolderLocked(ctx, ev.Path)
	case fsevent.ScanReScan:
		return c.reconcileSubtreeLocked(ctx, ev.Path)
	default:
		return fmt.Errorf("unhandled scan action %d", abstract.Scan)
	}
}

// reconcileNodeLocked stats one path and makes the index agree with disk.
// The event kind is advisory; disk is the authority, which also settles
// ambiguous and coalesced events.
func (c *Consumer) reconcileNodeLocked(path string, kind fsevent.EventKind) error {
	if kind == fsevent.KindDelete {
		c.removePathLocked(path)
		return nil
	}
	meta, ok, err := walker.MetadataFor(path)
	if err != nil {
		return err
	}
	if !ok {
		c.removePathLocked(path)
		return nil
	}
	c.upsertLocked(path, meta)
	return nil
}

// reconcileFolderLocked re-lists path one level deep and diffs against the
// indexed children.
func (c *Consumer) reconcileFolderLocked(ctx context.Context, path string) error {
	batch, err := c.walker.Walk(ctx, path, 1)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", path, err)
	}
	if len(batch.Entries) == 0 {
		c.removePathLocked(path)
		return nil
	}

	seen := make(map[string]struct{}, len(batch.Entries))
	for _, e := range batch.Entries {
		seen[e.Path] = struct{}{}
		c.upsertLocked(e.Path, e.Meta)
	}
	for childPath := range c.paths.Children(path) {
		if _, ok := seen[childPath]; !ok {
			c.removePathLocked(childPath)
		}
	}
	return nil
}

// reconcileSubtreeLocked drops everything under path and re-walks it from
// scratch. Handles into the dropped region go stale, which is what a lost
// delta means.
func (c *Consumer) reconcileSubtreeLocked(ctx context.Context, path string) error {
	c.removePathLocked(path)
	batch, err := c.walker.Walk(ctx, path, -1)
	if err != nil {
		return fmt.Errorf("failed to rescan %s: %w", path, err)
	}
	for _, e := range batch.Entries {
		c.upsertLocked(e.Path, e.Meta)
	}
	slog.Info("subtree rescanned", "path", path, "files", batch.Files, "dirs", batch.Dirs)
	return nil
}

// upsertLocked inserts or refreshes the record at path. The root record
// keeps its full path as its name; everything else uses the base name and
// must hang off a live parent record, so missing ancestors are indexed
// first. A path whose parent chain cannot be resolved is dropped rather
// than stored as an orphan.
func (c *Consumer) upsertLocked(path string, meta arena.Metadata) {
	if idx, ok := c.paths.Lookup(path); ok {
		if rec, ok := c.arena.Get(idx); ok {
			rec.Meta = meta
			return
		}
		// stale path entry; fall through and reinsert
		c.paths.Remove(path)
	}

	name := filepath.Base(path)
	parent := arena.InvalidIndex
	if path == c.root {
		name = path
	} else {
		var ok bool
		parent, ok = c.ensureParentLocked(filepath.Dir(path))
		if !ok {
			slog.Debug("dropping entry without a live parent", "path", path)
			return
		}
	}

	h := c.names.Intern(name)
	idx := c.arena.Insert(arena.NodeRecord{Name: h, Parent: parent, Meta: meta})
	c.names.Add(name, idx.Slot)
	c.paths.Insert(path, idx)
}

// ensureParentLocked resolves dir to a live record, statting and inserting
// any ancestors the event stream never announced. Coalesced or dropped
// deltas can surface a deep path before its intermediate directories.
func (c *Consumer) ensureParentLocked(dir string) (arena.NodeIndex, bool) {
	if idx, ok := c.paths.Lookup(dir); ok {
		return idx, true
	}
	if dir == c.root || !strings.HasPrefix(dir, c.root+string(filepath.Separator)) {
		return arena.InvalidIndex, false
	}
	meta, ok, err := walker.MetadataFor(dir)
	if err != nil || !ok {
		return arena.InvalidIndex, false
	}
	c.upsertLocked(dir, meta)
	idx, ok := c.paths.Lookup(dir)
	return idx, ok
}

// removePathLocked removes path and, when it is a directory, its whole
// subtree from all structures.
func (c *Consumer) removePathLocked(path string) {
	for _, idx := range c.paths.RemoveSubtree(path) {
		rec, ok := c.arena.Get(idx)
		if !ok {
			continue
		}
		name := c.pool.Resolve(rec.Name)
		c.names.Remove(name, idx.Slot)
		c.arena.Remove(idx)
	}
}

// ExportState snapshots the persistable state under the read lock.
func (c *Consumer) ExportState() (arena.Snapshot, map[string][]uint32, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.arena.Export(c.pool), c.names.Export(), c.lastSeenID
}
