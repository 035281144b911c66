// Package walker produces metadata batches for directory trees. Batches are
// ordered parent-before-child so consumers can resolve parent references in
// a single pass.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
)

// IgnoreMatcher decides which relative paths are excluded from a walk.
// *ignore.GitIgnore satisfies it.
type IgnoreMatcher interface {
	MatchesPath(path string) bool
}

// CompileIgnoreLines builds a matcher from gitignore-style patterns.
// Returns nil for an empty pattern set, which the walker treats as
// "nothing ignored".
func CompileIgnoreLines(lines ...string) IgnoreMatcher {
	if len(lines) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(lines...)
}

// CompileIgnoreFile builds a matcher from a gitignore-style file. A missing
// file yields a nil matcher.
func CompileIgnoreFile(path string) (IgnoreMatcher, error) {
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to compile ignore file %s: %w", path, err)
	}
	return gi, nil
}

// Entry is one discovered filesystem object. The root entry's Name is the
// root path itself; every other Name is a base name.
type Entry struct {
	Path string
	Name string
	Meta arena.Metadata
}

// Batch is the result of one walk.
type Batch struct {
	Entries []Entry
	Files   int64
	Dirs    int64
}

// Stats exposes live counters for a walk in flight.
type Stats struct {
	Files atomic.Int64
	Dirs  atomic.Int64
}

// Runner walks directory trees breadth-first with a bounded worker pool per
// level.
//
// Root, when set, anchors ignore matching: patterns are matched against
// paths relative to Root no matter which subtree a particular Walk call
// starts from, so a root-anchored pattern like "/build" means the same
// thing during a full walk and during a one-level re-list of a
// subdirectory. When Root is empty each walk anchors to its own starting
// point.
type Runner struct {
	Root       string
	Ignore     IgnoreMatcher
	MaxWorkers int
	Stats      *Stats
}

// Walk lists root down to maxDepth levels below it (0 lists only root, -1
// is unlimited). A root that no longer exists yields an empty batch: the
// caller sees "nothing there" rather than an error, matching what a
// delete-then-walk race means.
func (r *Runner) Walk(ctx context.Context, root string, maxDepth int) (*Batch, error) {
	workers := r.MaxWorkers
	if workers <= 0 {
		workers = 8
	}
	stats := r.Stats
	if stats == nil {
		stats = &Stats{}
	}

	rootEntry, ok, err := statEntry(root, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Batch{}, nil
	}

	batch := &Batch{Entries: []Entry{rootEntry}}
	if rootEntry.Meta.Type == arena.EntryDir {
		stats.Dirs.Add(1)
	} else {
		stats.Files.Add(1)
		batch.Files, batch.Dirs = stats.Files.Load(), stats.Dirs.Load()
		return batch, nil
	}

	level := []string{root}
	for depth := 0; len(level) > 0 && (maxDepth < 0 || depth < maxDepth); depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var mu sync.Mutex
		var next []string
		p := pool.New().WithMaxGoroutines(workers)
		for _, dir := range level {
			p.Go(func() {
				entries, dirs := r.listDir(root, dir, stats)
				mu.Lock()
				batch.Entries = append(batch.Entries, entries...)
				next = append(next, dirs...)
				mu.Unlock()
			})
		}
		p.Wait()
		level = next
	}

	batch.Files, batch.Dirs = stats.Files.Load(), stats.Dirs.Load()
	return batch, nil
}

// listDir returns the immediate children of dir and the subset that are
// directories to descend into. Unreadable directories contribute no
// children; the directory entry itself was already emitted by the parent
// level.
func (r *Runner) listDir(root, dir string, stats *Stats) ([]Entry, []string) {
	des, err := readDirRetry(dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			slog.Debug("skipping unreadable directory", "path", dir)
		} else if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to list directory", "path", dir, "error", err)
		}
		return nil, nil
	}

	var entries []Entry
	var dirs []string
	for _, de := range des {
		path := filepath.Join(dir, de.Name())
		if r.ignored(root, path, de.IsDir()) {
			continue
		}
		entry, ok, err := statEntry(path, de.Name())
		if err != nil {
			slog.Warn("failed to stat entry", "path", path, "error", err)
			continue
		}
		if !ok {
			continue
		}
		entries = append(entries, entry)
		if entry.Meta.Type == arena.EntryDir {
			stats.Dirs.Add(1)
			dirs = append(dirs, path)
		} else {
			stats.Files.Add(1)
		}
	}
	return entries, dirs
}

func (r *Runner) ignored(root, path string, isDir bool) bool {
	if r.Ignore == nil {
		return false
	}
	anchor := r.Root
	if anchor == "" {
		anchor = root
	}
	rel, err := filepath.Rel(anchor, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return r.Ignore.MatchesPath(rel)
}

// statEntry lstats path into an Entry. The second return is false when the
// path vanished between listing and stat. Permission errors keep the entry
// with Meta.Known unset so name searches still find it.
func statEntry(path, name string) (Entry, bool, error) {
	fi, err := lstatRetry(path)
	switch {
	case err == nil:
		return Entry{Path: path, Name: name, Meta: metadataOf(fi)}, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return Entry{}, false, nil
	case errors.Is(err, fs.ErrPermission):
		return Entry{Path: path, Name: name, Meta: arena.Metadata{}}, true, nil
	default:
		return Entry{}, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
}

func metadataOf(fi fs.FileInfo) arena.Metadata {
	meta := arena.Metadata{
		Size:       fi.Size(),
		ModifiedAt: fi.ModTime().Unix(),
		Known:      true,
	}
	switch {
	case fi.IsDir():
		meta.Type = arena.EntryDir
	case fi.Mode()&fs.ModeSymlink != 0:
		meta.Type = arena.EntrySymlink
	case fi.Mode().IsRegular():
		meta.Type = arena.EntryFile
	default:
		meta.Type = arena.EntryUnknown
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		meta.CreatedAt = st.Ctim.Sec
	}
	return meta
}

// MetadataFor is statEntry's metadata for a single path, for callers
// reconciling one node at a time.
func MetadataFor(path string) (arena.Metadata, bool, error) {
	entry, ok, err := statEntry(path, filepath.Base(path))
	if err != nil || !ok {
		return arena.Metadata{}, ok, err
	}
	return entry.Meta, true, nil
}

func lstatRetry(path string) (fs.FileInfo, error) {
	for {
		fi, err := os.Lstat(path)
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		return fi, err
	}
}

func readDirRetry(dir string) ([]fs.DirEntry, error) {
	for {
		des, err := os.ReadDir(dir)
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		return des, err
	}
}
