// Package pathindex maps absolute entry paths to arena handles. Change
// notifications arrive keyed by path while the arena is name-keyed, so the
// merge consumer needs this side index to dispatch an event to the record it
// affects.
package pathindex

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"

	"github.com/armon/go-radix"
)

// Index provides O(k) path lookups using a compressed trie, where k is the
// length of the path. Written only by the merge consumer; reads may come
// from other goroutines.
type Index struct {
	tree *radix.Tree
	mu   sync.RWMutex
}

// New creates an empty path index.
func New() *Index {
	return &Index{tree: radix.New()}
}

// Insert maps path to idx, replacing any previous mapping.
func (ix *Index) Insert(path string, idx arena.NodeIndex) {
	p := normalizePath(path)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, updated := ix.tree.Insert(p, idx)

	slog.Debug("Path index insertion completed",
		"path", p,
		"was_update", updated,
		"total_nodes", ix.tree.Len())
}

// Lookup returns the handle for the exact path.
func (ix *Index) Lookup(path string) (arena.NodeIndex, bool) {
	p := normalizePath(path)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	value, found := ix.tree.Get(p)
	if !found {
		return arena.NodeIndex{}, false
	}
	return value.(arena.NodeIndex), true
}

// Remove deletes the mapping for path.
func (ix *Index) Remove(path string) bool {
	p := normalizePath(path)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, deleted := ix.tree.Delete(p)
	return deleted
}

// RemoveSubtree deletes the mapping for path and everything beneath it,
// returning the removed handles. Used when a folder deletion takes its
// descendants with it.
func (ix *Index) RemoveSubtree(path string) []arena.NodeIndex {
	p := normalizePath(path)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var removed []arena.NodeIndex
	if v, ok := ix.tree.Get(p); ok {
		removed = append(removed, v.(arena.NodeIndex))
	}
	ix.tree.WalkPrefix(p+"/", func(key string, value interface{}) bool {
		removed = append(removed, value.(arena.NodeIndex))
		return false
	})
	ix.tree.Delete(p)
	ix.tree.DeletePrefix(p + "/")

	slog.Debug("Path index subtree removal completed",
		"path", p,
		"removed_count", len(removed))

	return removed
}

// Children returns the paths and handles of the direct children of
// parentPath, skipping deeper descendants.
func (ix *Index) Children(parentPath string) map[string]arena.NodeIndex {
	parent := normalizePath(parentPath)
	prefix := parent
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	children := make(map[string]arena.NodeIndex)
	ix.tree.WalkPrefix(prefix, func(key string, value interface{}) bool {
		remaining := strings.TrimPrefix(key, prefix)
		if remaining != "" && !strings.Contains(remaining, "/") {
			children[key] = value.(arena.NodeIndex)
		}
		return false
	})
	return children
}

// Walk executes fn for every indexed path until fn returns true.
func (ix *Index) Walk(fn func(path string, idx arena.NodeIndex) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ix.tree.Walk(func(key string, value interface{}) bool {
		return fn(key, value.(arena.NodeIndex))
	})
}

// Len returns the number of indexed paths.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// normalizePath ensures consistent path formatting for the index
func normalizePath(path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")
	normalized = filepath.ToSlash(filepath.Clean(normalized))
	if len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}
