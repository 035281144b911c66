package merge

import (
	"iter"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
)

// Hit is one matched name together with every live record carrying it.
type Hit struct {
	Name  string
	Nodes []arena.NodeIndex
}

// SearchSubstring finds every indexed name containing needle. Interning
// guarantees at most one hit per distinct name.
func (c *Consumer) SearchSubstring(needle string) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.pool.SearchSubstring(needle))
}

// SearchPrefix finds every indexed name starting with prefix.
func (c *Consumer) SearchPrefix(prefix string) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.pool.SearchPrefix(namepool.PrefixPattern(prefix)))
}

// SearchSuffix finds every indexed name ending with suffix.
func (c *Consumer) SearchSuffix(suffix string) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.pool.SearchSuffix(namepool.SuffixPattern(suffix)))
}

// SearchExact finds the one indexed name equal to name, if any.
func (c *Consumer) SearchExact(name string) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.pool.SearchExact(namepool.ExactPattern(name)))
}

func (c *Consumer) collectLocked(handles iter.Seq[namepool.Handle]) []Hit {
	var hits []Hit
	for h := range handles {
		name := c.pool.Resolve(h)
		nodes := c.lookupLocked(name)
		if len(nodes) == 0 {
			// interned but currently unreferenced name
			continue
		}
		hits = append(hits, Hit{Name: name, Nodes: nodes})
	}
	return hits
}

// Lookup returns the live records named exactly name.
func (c *Consumer) Lookup(name string) []arena.NodeIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(name)
}

func (c *Consumer) lookupLocked(name string) []arena.NodeIndex {
	bm, ok := c.names.Lookup(name)
	if !ok {
		return nil
	}
	nodes := make([]arena.NodeIndex, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		if idx, ok := c.arena.Live(it.Next()); ok {
			nodes = append(nodes, idx)
		}
	}
	return nodes
}

// AllIndices returns every live record, grouped by sorted name.
func (c *Consumer) AllIndices() []arena.NodeIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]arena.NodeIndex, 0, c.arena.Len())
	for _, s := range c.names.AllSlots() {
		if idx, ok := c.arena.Live(s); ok {
			nodes = append(nodes, idx)
		}
	}
	return nodes
}

// Get copies out the record behind idx, if it is still live.
func (c *Consumer) Get(idx arena.NodeIndex) (arena.NodeRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.arena.Get(idx)
	if !ok {
		return arena.NodeRecord{}, false
	}
	return *rec, true
}

// NameOf resolves idx to its entry name.
func (c *Consumer) NameOf(idx arena.NodeIndex) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.arena.Get(idx)
	if !ok {
		return "", false
	}
	return c.pool.Resolve(rec.Name), true
}

// LookupPath returns the record indexed at an absolute path.
func (c *Consumer) LookupPath(path string) (arena.NodeIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paths.Lookup(path)
}

// Len returns the number of live records.
func (c *Consumer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.arena.Len()
}
