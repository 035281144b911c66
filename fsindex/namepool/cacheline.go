package namepool

import (
	"fmt"
	"iter"
)

// CacheLine is the fixed-capacity pool variant. The backing array is
// allocated once and never reallocates, so offsets handed out by Push remain
// valid without the indirection a growable buffer needs. Push fails once the
// terminal guard byte no longer fits.
type CacheLine struct {
	len  int
	data []byte
}

// NewCacheLine creates a fixed pool of the given capacity, reserving the
// leading guard byte.
func NewCacheLine(capacity int) *CacheLine {
	if capacity < 1 {
		panic("namepool: cache line capacity must hold at least the leading guard")
	}
	return &CacheLine{
		len:  1,
		data: make([]byte, capacity),
	}
}

// Len returns the number of used bytes, including guard bytes.
func (c *CacheLine) Len() int {
	return c.len
}

// Cap returns the fixed capacity.
func (c *CacheLine) Cap() int {
	return len(c.data)
}

// Push interns name. ok is false when name plus its trailing guard does not
// fit; the pool is left unchanged in that case.
func (c *CacheLine) Push(name string) (h Handle, ok bool) {
	if c.len+len(name)+1 > len(c.data) {
		return 0, false
	}
	start := c.len
	copy(c.data[start:], name)
	// the slot for the trailing guard is already zero
	c.len = start + len(name) + 1
	return Handle(start), true
}

// Resolve returns the full name containing the given offset.
func (c *CacheLine) Resolve(h Handle) string {
	_, s := bounds(c.data[:c.len], int(h))
	return s
}

// SearchSubstring behaves like Pool.SearchSubstring over the fixed buffer.
func (c *CacheLine) SearchSubstring(needle string) iter.Seq[Handle] {
	return scan(c.data[:c.len], []byte(needle), 0)
}

// SearchPrefix behaves like Pool.SearchPrefix; the pattern must begin with
// the guard byte.
func (c *CacheLine) SearchPrefix(pattern []byte) iter.Seq[Handle] {
	if len(pattern) == 0 || pattern[0] != Guard {
		panic(fmt.Sprintf("namepool: prefix pattern must begin with the guard byte, got %q", pattern))
	}
	return scan(c.data[:c.len], pattern, len(pattern)-1)
}

// SearchSuffix behaves like Pool.SearchSuffix; the pattern must end with the
// guard byte.
func (c *CacheLine) SearchSuffix(pattern []byte) iter.Seq[Handle] {
	if len(pattern) == 0 || pattern[len(pattern)-1] != Guard {
		panic(fmt.Sprintf("namepool: suffix pattern must end with the guard byte, got %q", pattern))
	}
	return scan(c.data[:c.len], pattern, 0)
}

// SearchExact behaves like Pool.SearchExact; the pattern must begin and end
// with the guard byte.
func (c *CacheLine) SearchExact(pattern []byte) iter.Seq[Handle] {
	if len(pattern) < 2 || pattern[0] != Guard || pattern[len(pattern)-1] != Guard {
		panic(fmt.Sprintf("namepool: exact pattern must begin and end with the guard byte, got %q", pattern))
	}
	return scan(c.data[:c.len], pattern, len(pattern)-1)
}
