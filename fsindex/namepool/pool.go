package namepool

import (
	"bytes"
	"fmt"
	"iter"
)

// Guard is the sentinel byte delimiting interned names. Names must never
// contain it.
const Guard byte = 0

// Handle is a stable byte offset into a pool. Any offset inside a stored
// name, including one produced mid-match by a search, resolves to the whole
// name. Handles stay valid for the lifetime of the owning pool.
type Handle uint32

// Pool is an append-only byte arena interning names, delimited on both sides
// by a single guard byte, e.g. `\0aaa\0bbb\0ccc\0`. The buffer may grow, so
// only offsets are handed out, never raw addresses. The pool performs no
// deduplication: pushing the same name twice occupies two regions.
type Pool struct {
	buf []byte
}

// New creates a pool containing only the initial guard byte.
func New() *Pool {
	return &Pool{buf: []byte{Guard}}
}

// Len returns the current size of the backing buffer in bytes.
func (p *Pool) Len() int {
	return len(p.buf)
}

// Push interns name and returns a handle to its first byte.
func (p *Pool) Push(name string) Handle {
	start := len(p.buf)
	p.buf = append(p.buf, name...)
	p.buf = append(p.buf, Guard)
	return Handle(start)
}

// Resolve returns the full name containing the given offset by scanning left
// to the nearest preceding guard byte and right to the nearest following one.
func (p *Pool) Resolve(h Handle) string {
	_, s := bounds(p.buf, int(h))
	return s
}

// bounds returns the end offset (index of the trailing guard) and the whole
// string containing off.
func bounds(buf []byte, off int) (int, string) {
	begin := bytes.LastIndexByte(buf[:off], Guard) + 1
	end := bytes.IndexByte(buf[off:], Guard)
	if end < 0 {
		end = len(buf)
	} else {
		end += off
	}
	return end, string(buf[begin:end])
}

// SearchSubstring locates every occurrence of needle and yields a handle for
// each distinct owning name. Consecutive raw matches inside the same name
// collapse to one hit. The sequence is single-pass; re-invoke to restart.
func (p *Pool) SearchSubstring(needle string) iter.Seq[Handle] {
	return scan(p.buf, []byte(needle), 0)
}

// SearchPrefix yields names starting with the enclosed pattern. The pattern
// must begin with the guard byte, e.g. "\x00hello".
func (p *Pool) SearchPrefix(pattern []byte) iter.Seq[Handle] {
	if len(pattern) == 0 || pattern[0] != Guard {
		panic(fmt.Sprintf("namepool: prefix pattern must begin with the guard byte, got %q", pattern))
	}
	// Shift each match to the end of the pattern so resolution lands inside
	// the target name instead of the one before it.
	return scan(p.buf, pattern, len(pattern)-1)
}

// SearchSuffix yields names ending with the enclosed pattern. The pattern
// must end with the guard byte, e.g. "hello\x00".
func (p *Pool) SearchSuffix(pattern []byte) iter.Seq[Handle] {
	if len(pattern) == 0 || pattern[len(pattern)-1] != Guard {
		panic(fmt.Sprintf("namepool: suffix pattern must end with the guard byte, got %q", pattern))
	}
	return scan(p.buf, pattern, 0)
}

// SearchExact yields only the names exactly equal to the enclosed pattern.
// The pattern must begin and end with the guard byte, e.g. "\x00hello\x00".
func (p *Pool) SearchExact(pattern []byte) iter.Seq[Handle] {
	if len(pattern) < 2 || pattern[0] != Guard || pattern[len(pattern)-1] != Guard {
		panic(fmt.Sprintf("namepool: exact pattern must begin and end with the guard byte, got %q", pattern))
	}
	return scan(p.buf, pattern, len(pattern)-1)
}

// scan yields the begin-offset handle of each name owning a raw match of
// pattern in buf. shift moves the raw match position before resolution.
// Matches that resolve into an already-yielded name are skipped by tracking
// the end offset of the last hit.
func scan(buf, pattern []byte, shift int) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		if len(pattern) == 0 {
			return
		}
		lastEnd := 0
		for i := 0; ; {
			j := bytes.Index(buf[i:], pattern)
			if j < 0 {
				return
			}
			x := i + j + shift
			i += j + 1
			if x <= lastEnd {
				continue
			}
			begin := bytes.LastIndexByte(buf[:x], Guard) + 1
			end := bytes.IndexByte(buf[x:], Guard)
			if end < 0 {
				end = len(buf)
			} else {
				end += x
			}
			lastEnd = end
			if !yield(Handle(begin)) {
				return
			}
		}
	}
}

// PrefixPattern builds a search pattern anchored to the start of a name.
func PrefixPattern(name string) []byte {
	pat := make([]byte, 0, len(name)+1)
	pat = append(pat, Guard)
	return append(pat, name...)
}

// SuffixPattern builds a search pattern anchored to the end of a name.
func SuffixPattern(name string) []byte {
	pat := make([]byte, 0, len(name)+1)
	pat = append(pat, name...)
	return append(pat, Guard)
}

// ExactPattern builds a search pattern anchored on both sides.
func ExactPattern(name string) []byte {
	pat := make([]byte, 0, len(name)+2)
	pat = append(pat, Guard)
	pat = append(pat, name...)
	return append(pat, Guard)
}
