// Package persist stores and loads index snapshots as a single framed blob:
// a fixed header carrying magic, format version, payload length and a
// checksum, followed by a zstd-compressed CBOR payload. Writes go through a
// temp file and an atomic rename, so the cache path always holds either the
// previous complete snapshot or the new one.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ZanzyTHEbar/fsindex/fsindex/arena"
	"github.com/ZanzyTHEbar/fsindex/fsindex/nameindex"
	"github.com/ZanzyTHEbar/fsindex/fsindex/namepool"
)

var (
	magic = [4]byte{'F', 'S', 'I', 'X'}

	// ErrNoSnapshot reports a cache path with nothing at it.
	ErrNoSnapshot = errors.New("no snapshot at cache path")
)

const (
	formatVersion = 1
	headerSize    = 4 + 4 + 8 + 8 // magic, version, length, checksum
)

// Payload is everything a restart needs to skip the cold walk.
type Payload struct {
	SnapshotID  uuid.UUID           `cbor:"1,keyasint"`
	TakenAt     int64               `cbor:"2,keyasint"`
	Root        string              `cbor:"3,keyasint"`
	LastEventID uint64              `cbor:"4,keyasint"`
	Arena       arena.Snapshot      `cbor:"5,keyasint"`
	Names       map[string][]uint32 `cbor:"6,keyasint"`
}

// NewPayload stamps a snapshot with a fresh id and the current time.
func NewPayload(root string, lastEventID uint64, arenaSnap arena.Snapshot, names map[string][]uint32) *Payload {
	return &Payload{
		SnapshotID:  uuid.New(),
		TakenAt:     time.Now().Unix(),
		Root:        root,
		LastEventID: lastEventID,
		Arena:       arenaSnap,
		Names:       names,
	}
}

// Cache is a snapshot slot at a fixed path.
type Cache struct {
	path string
}

func New(path string) *Cache {
	return &Cache{path: path}
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Exists reports whether a snapshot file is present. It says nothing about
// the file being loadable.
func (c *Cache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Save writes p as the new snapshot. The previous snapshot stays intact
// until the final rename.
func (c *Cache) Save(p *Payload) error {
	raw, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot payload: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	compressed := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	enc.Close()

	buf := make([]byte, headerSize, headerSize+len(compressed))
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(compressed)))
	binary.LittleEndian.PutUint64(buf[16:24], xxhash.Sum64(compressed))
	buf = append(buf, compressed...)

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	slog.Debug("snapshot saved",
		"path", c.path,
		"payload_bytes", len(raw),
		"compressed_bytes", len(compressed))
	return nil
}

// Load reads and validates the snapshot. Every failure names the phase it
// happened in; a damaged cache is always an error, never an empty payload.
func (c *Cache) Load() (*Payload, error) {
	blob, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if len(blob) < headerSize {
		return nil, fmt.Errorf("snapshot header truncated: %d bytes", len(blob))
	}
	if [4]byte(blob[0:4]) != magic {
		return nil, fmt.Errorf("snapshot has wrong magic %q", blob[0:4])
	}
	if v := binary.LittleEndian.Uint32(blob[4:8]); v != formatVersion {
		return nil, fmt.Errorf("snapshot format version %d, want %d", v, formatVersion)
	}
	length := binary.LittleEndian.Uint64(blob[8:16])
	if uint64(len(blob)-headerSize) != length {
		return nil, fmt.Errorf("snapshot body is %d bytes, header says %d", len(blob)-headerSize, length)
	}
	body := blob[headerSize:]
	if sum := xxhash.Sum64(body); sum != binary.LittleEndian.Uint64(blob[16:24]) {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var p Payload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	return &p, nil
}

// Restore rebuilds the in-memory structures from a payload: one shared name
// pool, the name index over it, and the arena reusing the index's interned
// handles.
func Restore(p *Payload) (*namepool.Pool, *arena.Arena, *nameindex.Index, error) {
	pool := namepool.New()
	ix := nameindex.FromExport(p.Names, pool)
	a, err := arena.FromSnapshot(p.Arena, ix.Intern)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to restore arena: %w", err)
	}
	return pool, a, ix, nil
}
