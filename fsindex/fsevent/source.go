package fsevent

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySource adapts fsnotify to the Source contract. fsnotify has no
// history replay, so every subscription opens with a synthetic history-done
// batch: callers that asked for events since an old id get told up front
// that the backlog is not coming and a walk is their baseline.
type FSNotifySource struct{}

func NewFSNotifySource() *FSNotifySource {
	return &FSNotifySource{}
}

func (s *FSNotifySource) Subscribe(path string, sinceID uint64, latency time.Duration) (Subscription, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create native watcher: %w", err)
	}
	if err := addRecursive(fw, path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	dev, err := deviceOf(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	sub := &fsnotifySubscription{
		fw:      fw,
		root:    path,
		dev:     dev,
		latency: latency,
		out:     make(chan []RawEvent, 16),
		quit:    make(chan struct{}),
	}
	sub.nextID.Store(sinceID)
	go sub.run(sinceID)
	return sub, nil
}

// addRecursive registers path and every directory below it. Directories
// that vanish mid-walk are skipped; the corresponding remove event will
// arrive through the stream.
func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to add watch on %s: %w", p, err)
		}
		return nil
	})
}

func deviceOf(path string) (DeviceID, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no device information for %s", path)
	}
	return DeviceID(st.Dev), nil
}

type fsnotifySubscription struct {
	fw      *fsnotify.Watcher
	root    string
	dev     DeviceID
	latency time.Duration
	nextID  atomic.Uint64

	out       chan []RawEvent
	quit      chan struct{}
	closeOnce sync.Once
}

func (s *fsnotifySubscription) Device() DeviceID {
	return s.dev
}

func (s *fsnotifySubscription) Batches() <-chan []RawEvent {
	return s.out
}

func (s *fsnotifySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	return s.fw.Close()
}

func (s *fsnotifySubscription) run(sinceID uint64) {
	defer close(s.out)

	// No backlog will ever arrive; say so immediately.
	s.emit([]RawEvent{{Path: s.root, Flags: FlagHistoryDone, ID: sinceID}})

	var pending []RawEvent
	var flushC <-chan time.Time
	var flush *time.Timer
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.fw.Events:
			if !ok {
				if len(pending) > 0 {
					s.emit(pending)
				}
				return
			}
			pending = append(pending, s.convert(ev))
			if flushC == nil {
				flush = time.NewTimer(s.latency)
				flushC = flush.C
			}
		case err, ok := <-s.fw.Errors:
			if !ok {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// The kernel queue overflowed; only a re-walk can
				// recover what was lost.
				pending = append(pending, RawEvent{
					Path:  s.root,
					Flags: FlagKernelDropped,
					ID:    s.nextID.Add(1),
				})
				if flushC == nil {
					flush = time.NewTimer(s.latency)
					flushC = flush.C
				}
				continue
			}
			slog.Warn("native watcher error", "root", s.root, "error", err)
		case <-flushC:
			flush.Stop()
			flushC = nil
			batch := pending
			pending = nil
			s.emit(batch)
		}
	}
}

func (s *fsnotifySubscription) emit(batch []RawEvent) {
	select {
	case s.out <- batch:
	case <-s.quit:
	}
}

// convert maps an fsnotify op onto the flag vocabulary and annotates it
// with type bits when the entry still exists.
func (s *fsnotifySubscription) convert(ev fsnotify.Event) RawEvent {
	var flags Flag
	switch {
	case ev.Has(fsnotify.Create):
		flags = FlagItemCreated
	case ev.Has(fsnotify.Write):
		flags = FlagItemModified
	case ev.Has(fsnotify.Remove):
		flags = FlagItemRemoved
	case ev.Has(fsnotify.Rename):
		flags = FlagItemRenamed
	case ev.Has(fsnotify.Chmod):
		flags = FlagItemInodeMetaMod
	}

	if fi, err := os.Lstat(ev.Name); err == nil {
		switch {
		case fi.IsDir():
			flags |= FlagItemIsDir
			if ev.Has(fsnotify.Create) {
				// New directories are not covered by existing
				// watches; extend coverage before their contents
				// start changing.
				if err := addRecursive(s.fw, ev.Name); err != nil {
					slog.Warn("failed to extend watch", "path", ev.Name, "error", err)
				}
				// A directory moved in arrives as one event; whatever
				// it already contains never will.
				flags |= FlagMustScanSubDirs
			}
		case fi.Mode()&fs.ModeSymlink != 0:
			flags |= FlagItemIsSymlink
		default:
			flags |= FlagItemIsFile
		}
	}

	return RawEvent{Path: ev.Name, Flags: flags, ID: s.nextID.Add(1)}
}
